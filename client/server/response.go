package server

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// UpdateStatus is the update state of the session as reported to the UI layer
type UpdateStatus struct {
	NeedRefresh       bool   `json:"need_refresh"`
	OfflineReady      bool   `json:"offline_ready"`
	Phase             string `json:"phase"`
	Candidate         string `json:"candidate,omitempty"`
	Controller        string `json:"controller,omitempty"`
	RegistrationError string `json:"registration_error,omitempty"`
}

// WriteJSONObject simply writes object to the HTTP response in JSON format
func WriteJSONObject(w http.ResponseWriter, status int, obj interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		log.Errorf("failed to encode response: %v", err)
	}
}

// WriteErrorResponse prepares and writes an error response in JSON
func WriteErrorResponse(errMsg string, httpStatus int, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(httpStatus)
	err := json.NewEncoder(w).Encode(&ErrorResponse{
		Message: errMsg,
		Code:    httpStatus,
	})
	if err != nil {
		http.Error(w, "failed handling request", http.StatusInternalServerError)
	}
}
