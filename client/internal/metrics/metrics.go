package metrics

import (
	"context"
	"io"
)

// RevalidationSource tells which arbiter asked for an update check.
type RevalidationSource string

const (
	SourceTimer   RevalidationSource = "timer"
	SourceTrigger RevalidationSource = "trigger"
	SourceManual  RevalidationSource = "manual"
)

// RegistrationResult is the outcome of acquiring the registration handle.
type RegistrationResult string

const (
	RegistrationOK          RegistrationResult = "ok"
	RegistrationUnsupported RegistrationResult = "unsupported"
	RegistrationFailed      RegistrationResult = "failed"
)

type metricsImplementation interface {
	RecordRegistration(ctx context.Context, result RegistrationResult)
	RecordRevalidation(ctx context.Context, source RevalidationSource, failed bool)
	RecordUpdateDetected(ctx context.Context)
	RecordActivation(ctx context.Context, reload bool)
	RecordReload(ctx context.Context)
	Export(w io.Writer) error
}

// UpdateMetrics records the lifecycle of update sessions.
type UpdateMetrics struct {
	impl metricsImplementation
}

// NewUpdateMetrics creates an OpenTelemetry backed recorder. When enabled is false every
// call is a no-op and Export writes nothing.
func NewUpdateMetrics(enabled bool) *UpdateMetrics {
	if !enabled {
		return &UpdateMetrics{impl: &noopMetrics{}}
	}
	return &UpdateMetrics{impl: newOtelMetrics()}
}

func (m *UpdateMetrics) RecordRegistration(ctx context.Context, result RegistrationResult) {
	if m == nil {
		return
	}
	m.impl.RecordRegistration(ctx, result)
}

func (m *UpdateMetrics) RecordRevalidation(ctx context.Context, source RevalidationSource, failed bool) {
	if m == nil {
		return
	}
	m.impl.RecordRevalidation(ctx, source, failed)
}

func (m *UpdateMetrics) RecordUpdateDetected(ctx context.Context) {
	if m == nil {
		return
	}
	m.impl.RecordUpdateDetected(ctx)
}

func (m *UpdateMetrics) RecordActivation(ctx context.Context, reload bool) {
	if m == nil {
		return
	}
	m.impl.RecordActivation(ctx, reload)
}

func (m *UpdateMetrics) RecordReload(ctx context.Context) {
	if m == nil {
		return
	}
	m.impl.RecordReload(ctx)
}

// Export writes the collected metrics in Prometheus text format
func (m *UpdateMetrics) Export(w io.Writer) error {
	if m == nil {
		return nil
	}
	return m.impl.Export(w)
}
