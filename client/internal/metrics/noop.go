package metrics

import (
	"context"
	"io"
)

// noopMetrics is a no-op implementation of metricsImplementation
type noopMetrics struct{}

func (s *noopMetrics) RecordRegistration(_ context.Context, _ RegistrationResult) {
	// No-op
}

func (s *noopMetrics) RecordRevalidation(_ context.Context, _ RevalidationSource, _ bool) {
	// No-op
}

func (s *noopMetrics) RecordUpdateDetected(_ context.Context) {
	// No-op
}

func (s *noopMetrics) RecordActivation(_ context.Context, _ bool) {
	// No-op
}

func (s *noopMetrics) RecordReload(_ context.Context) {
	// No-op
}

func (s *noopMetrics) Export(_ io.Writer) error {
	return nil
}
