package formatter

import "github.com/sirupsen/logrus"

// SetTextFormatter switches logger to the text format and tags every entry with its source.
// Calling it again on the same logger does not register the source hook twice.
func SetTextFormatter(logger *logrus.Logger) {
	logger.Formatter = NewTextFormatter()
	logger.ReportCaller = true

	for _, hook := range logger.Hooks[logrus.InfoLevel] {
		if _, ok := hook.(*ContextHook); ok {
			return
		}
	}
	logger.AddHook(NewContextHook())
}
