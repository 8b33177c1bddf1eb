package engine

import "github.com/sirupsen/logrus"

// newLogger builds the per-engine structured logger, grounded on
// runZeroInc-conniver's direct `sirupsen/logrus` usage (cmd/get/main.go).
// Each Engine gets its own *logrus.Entry carrying a stable "role" field
// (server or client) so log lines from both peers in a test process are
// easy to tell apart.
func newLogger(role string) *logrus.Entry {
	base := logrus.New()
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return base.WithField("role", role)
}
