// Package common provides logging infrastructure shared by every process this
// module starts (the engine HTTP server and any future CLI entry points). It
// routes error-level log lines to stderr and everything else to stdout, which
// keeps container log collectors able to treat the two streams differently.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes logrus output: lines tagged level=error (text
// format) or "level":"error" (JSON format) go to stderr, everything else to
// stdout.
type OutputSplitter struct{}

func (OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the process-wide logrus instance. Services should derive
// *logrus.Entry values from it (see ServiceLogger) rather than logging
// through it directly, so every line carries service/version context.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}
