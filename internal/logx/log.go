// Package logx provides the redaction writer placed under zerolog's log
// output, and wires zerolog the way main.go does it. It does not touch the
// controller_events kv payload, which internal/services stores as given.
package logx

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

var fieldRE = regexp.MustCompile(`(?i)"([^"\\]*?(token|secret|password|authkey|key)[^"\\]*)":"[^"]*"`)

// NewRedactor returns a writer that redacts token/secret/authKey values from
// JSON-shaped log lines before they reach w.
func NewRedactor(w io.Writer) io.Writer {
	return &redactor{w: w}
}

type redactor struct {
	w io.Writer
}

func (r *redactor) Write(p []byte) (int, error) {
	s := fieldRE.ReplaceAllStringFunc(string(p), func(m string) string {
		parts := strings.SplitN(m, ":", 2)
		if len(parts) != 2 {
			return m
		}
		return parts[0] + ":\"***redacted***\""
	})
	if _, err := r.w.Write([]byte(s)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Secret returns a placeholder for a sensitive value, preserving its length
// for log-message debuggability without leaking content.
func Secret(val string) string {
	if val == "" {
		return ""
	}
	return fmt.Sprintf("***redacted*** (%d)", len(val))
}

// New configures a redacting zerolog logger the way main.go wires
// log.Logger at startup.
func New() zerolog.Logger {
	return zerolog.New(NewRedactor(os.Stdout)).With().Timestamp().Logger()
}
