// Package logging configures the process-wide logrus logger and provides the
// per-request SSE event log used by the streaming substrate.
package logging

import (
	"bytes"
	"fmt"
	"os"
	"path"

	log "github.com/sirupsen/logrus"
)

// LogFormatter renders entries as [timestamp] [level] [file:line] message.
type LogFormatter struct{}

// Format implements logrus.Formatter.
func (m *LogFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	if entry.Caller != nil {
		b.WriteString(fmt.Sprintf("[%s] [%s] [%s:%d] %s\n", timestamp, entry.Level, path.Base(entry.Caller.File), entry.Caller.Line, entry.Message))
	} else {
		b.WriteString(fmt.Sprintf("[%s] [%s] %s\n", timestamp, entry.Level, entry.Message))
	}
	return b.Bytes(), nil
}

// SetupBaseLogger installs the formatter and output for the global logger.
func SetupBaseLogger() {
	log.SetOutput(os.Stdout)
	log.SetReportCaller(true)
	log.SetFormatter(&LogFormatter{})
}

// SetLevel switches between debug and info level logging.
func SetLevel(debug bool) {
	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}
