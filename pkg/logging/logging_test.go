package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestFormatterLevels(t *testing.T) {
	tests := []struct {
		level logrus.Level
		want  string
	}{
		{logrus.InfoLevel, "[INF] hello\n"},
		{logrus.WarnLevel, "[WARN] hello\n"},
		{logrus.ErrorLevel, "[ERR] hello\n"},
		{logrus.DebugLevel, "[DBG] hello\n"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger := NewWithWriter(&buf, true)
		logger.Log(tt.level, "hello")
		if got := buf.String(); got != tt.want {
			t.Errorf("level %v: got %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestFormatterFieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, false)
	logger.WithFields(logrus.Fields{"epoch": 1, "batch": 3}).Info("step")
	if got, want := buf.String(), "[INF] step batch=3 epoch=1\n"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestVerboseLevel(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, false).Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug line written without verbose: %q", buf.String())
	}
}
