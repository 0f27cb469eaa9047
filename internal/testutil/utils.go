package testutil

import (
	"log"
	"strings"
	"testing"
)

// testWriter routes engine log output into the test log, so it only
// surfaces for failing or verbose runs.
type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func TestLogger(t *testing.T) *log.Logger {
	return log.New(testWriter{t}, "[ephemchat] ", log.Lshortfile)
}
