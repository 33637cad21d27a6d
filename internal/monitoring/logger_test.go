package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLoggerNilInstallsNoop(t *testing.T) {
	defer SetLogger(nil)
	SetLogger(nil)
	// Must not panic.
	Logf("dropped %d", 1)
}

func TestPrefixed(t *testing.T) {
	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	defer SetLogger(nil)

	Prefixed("[session]")("closed after %d laps", 5)
	if got != "[session] closed after 5 laps" {
		t.Errorf("unexpected log line: %q", got)
	}
}
