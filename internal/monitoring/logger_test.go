package monitoring

import (
	"fmt"
	"testing"
)

func capture(t *testing.T) *[]string {
	t.Helper()
	original := Logf
	t.Cleanup(func() { Logf = original })

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	return &lines
}

func TestSetLogger(t *testing.T) {
	lines := capture(t)
	Logf("frame %d", 7)
	if len(*lines) != 1 || (*lines)[0] != "frame 7" {
		t.Fatalf("custom logger not used: %q", *lines)
	}

	SetLogger(nil)
	Logf("muted")
	if len(*lines) != 1 {
		t.Fatalf("nil logger should mute, got %q", *lines)
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Fatal("Logf should not be nil by default")
	}
}

func TestPrefixf(t *testing.T) {
	logf := Prefixf("[stats] ")
	// installed after Prefixf: the prefixed logger must follow it
	lines := capture(t)

	logf("%d packets", 754)
	if len(*lines) != 1 || (*lines)[0] != "[stats] 754 packets" {
		t.Fatalf("unexpected output %q", *lines)
	}
}
