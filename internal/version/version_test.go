package version

import (
	"strings"
	"testing"
)

func TestCurrentReflectsLinkerVariables(t *testing.T) {
	oldVersion, oldSHA, oldTime := Version, GitSHA, BuildTime
	t.Cleanup(func() { Version, GitSHA, BuildTime = oldVersion, oldSHA, oldTime })

	Version, GitSHA, BuildTime = "1.2.0", "abc123", "2025-04-01T09:00:00Z"

	got := Current()
	want := Info{Version: "1.2.0", GitSHA: "abc123", BuildTime: "2025-04-01T09:00:00Z"}
	if got != want {
		t.Errorf("Current() = %+v, want %+v", got, want)
	}
	if s := String(); !strings.Contains(s, "1.2.0") || !strings.Contains(s, "abc123") {
		t.Errorf("String() = %q, want version and sha", s)
	}
}
