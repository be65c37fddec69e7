package account

import (
	"strings"
	"testing"
)

func TestDirSanitizesAddress(t *testing.T) {
	d := Dir("Alice@Example.ORG")
	if !strings.HasSuffix(d, "alice@example.org") {
		t.Errorf("Dir() = %q, want lowercase address suffix", d)
	}
}

func TestDirRejectsPathSeparators(t *testing.T) {
	d := Dir("evil/../../etc@x")
	if strings.Contains(d[len(BaseDir()):], "..") && strings.Contains(d, "/etc@x") {
		t.Errorf("Dir() = %q leaks path separators", d)
	}
	if strings.Contains(sanitize("a/b\\c:d"), "/") {
		t.Error("sanitize left a path separator")
	}
}
