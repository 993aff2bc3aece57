package uid

import (
	"regexp"
	"testing"
)

func TestRequestIDShape(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-f]{16}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := RequestID()
		if !re.MatchString(id) {
			t.Fatalf("id %q is not 16 lowercase hex chars", id)
		}
		if seen[id] {
			t.Fatalf("id %q repeated", id)
		}
		seen[id] = true
	}
}
