package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("New() = %q is not a UUID: %v", id, err)
	}
	if New() == id {
		t.Error("expected two calls to differ")
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("pow_")
	if !strings.HasPrefix(id, "pow_") {
		t.Errorf("missing prefix: %s", id)
	}
	if len(id) != len("pow_")+24 {
		t.Errorf("unexpected length %d for %s", len(id), id)
	}
}

func TestHex_Length(t *testing.T) {
	for _, n := range []int{1, 16, 32} {
		if got := len(Hex(n)); got != 2*n {
			t.Errorf("Hex(%d) length = %d, want %d", n, got, 2*n)
		}
	}
}
