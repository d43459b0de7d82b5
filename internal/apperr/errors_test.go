package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind(t *testing.T) {
	wrapped := fmt.Errorf("settlement: %w", fmt.Errorf("%w: summary 7", ErrNotFound))
	if Kind(wrapped) != ErrNotFound {
		t.Fatalf("expected not found kind")
	}
	if Kind(fmt.Errorf("%w: dup", ErrConflict)) != ErrConflict {
		t.Fatalf("expected conflict kind")
	}
	if Kind(errors.New("boom")) != nil {
		t.Fatalf("plain errors carry no kind")
	}
	if Kind(nil) != nil {
		t.Fatalf("nil carries no kind")
	}
}
