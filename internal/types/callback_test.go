package types_test

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipcore/internal/types"
)

func TestCallbackManager(t *testing.T) {
	t.Parallel()

	var m types.CallbackManager[int]
	rm1 := m.Add(1)
	m.Add(2)
	rm3 := m.Add(3)

	if got, want := slices.Collect(m.All()), []int{1, 2, 3}; !cmp.Equal(got, want) {
		t.Fatalf("m.All() = %v, want %v\ndiff (-got +want):\n%v", got, want, cmp.Diff(got, want))
	}

	rm1()
	rm1()
	rm3()
	if got, want := slices.Collect(m.All()), []int{2}; !cmp.Equal(got, want) {
		t.Fatalf("m.All() = %v, want %v\ndiff (-got +want):\n%v", got, want, cmp.Diff(got, want))
	}
	if got, want := m.Len(), 1; got != want {
		t.Errorf("m.Len() = %d, want %d", got, want)
	}

	var nilMgr *types.CallbackManager[int]
	if got := nilMgr.Len(); got != 0 {
		t.Errorf("nil.Len() = %d, want 0", got)
	}
	for range nilMgr.All() {
		t.Fatal("nil.All() yielded a value")
	}
}
