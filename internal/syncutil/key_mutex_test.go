package syncutil_test

import (
	"sync"
	"testing"

	"github.com/ghettovoice/sipcore/internal/syncutil"
)

func TestKeyMutex(t *testing.T) {
	t.Parallel()

	var (
		km  syncutil.KeyMutex[string]
		wg  sync.WaitGroup
		cnt int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("k")
			defer unlock()
			cnt++
		}()
	}
	wg.Wait()

	if cnt != 50 {
		t.Fatalf("counter = %d, want 50", cnt)
	}
	if got := km.Len(); got != 0 {
		t.Fatalf("km.Len() = %d, want 0", got)
	}
}
