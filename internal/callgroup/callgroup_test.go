package callgroup

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeduplication(t *testing.T) {
	var g Group[string, int]
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	fn := func() (int, error) {
		calls.Add(1)
		close(started)
		<-release
		return 42, nil
	}

	const n = 10
	var wg sync.WaitGroup
	vals := make([]int, n)
	errs := make([]error, n)

	// First caller starts the work.
	wg.Go(func() {
		vals[0], _, errs[0] = g.Do("a", fn)
	})

	// Wait for fn to start, then pile on.
	<-started
	var joined sync.WaitGroup
	for i := 1; i < n; i++ {
		joined.Add(1)
		wg.Go(func() {
			joined.Done()
			vals[i], _, errs[i] = g.Do("a", fn)
		})
	}
	joined.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)

	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Errorf("caller %d got error: %v", i, errs[i])
		}
		if vals[i] != 42 {
			t.Errorf("caller %d got %d, want 42", i, vals[i])
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fn called %d times, want 1", got)
	}
}

func TestIndependentKeys(t *testing.T) {
	var g Group[int, int]
	var calls atomic.Int32

	var wg sync.WaitGroup
	for _, key := range []int{1, 2, 3} {
		wg.Go(func() {
			v, _, _ := g.Do(key, func() (int, error) {
				calls.Add(1)
				return key * 10, nil
			})
			if v != key*10 {
				t.Errorf("key %d: got %d", key, v)
			}
		})
	}
	wg.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("fn called %d times, want 3", got)
	}
}

func TestErrorShared(t *testing.T) {
	var g Group[string, int]
	boom := errors.New("boom")
	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	var leaderErr, waiterErr error
	var waiterShared bool

	wg.Go(func() {
		_, _, leaderErr = g.Do("k", func() (int, error) {
			close(started)
			<-release
			return 0, boom
		})
	})
	<-started
	wg.Go(func() {
		_, waiterShared, waiterErr = g.Do("k", func() (int, error) {
			t.Error("waiter should not execute fn")
			return 0, nil
		})
	})
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if !errors.Is(leaderErr, boom) || !errors.Is(waiterErr, boom) {
		t.Errorf("expected boom for both callers, got %v / %v", leaderErr, waiterErr)
	}
	if !waiterShared {
		t.Error("waiter result should be marked shared")
	}
}

func TestKeyForgottenAfterCompletion(t *testing.T) {
	var g Group[string, int]
	var calls int

	for range 3 {
		_, shared, err := g.Do("k", func() (int, error) {
			calls++
			return calls, nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if shared {
			t.Error("sequential calls must not be shared")
		}
	}
	if calls != 3 {
		t.Errorf("fn called %d times, want 3", calls)
	}
	if n := g.InFlight(); n != 0 {
		t.Errorf("InFlight() = %d, want 0", n)
	}
}
