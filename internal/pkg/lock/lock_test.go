// Package lock tests for concurrent settlement safety.
package lock

import (
	"errors"
	"sync"
	"testing"

	"pgregory.net/rapid"
)

// TestConcurrentMutationProperty tests that for any set of concurrent balance
// mutations on one machine, the final value matches sequential execution of
// all of them.
func TestConcurrentMutationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		machineID := rapid.Int64Range(1, 1000000).Draw(t, "machineID")
		numOps := rapid.IntRange(2, 20).Draw(t, "numOps")

		amounts := make([]int64, numOps)
		var want int64 = 10000
		for i := range amounts {
			amounts[i] = rapid.Int64Range(-500, 500).Draw(t, "amount")
			want += amounts[i]
		}

		ml := NewMachineLock()
		balance := int64(10000)

		var wg sync.WaitGroup
		wg.Add(numOps)
		for _, amount := range amounts {
			go func(a int64) {
				defer wg.Done()
				ml.Lock(machineID)
				defer ml.Unlock(machineID)
				b := balance
				balance = b + a
			}(amount)
		}
		wg.Wait()

		if balance != want {
			t.Fatalf("balance = %d, want %d", balance, want)
		}
	})
}

// TestIndependentMachines tests that locks on different machines do not
// serialize each other.
func TestIndependentMachines(t *testing.T) {
	ml := NewMachineLock()

	ml.Lock(1)
	defer ml.Unlock(1)

	// A different machine's lock must still be free.
	err := ml.TryWithLock(2, func() error { return nil })
	if err != nil {
		t.Fatalf("TryWithLock on free machine returned %v", err)
	}
}

// TestTryWithLockHeld tests the non-blocking path when a settlement is
// already running.
func TestTryWithLockHeld(t *testing.T) {
	ml := NewMachineLock()

	ml.Lock(7)
	err := ml.TryWithLock(7, func() error {
		t.Fatal("fn ran while the lock was held")
		return nil
	})
	ml.Unlock(7)

	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("TryWithLock error = %v, want ErrLockHeld", err)
	}

	// After release it must run.
	ran := false
	if err := ml.TryWithLock(7, func() error { ran = true; return nil }); err != nil {
		t.Fatalf("TryWithLock after release returned %v", err)
	}
	if !ran {
		t.Fatal("fn did not run after lock release")
	}
}

// TestWithLock tests that WithLock releases on both return paths.
func TestWithLock(t *testing.T) {
	ml := NewMachineLock()
	sentinel := errors.New("boom")

	if err := ml.WithLock(3, func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("WithLock error = %v, want sentinel", err)
	}

	// The lock must be free again after the error.
	if err := ml.TryWithLock(3, func() error { return nil }); err != nil {
		t.Fatalf("lock not released after error: %v", err)
	}
}
