// Package lock provides machine-level locking for settlement operations.
// A settlement holds its machine's lock for the full duration of the atomic
// unit, so two settlements on the same machine can never interleave within
// one process. Cross-process isolation is provided by database row locks.
package lock

import (
	"errors"
	"sync"
)

// ErrLockHeld is returned by TryWithLock when the machine is already being
// settled.
var ErrLockHeld = errors.New("machine lock already held")

// MachineLock provides per-machine mutual exclusion.
type MachineLock struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewMachineLock creates a new MachineLock instance.
func NewMachineLock() *MachineLock {
	return &MachineLock{locks: make(map[int64]*sync.Mutex)}
}

// get returns the mutex for a machine, creating it on first use.
// Machines are a small fixed fleet, so entries are never evicted.
func (ml *MachineLock) get(machineID int64) *sync.Mutex {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	m, ok := ml.locks[machineID]
	if !ok {
		m = &sync.Mutex{}
		ml.locks[machineID] = m
	}
	return m
}

// Lock acquires the lock for a machine, blocking until it is available.
func (ml *MachineLock) Lock(machineID int64) {
	ml.get(machineID).Lock()
}

// Unlock releases the lock for a machine.
func (ml *MachineLock) Unlock(machineID int64) {
	ml.get(machineID).Unlock()
}

// WithLock executes fn while holding the machine's lock.
func (ml *MachineLock) WithLock(machineID int64, fn func() error) error {
	ml.Lock(machineID)
	defer ml.Unlock(machineID)
	return fn()
}

// TryWithLock executes fn if the machine's lock is free, otherwise returns
// ErrLockHeld without blocking.
func (ml *MachineLock) TryWithLock(machineID int64, fn func() error) error {
	m := ml.get(machineID)
	if !m.TryLock() {
		return ErrLockHeld
	}
	defer m.Unlock()
	return fn()
}
