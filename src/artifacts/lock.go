package artifacts

import (
	"sync"

	"github.com/thought-machine/querysync/src/cmap"
	"github.com/thought-machine/querysync/src/core"
)

// A lockTable holds one mutex per label. Locking a set of labels serialises against anything
// else holding any of the same labels, while disjoint sets proceed independently.
type lockTable struct {
	locks *cmap.Map[core.Label, *sync.Mutex]
}

func newLockTable() *lockTable {
	return &lockTable{locks: cmap.New[core.Label, *sync.Mutex](cmap.SmallShardCount, cmap.LabelHash)}
}

// Lock acquires the locks for all the given labels and returns a function to release them.
// Locks are always taken in label order so two overlapping callers can't deadlock.
func (lt *lockTable) Lock(labels core.LabelSet) (unlock func()) {
	sorted := labels.Sorted()
	mutexes := make([]*sync.Mutex, len(sorted))
	for i, label := range sorted {
		mutexes[i], _ = lt.locks.AddOrGet(label, &sync.Mutex{})
	}
	for _, m := range mutexes {
		m.Lock()
	}
	return func() {
		for i := len(mutexes) - 1; i >= 0; i-- {
			mutexes[i].Unlock()
		}
	}
}
