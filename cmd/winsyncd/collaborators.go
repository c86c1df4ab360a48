package main

import (
	"context"
	"sync"

	"github.com/netresearch/winsync-agreement/internal/winsync"
)

// inMemoryRUV is a process-local stand-in for the consumer's Replica
// Update Vector. The real RUV is maintained by the local storage engine
// (out of scope per spec.md); this just tracks the highest CSN advanced so
// the Driver's loop has something to check against.
type inMemoryRUV struct {
	mu  sync.Mutex
	max winsync.CSN
}

func newInMemoryRUV() *inMemoryRUV {
	return &inMemoryRUV{}
}

func (r *inMemoryRUV) MaxCSN(context.Context) (winsync.CSN, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.max, nil
}

func (r *inMemoryRUV) Advance(_ context.Context, csn winsync.CSN) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if csn.Compare(r.max) > 0 {
		r.max = csn
	}

	return nil
}

// soloCoordinator is a single-supplier stand-in for ReplicaCoordinator: it
// always grants replay access and reports the RUV as current, since there
// is no second supplier to contend with. A multi-master deployment
// replaces this with whatever out-of-band locking protocol the consumer
// directory speaks.
type soloCoordinator struct{}

func newSoloCoordinator() soloCoordinator { return soloCoordinator{} }

func (soloCoordinator) AcquireReplica(context.Context, bool) winsync.AcquireResult {
	return winsync.AcquireSuccess
}

func (soloCoordinator) ReleaseReplica(context.Context) {}

func (soloCoordinator) VerifyRUV(context.Context) winsync.RUVCheck {
	return winsync.RUVOk
}

// drainedIterator is an already-empty ChangelogIterator, used until a real
// changelog backend is wired in; every pass reports no pending operations.
type drainedIterator struct{}

func newDrainedIterator() drainedIterator { return drainedIterator{} }

func (drainedIterator) Next(context.Context) (winsync.Operation, bool, error) {
	return winsync.Operation{}, false, nil
}

func (drainedIterator) Close() error { return nil }
