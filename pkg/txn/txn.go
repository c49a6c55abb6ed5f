// Package txn implements the transaction engine: a reusable batch of
// block acquisitions with per-entry prepare/commit callbacks that the
// cache's dirty-set machinery makes atomic.
package txn

import (
	"fmt"

	"github.com/versity/ngnfs-go/internal/ngnfserr"
	"github.com/versity/ngnfs-go/pkg/block"
)

// PrepareFunc validates or stages a block before commit. A non-nil
// return fails the whole transaction before any commit runs.
type PrepareFunc func(ref *block.Ref, arg any) error

// CommitFunc mutates an already-prepared block's buffer. Commit must
// not fail: any validation belongs in PrepareFunc.
type CommitFunc func(ref *block.Ref, arg any)

// entry is one (bnr, intent, prepare, commit, arg) record.
type entry struct {
	bnr     block.BNR
	flags   block.Flag
	prepare PrepareFunc
	commit  CommitFunc
	arg     any

	ref *block.Ref
}

// Txn is a reusable transaction: Add entries, then Execute, then Destroy.
// A Txn may be re-executed after Destroy.
type Txn struct {
	cache   *block.Cache
	entries []*entry
}

// New returns an empty transaction bound to cache.
func New(cache *block.Cache) *Txn {
	return &Txn{cache: cache}
}

// Add appends an entry. flags follows the same {NEW, READ, WRITE}
// enumeration as Cache.Acquire; prepare and commit may be nil.
func (t *Txn) Add(bnr block.BNR, flags block.Flag, prepare PrepareFunc, commit CommitFunc, arg any) {
	t.entries = append(t.entries, &entry{bnr: bnr, flags: flags, prepare: prepare, commit: commit, arg: arg})
}

// Execute walks every entry in order, acquiring and preparing it; if any
// entry has write intent it is collected onto the write list, which is
// then dirtied, committed in order, and closed atomically.
func (t *Txn) Execute() error {
	var writes []*entry

	for _, e := range t.entries {
		ref, err := t.cache.Acquire(e.bnr, e.flags)
		if err != nil {
			return fmt.Errorf("txn: acquire bnr %d: %w", e.bnr, err)
		}
		e.ref = ref

		if e.prepare != nil {
			if err := e.prepare(ref, e.arg); err != nil {
				return fmt.Errorf("txn: prepare bnr %d: %w", e.bnr, err)
			}
		}
		if e.flags&block.FlagWrite != 0 {
			writes = append(writes, e)
		}
	}

	if len(writes) == 0 {
		return nil
	}

	refs := make([]*block.Ref, len(writes))
	for i, e := range writes {
		refs[i] = e.ref
	}

	set, err := t.cache.DirtyBegin(refs)
	if err != nil {
		return fmt.Errorf("txn: dirty_begin: %w", ngnfserr.ErrNoMemory)
	}
	for _, e := range writes {
		if e.commit != nil {
			e.commit(e.ref, e.arg) // infallible by contract
		}
	}
	t.cache.DirtyEnd(set)
	return nil
}

// Destroy releases every reference Execute acquired. It is always safe
// to call, even after a failed or partial Execute, and the Txn may be
// re-executed afterward.
func (t *Txn) Destroy() {
	for _, e := range t.entries {
		if e.ref != nil {
			t.cache.Release(e.ref)
			e.ref = nil
		}
	}
}
