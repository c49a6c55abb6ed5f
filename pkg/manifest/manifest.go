// Package manifest resolves a block number to the devd address that
// owns it. The snapshot-plus-sequence-number shape is a single RWMutex
// guarding a wholesale-replaced snapshot, read far more often than it
// is refreshed.
package manifest

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/versity/ngnfs-go/internal/ngnfserr"
	"github.com/versity/ngnfs-go/log"
)

// Snapshot is one manifest epoch: an ordered list of devd addresses and
// the sequence number it was published under.
type Snapshot struct {
	SeqNr     uint64
	Addresses []netip.AddrPort
}

// Manifest holds the current snapshot and serves the deterministic
// bnr-mod-N mapping within that epoch.
type Manifest struct {
	mu  sync.RWMutex
	cur Snapshot

	log log.Logger
}

// New returns a Manifest seeded with an initial snapshot.
func New(initial Snapshot, logger log.Logger) *Manifest {
	if logger == nil {
		logger = log.New("component", "manifest")
	}
	return &Manifest{cur: initial, log: logger}
}

// Update wholesale-replaces the snapshot if next's sequence number is
// newer than the current one.
func (m *Manifest) Update(next Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if next.SeqNr <= m.cur.SeqNr {
		m.log.Debug("stale manifest update ignored", "have", m.cur.SeqNr, "got", next.SeqNr)
		return
	}
	m.cur = next
	m.log.Info("manifest updated", "seq_nr", next.SeqNr, "servers", len(next.Addresses))
}

// SeqNr returns the current snapshot's sequence number.
func (m *Manifest) SeqNr() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur.SeqNr
}

// ServerFor returns the address owning bnr within the current epoch:
// server_index = bnr mod N.
func (m *Manifest) ServerFor(bnr uint64) (netip.AddrPort, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.cur.Addresses)
	if n == 0 {
		return netip.AddrPort{}, fmt.Errorf("manifest: no servers in current snapshot: %w", ngnfserr.ErrInvalid)
	}
	return m.cur.Addresses[bnr%uint64(n)], nil
}
