package local

import (
	"encoding/binary"
	"fmt"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/cockroachdb/pebble"

	"github.com/versity/ngnfs-go/internal/ngnfserr"
)

// hotCacheBytes bounds the in-memory read-through layer sitting in front
// of pebble: a small fastcache absorbing repeat reads of recently
// written blocks without round-tripping the LSM tree.
const hotCacheBytes = 32 * 1024 * 1024

// pebbleDevice is an alternate backing store for the local transport: an
// LSM key-value store keyed by bnr instead of a raw block device, with a
// small in-memory hot-block cache in front of it. Useful for devd
// deployments without a dedicated disk, and for tests.
type pebbleDevice struct {
	db        *pebble.DB
	hot       *fastcache.Cache
	blockSize int
}

func newPebbleDevice(dir string, blockSize int) (*pebbleDevice, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("local: open pebble store %s: %w", dir, ngnfserr.ErrIO)
	}
	return &pebbleDevice{db: db, hot: fastcache.New(hotCacheBytes), blockSize: blockSize}, nil
}

func keyFor(bnr uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, bnr)
	return k
}

func (d *pebbleDevice) ReadAt(buf []byte, bnr uint64) error {
	key := keyFor(bnr)
	if v := d.hot.GetBig(nil, key); v != nil {
		copy(buf, v)
		return nil
	}

	v, closer, err := d.db.Get(key)
	if err == pebble.ErrNotFound {
		clear(buf)
		return nil
	}
	if err != nil {
		return fmt.Errorf("local: pebble get bnr %d: %w", bnr, ngnfserr.ErrIO)
	}
	copy(buf, v)
	closer.Close()
	d.hot.SetBig(key, v)
	return nil
}

func (d *pebbleDevice) WriteAt(buf []byte, bnr uint64) error {
	key := keyFor(bnr)
	if err := d.db.Set(key, buf, pebble.Sync); err != nil {
		return fmt.Errorf("local: pebble set bnr %d: %w", bnr, ngnfserr.ErrIO)
	}
	d.hot.SetBig(key, buf)
	return nil
}

func (d *pebbleDevice) Close() error {
	d.hot.Reset()
	return d.db.Close()
}
