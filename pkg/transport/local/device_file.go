package local

import (
	"fmt"
	"os"
	"syscall"

	"github.com/versity/ngnfs-go/internal/ngnfserr"
	"github.com/versity/ngnfs-go/log"
)

// fileDevice is a block device (or regular file standing in for one)
// addressed by bnr*blockSize. Direct I/O is attempted first; on EINVAL
// (common for filesystems or files that don't support O_DIRECT) it
// falls back to buffered I/O and continues.
type fileDevice struct {
	f         *os.File
	blockSize int
	direct    bool
}

func newFileDevice(path string, blockSize int, logger log.Logger) (*fileDevice, error) {
	f, err := openDirect(path)
	direct := true
	if err != nil {
		if err == syscall.EINVAL {
			logger.Info("O_DIRECT unsupported, falling back to buffered i/o", "path", path)
			f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
			direct = false
		}
		if err != nil {
			return nil, fmt.Errorf("local: open %s: %w", path, ngnfserr.ErrIO)
		}
	}
	return &fileDevice{f: f, blockSize: blockSize, direct: direct}, nil
}

func openDirect(path string) (*os.File, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_CREAT|syscall.O_DIRECT, 0o644)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}

func (d *fileDevice) ReadAt(buf []byte, bnr uint64) error {
	off := int64(bnr) * int64(d.blockSize)
	n, err := d.f.ReadAt(buf, off)
	if err != nil && n != len(buf) {
		return fmt.Errorf("local: read bnr %d: %w", bnr, ngnfserr.ErrIO)
	}
	return nil
}

func (d *fileDevice) WriteAt(buf []byte, bnr uint64) error {
	off := int64(bnr) * int64(d.blockSize)
	n, err := d.f.WriteAt(buf, off)
	if err != nil || n != len(buf) {
		return fmt.Errorf("local: write bnr %d: %w", bnr, ngnfserr.ErrIO)
	}
	return nil
}

func (d *fileDevice) Close() error {
	return d.f.Close()
}
