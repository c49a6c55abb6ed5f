package pagepool

import (
	"sync"
	"unsafe"
)

// alignment is the buffer alignment direct I/O requires on Linux: a
// buffer submitted to an O_DIRECT file descriptor must start at an
// address that is a multiple of the device's logical block size, or
// ReadAt/WriteAt fails with EINVAL. BlockSize covers every device this
// runtime targets.
const alignment = BlockSize

var pool = sync.Pool{
	New: func() any {
		return &Page{Data: alignedBuffer(BlockSize, alignment)}
	},
}

// alignedBuffer returns a size-byte slice whose backing array starts on
// an align-byte boundary. make([]byte, size) only guarantees length, not
// a particular starting address, so this over-allocates by one alignment
// period and slices forward to the next aligned address.
func alignedBuffer(size, align int) []byte {
	buf := make([]byte, size+align)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	offset := (align - int(addr%uintptr(align))) % align
	return buf[offset : offset+size : offset+size]
}

func get() *Page {
	return pool.Get().(*Page)
}

func put(p *Page) {
	pool.Put(p)
}
