// Package transport defines the pluggable block transport contract: a
// submitter of block reads/writes that delivers completions
// asynchronously, possibly from any thread, to a Completer.
package transport

// BNR is the wire-compatible block number type. It is a plain uint64
// rather than an alias of pkg/block.BNR so this package has no
// dependency on the cache it serves — the cache depends on transport,
// not the other way around.
type BNR uint64

// Op selects the operation a submitted descriptor performs.
type Op uint8

const (
	// OpGetRead reads a block that is not yet cached.
	OpGetRead Op = iota
	// OpGetWrite reads a block that the caller intends to overwrite
	// (same wire shape as OpGetRead; kept distinct so transports may
	// special-case read-before-write if useful).
	OpGetWrite
	// OpWrite writes a dirty block back to storage.
	OpWrite
)

func (o Op) String() string {
	switch o {
	case OpGetRead:
		return "GET_READ"
	case OpGetWrite:
		return "GET_WRITE"
	case OpWrite:
		return "WRITE"
	default:
		return "UNKNOWN"
	}
}

// Completer receives transport completions. A transport may call EndIO
// on any goroutine, and the same BNR's completion may race a new
// submission for that BNR only after the caller has observed the first
// completion (the cache's own state bits enforce this).
type Completer interface {
	EndIO(bnr BNR, fresh []byte, err error)
}

// Handle is an opaque, transport-private setup result.
type Handle any

// FSInfo is the subset of mount-wide configuration a transport's Setup
// needs: the block size and who to deliver completions to.
type FSInfo struct {
	BlockSize int
	Completer Completer
}

// Transport is the pluggable block submitter contract.
// Every method returns nil or an error drawn from internal/ngnfserr.
type Transport interface {
	// Setup prepares the transport for use and returns an opaque handle.
	Setup(info FSInfo, arg any) (Handle, error)

	// QueueDepth returns the positive number of descriptors the
	// transport can have in flight at once.
	QueueDepth(h Handle) (int, error)

	// SubmitBlock is fire-and-forget: the transport must eventually
	// deliver a matching EndIO with the same BNR and an error code, on
	// any goroutine.
	SubmitBlock(h Handle, op Op, bnr BNR, buf []byte) error

	// Shutdown stops accepting new submissions and stops producing new
	// completions.
	Shutdown(h Handle) error

	// Destroy releases all resources. Shutdown must have completed
	// first.
	Destroy(h Handle) error
}
