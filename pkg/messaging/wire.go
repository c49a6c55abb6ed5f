// Package messaging is the peer table, send/receive queues and dispatch
// table the network transport runs over. wire.go is the codec: a fixed
// 8-byte header plus a control and a data payload.
//
// The header is a packed little-endian struct matching a fixed wire
// layout a non-Go peer also decodes, so it is built on encoding/binary
// rather than a schema-driven codec (protobuf/msgpack) from the rest of
// the corpus — see DESIGN.md.
package messaging

import (
	"encoding/binary"
	"fmt"

	"github.com/versity/ngnfs-go/internal/ngnfserr"
)

// Message types.
const (
	TypeGetBlock           uint8 = 0
	TypeGetBlockResult     uint8 = 1
	TypeWriteBlock         uint8 = 2
	TypeWriteBlockResult   uint8 = 3
	TypeGetManifest        uint8 = 4
	TypeGetManifestResult  uint8 = 5
)

// Access selects read vs write intent on GET_BLOCK.
type Access uint8

const (
	AccessRead  Access = 0
	AccessWrite Access = 1
)

// HeaderSize is the fixed wire header length.
const HeaderSize = 8

// MaxDataSize bounds a message's data payload.
const MaxDataSize = 4096

// MaxCtlSize bounds a message's control payload (one byte on the wire).
const MaxCtlSize = 255

// Header is the fixed 8-byte frame preceding every message's control and
// data payload.
type Header struct {
	CRC      uint32 // reserved, not yet used
	DataSize uint16
	CtlSize  uint8
	Type     uint8
}

// Encode writes h's wire representation into buf[:8].
func (h Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.CRC)
	binary.LittleEndian.PutUint16(buf[4:6], h.DataSize)
	buf[6] = h.CtlSize
	buf[7] = h.Type
}

// DecodeHeader parses an 8-byte wire header and validates that exactly
// one of ctl size or data size is nonzero.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("messaging: short header: %w", ngnfserr.ErrProtocol)
	}
	h := Header{
		CRC:      binary.LittleEndian.Uint32(buf[0:4]),
		DataSize: binary.LittleEndian.Uint16(buf[4:6]),
		CtlSize:  buf[6],
		Type:     buf[7],
	}
	if h.DataSize > MaxDataSize {
		return Header{}, fmt.Errorf("messaging: data_size %d exceeds max: %w", h.DataSize, ngnfserr.ErrProtocol)
	}
	ctlNonZero := h.CtlSize > 0
	dataNonZero := h.DataSize > 0
	if ctlNonZero == dataNonZero {
		return Header{}, fmt.Errorf("messaging: exactly one of ctl/data must be set: %w", ngnfserr.ErrProtocol)
	}
	return h, nil
}

// Message is a decoded frame ready for dispatch, or one being assembled
// for send.
type Message struct {
	Type uint8
	Ctl  []byte
	Data []byte
}

// Encode serializes m into a single buffer: header, control, data.
func (m Message) Encode() []byte {
	buf := make([]byte, HeaderSize+len(m.Ctl)+len(m.Data))
	h := Header{DataSize: uint16(len(m.Data)), CtlSize: uint8(len(m.Ctl)), Type: m.Type}
	h.Encode(buf[:HeaderSize])
	copy(buf[HeaderSize:], m.Ctl)
	copy(buf[HeaderSize+len(m.Ctl):], m.Data)
	return buf
}

// GetBlockCtl is the 16-byte GET_BLOCK control payload.
type GetBlockCtl struct {
	BNR    uint64
	Access Access
}

func EncodeGetBlockCtl(c GetBlockCtl) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], c.BNR)
	buf[8] = uint8(c.Access)
	return buf
}

func DecodeGetBlockCtl(buf []byte) (GetBlockCtl, error) {
	if len(buf) < 16 {
		return GetBlockCtl{}, fmt.Errorf("messaging: short GET_BLOCK ctl: %w", ngnfserr.ErrProtocol)
	}
	return GetBlockCtl{
		BNR:    binary.LittleEndian.Uint64(buf[0:8]),
		Access: Access(buf[8]),
	}, nil
}

// GetBlockResultCtl is the 16-byte GET_BLOCK_RESULT control payload.
type GetBlockResultCtl struct {
	BNR    uint64
	Access Access
	Err    ngnfserr.WireCode
}

func EncodeGetBlockResultCtl(c GetBlockResultCtl) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], c.BNR)
	buf[8] = uint8(c.Access)
	buf[9] = uint8(c.Err)
	return buf
}

func DecodeGetBlockResultCtl(buf []byte) (GetBlockResultCtl, error) {
	if len(buf) < 16 {
		return GetBlockResultCtl{}, fmt.Errorf("messaging: short GET_BLOCK_RESULT ctl: %w", ngnfserr.ErrProtocol)
	}
	return GetBlockResultCtl{
		BNR:    binary.LittleEndian.Uint64(buf[0:8]),
		Access: Access(buf[8]),
		Err:    ngnfserr.WireCode(buf[9]),
	}, nil
}

// WriteBlockCtl is the 8-byte WRITE_BLOCK control payload.
type WriteBlockCtl struct {
	BNR uint64
}

func EncodeWriteBlockCtl(c WriteBlockCtl) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf[0:8], c.BNR)
	return buf
}

func DecodeWriteBlockCtl(buf []byte) (WriteBlockCtl, error) {
	if len(buf) < 8 {
		return WriteBlockCtl{}, fmt.Errorf("messaging: short WRITE_BLOCK ctl: %w", ngnfserr.ErrProtocol)
	}
	return WriteBlockCtl{BNR: binary.LittleEndian.Uint64(buf[0:8])}, nil
}

// WriteBlockResultCtl is the 16-byte WRITE_BLOCK_RESULT control payload.
type WriteBlockResultCtl struct {
	BNR uint64
	Err ngnfserr.WireCode
}

func EncodeWriteBlockResultCtl(c WriteBlockResultCtl) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], c.BNR)
	buf[8] = uint8(c.Err)
	return buf
}

func DecodeWriteBlockResultCtl(buf []byte) (WriteBlockResultCtl, error) {
	if len(buf) < 16 {
		return WriteBlockResultCtl{}, fmt.Errorf("messaging: short WRITE_BLOCK_RESULT ctl: %w", ngnfserr.ErrProtocol)
	}
	return WriteBlockResultCtl{
		BNR: binary.LittleEndian.Uint64(buf[0:8]),
		Err: ngnfserr.WireCode(buf[8]),
	}, nil
}

// GetManifestCtl is the 8-byte GET_MANIFEST control payload.
type GetManifestCtl struct {
	SeqNr uint64
}

func EncodeGetManifestCtl(c GetManifestCtl) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf[0:8], c.SeqNr)
	return buf
}

func DecodeGetManifestCtl(buf []byte) (GetManifestCtl, error) {
	if len(buf) < 8 {
		return GetManifestCtl{}, fmt.Errorf("messaging: short GET_MANIFEST ctl: %w", ngnfserr.ErrProtocol)
	}
	return GetManifestCtl{SeqNr: binary.LittleEndian.Uint64(buf[0:8])}, nil
}

// GetManifestResultCtl is the 16-byte GET_MANIFEST_RESULT control payload.
type GetManifestResultCtl struct {
	SeqNr uint64
	Err   ngnfserr.WireCode
}

func EncodeGetManifestResultCtl(c GetManifestResultCtl) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], c.SeqNr)
	buf[8] = uint8(c.Err)
	return buf
}

func DecodeGetManifestResultCtl(buf []byte) (GetManifestResultCtl, error) {
	if len(buf) < 16 {
		return GetManifestResultCtl{}, fmt.Errorf("messaging: short GET_MANIFEST_RESULT ctl: %w", ngnfserr.ErrProtocol)
	}
	return GetManifestResultCtl{
		SeqNr: binary.LittleEndian.Uint64(buf[0:8]),
		Err:   ngnfserr.WireCode(buf[8]),
	}, nil
}
