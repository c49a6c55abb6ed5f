package messaging

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/versity/ngnfs-go/internal/ngnfserr"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{DataSize: 4096, CtlSize: 0, Type: TypeGetBlockResult}
	buf := make([]byte, HeaderSize)
	h.Encode(buf)

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestDecodeHeaderRejectsBothCtlAndDataZero(t *testing.T) {
	h := Header{DataSize: 0, CtlSize: 0, Type: TypeGetBlock}
	buf := make([]byte, HeaderSize)
	h.Encode(buf)

	_, err := DecodeHeader(buf)
	require.ErrorIs(t, err, ngnfserr.ErrProtocol)
}

func TestDecodeHeaderRejectsOversizeData(t *testing.T) {
	buf := make([]byte, HeaderSize)
	h := Header{DataSize: MaxDataSize + 1, CtlSize: 0, Type: TypeGetBlockResult}
	h.Encode(buf)

	_, err := DecodeHeader(buf)
	require.ErrorIs(t, err, ngnfserr.ErrProtocol)
}

// TestGetBlockRoundTrip crafts GET_BLOCK{bnr=0x0102030405060708,
// access=READ}, serializes it, and decodes it back, observing identical
// fields.
func TestGetBlockRoundTrip(t *testing.T) {
	want := GetBlockCtl{BNR: 0x0102030405060708, Access: AccessRead}
	buf := EncodeGetBlockCtl(want)
	require.Len(t, buf, 16)

	got, err := DecodeGetBlockCtl(buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

// TestGetBlockResultOKCarriesFullBlockOfData and
// TestGetBlockResultIOCarriesNoData check the GET_BLOCK_RESULT data-size
// half of the round trip: err=OK carries exactly 4096 data bytes, err=IO
// carries 0.
func TestGetBlockResultOKCarriesFullBlockOfData(t *testing.T) {
	ctl := EncodeGetBlockResultCtl(GetBlockResultCtl{BNR: 7, Access: AccessRead, Err: ngnfserr.WireOK})
	m := Message{Type: TypeGetBlockResult, Ctl: ctl, Data: make([]byte, 4096)}
	buf := m.Encode()

	h, err := DecodeHeader(buf[:HeaderSize])
	require.NoError(t, err)
	require.EqualValues(t, 4096, h.DataSize)

	result, err := DecodeGetBlockResultCtl(buf[HeaderSize : HeaderSize+16])
	require.NoError(t, err)
	require.Equal(t, ngnfserr.WireOK, result.Err)
}

func TestGetBlockResultIOCarriesNoData(t *testing.T) {
	ctl := EncodeGetBlockResultCtl(GetBlockResultCtl{BNR: 9, Access: AccessRead, Err: ngnfserr.WireIO})
	m := Message{Type: TypeGetBlockResult, Ctl: ctl}
	buf := m.Encode()

	h, err := DecodeHeader(buf[:HeaderSize])
	require.NoError(t, err)
	require.EqualValues(t, 0, h.DataSize)

	result, err := DecodeGetBlockResultCtl(buf[HeaderSize : HeaderSize+16])
	require.NoError(t, err)
	require.ErrorIs(t, ngnfserr.FromWire(result.Err), ngnfserr.ErrIO)
}

// TestWriteBlockResultNonOKSurvivesRoundTrip guards the WRITE_BLOCK_RESULT
// Err field offset: Encode writes it at buf[8] and Decode must read the
// same offset, or every non-OK result would silently decode as WireOK.
func TestWriteBlockResultNonOKSurvivesRoundTrip(t *testing.T) {
	want := WriteBlockResultCtl{BNR: 7, Err: ngnfserr.WireNoMemory}
	buf := EncodeWriteBlockResultCtl(want)

	got, err := DecodeWriteBlockResultCtl(buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.NotEqual(t, ngnfserr.WireOK, got.Err)
}

// TestGetManifestResultNonOKSurvivesRoundTrip is the GET_MANIFEST_RESULT
// analogue of the WRITE_BLOCK_RESULT check above.
func TestGetManifestResultNonOKSurvivesRoundTrip(t *testing.T) {
	want := GetManifestResultCtl{SeqNr: 99, Err: ngnfserr.WireIO}
	buf := EncodeGetManifestResultCtl(want)

	got, err := DecodeGetManifestResultCtl(buf)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.NotEqual(t, ngnfserr.WireOK, got.Err)
}

func TestMessageEncodeLayout(t *testing.T) {
	m := Message{Type: TypeWriteBlock, Ctl: EncodeWriteBlockCtl(WriteBlockCtl{BNR: 7}), Data: make([]byte, 4096)}
	buf := m.Encode()
	require.Len(t, buf, HeaderSize+8+4096)

	h, err := DecodeHeader(buf[:HeaderSize])
	require.NoError(t, err)
	require.Equal(t, TypeWriteBlock, h.Type)
	require.EqualValues(t, 8, h.CtlSize)
	require.EqualValues(t, 4096, h.DataSize)

	ctl, err := DecodeWriteBlockCtl(buf[HeaderSize : HeaderSize+8])
	require.NoError(t, err)
	require.EqualValues(t, 7, ctl.BNR)
}
