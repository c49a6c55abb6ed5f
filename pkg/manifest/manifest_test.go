package manifest

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func addrs(n int) []netip.AddrPort {
	out := make([]netip.AddrPort, n)
	for i := range out {
		out[i] = netip.MustParseAddrPort("127.0.0.1:900" + string(rune('0'+i)))
	}
	return out
}

func TestServerForIsDeterministicWithinEpoch(t *testing.T) {
	m := New(Snapshot{SeqNr: 1, Addresses: addrs(3)}, nil)

	a1, err := m.ServerFor(7)
	require.NoError(t, err)
	a2, err := m.ServerFor(7)
	require.NoError(t, err)
	require.Equal(t, a1, a2)

	a10, err := m.ServerFor(10)
	require.NoError(t, err)
	require.Equal(t, a1, a10) // 7 % 3 == 10 % 3
}

func TestUpdateIgnoresStaleSequence(t *testing.T) {
	m := New(Snapshot{SeqNr: 5, Addresses: addrs(2)}, nil)
	m.Update(Snapshot{SeqNr: 3, Addresses: addrs(4)})
	require.EqualValues(t, 5, m.SeqNr())

	m.Update(Snapshot{SeqNr: 6, Addresses: addrs(4)})
	require.EqualValues(t, 6, m.SeqNr())
}

func TestServerForEmptySnapshotIsInvalid(t *testing.T) {
	m := New(Snapshot{SeqNr: 1}, nil)
	_, err := m.ServerFor(1)
	require.Error(t, err)
}
