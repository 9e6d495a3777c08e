package tracker

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), port)
}

func TestInsertNewThenIdempotentOnceReplied(t *testing.T) {
	tbl := New(KeyBySourceID, time.Second)
	src := addr(1812)
	var authA [16]byte
	authA[0] = 'A'
	now := time.Now()

	res, e := tbl.Insert(7, src, netip.AddrPort{}, authA, now)
	require.Equal(t, New, res)

	// still in-flight: same auth is a suppressed duplicate, not SameAsLast.
	res, _ = tbl.Insert(7, src, netip.AddrPort{}, authA, now)
	assert.Equal(t, Duplicate, res)

	tbl.Reply(7, src, netip.AddrPort{}, []byte("cached-reply"), now)
	_ = e

	res, e = tbl.Insert(7, src, netip.AddrPort{}, authA, now)
	assert.Equal(t, SameAsLast, res)
	assert.Equal(t, []byte("cached-reply"), e.Reply)
}

func TestIdReusePurgesOldEntry(t *testing.T) {
	tbl := New(KeyBySourceID, time.Minute)
	src := addr(1812)
	var authA, authB [16]byte
	authA[0] = 'A'
	authB[0] = 'B'
	now := time.Now()

	tbl.Insert(7, src, netip.AddrPort{}, authA, now)
	tbl.Reply(7, src, netip.AddrPort{}, []byte("first-reply"), now)

	res, e := tbl.Insert(7, src, netip.AddrPort{}, authB, now)
	assert.Equal(t, DifferentWithSameId, res)
	assert.Nil(t, e.Reply, "new entry must not retain the purged entry's cached reply")
}

func TestCleanupDelayEvictsRepliedEntries(t *testing.T) {
	tbl := New(KeyBySourceID, 10*time.Millisecond)
	src := addr(1812)
	var auth [16]byte
	now := time.Now()
	tbl.Insert(1, src, netip.AddrPort{}, auth, now)
	tbl.Reply(1, src, netip.AddrPort{}, []byte("r"), now)

	later := now.Add(20 * time.Millisecond)
	res, _ := tbl.Insert(1, src, netip.AddrPort{}, auth, later)
	assert.Equal(t, New, res, "entry should have been evicted by cleanup delay")
}

func TestKeyByDestinationIDForProxyTable(t *testing.T) {
	tbl := New(KeyByDestinationID, time.Second)
	dst := addr(1812)
	var auth [16]byte
	now := time.Now()
	res, _ := tbl.Insert(3, netip.AddrPort{}, dst, auth, now)
	assert.Equal(t, New, res)
	_, ok := tbl.Lookup(3, netip.AddrPort{}, dst)
	assert.True(t, ok)
}
