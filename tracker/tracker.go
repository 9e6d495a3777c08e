// Package tracker implements the per-listener request tracking and
// duplicate-detection tables described in spec §4.2, grounded on
// FreeRADIUS's util/track.h entry layout (timestamp + cached reply +
// 16-byte authenticator) and fifo.c's array-backed, id-indexed lookup
// idiom, reworked into a plain Go map with no locking since each
// table is owned by exactly one network thread (spec §5: "The tracker's
// (src,id) key is serialized by the owning network thread: only that
// thread mutates those entries").
package tracker

import (
	"net/netip"
	"time"
)

// Status is a tracker entry's lifecycle state (spec §3).
type Status uint8

const (
	StatusFree Status = iota
	StatusInFlight
	StatusReplied
)

// InsertResult is the outcome of Insert, per spec §4.2's contract.
type InsertResult uint8

const (
	// New: no entry existed; a fresh one was created in-flight.
	New InsertResult = iota
	// SameAsLast: a replied entry exists with a matching authenticator;
	// the caller should resend the cached reply.
	SameAsLast
	// DifferentWithSameId: an entry exists but the authenticator differs;
	// the old entry was purged and this should be treated as New.
	DifferentWithSameId
	// Duplicate: an in-flight entry exists with a matching authenticator;
	// the caller should suppress this packet.
	Duplicate
)

// KeyMode resolves spec §9's Open Question on per-listener tracker keying
// (see DESIGN.md decision #2): each table is constructed with one mode and
// never branches on packet code at lookup time.
type KeyMode uint8

const (
	// KeyBySourceID keys entries by (source addr:port, id) — used by auth
	// and accounting listeners.
	KeyBySourceID KeyMode = iota
	// KeyByDestinationID keys entries by (destination addr:port, id) — used
	// by proxy listeners correlating upstream replies.
	KeyByDestinationID
)

// Key identifies one tracker entry.
type Key struct {
	Addr netip.AddrPort
	ID   uint8
}

// Entry is one tracker slot (spec §3's "Tracker Entry").
type Entry struct {
	Timestamp     time.Time
	Authenticator [16]byte
	Status        Status

	// Reply is the cached reply payload, set by Reply and returned
	// verbatim for SameAsLast resends.
	Reply []byte
}

// Table is one listener's tracking table. Not safe for concurrent use by
// more than one goroutine; ownership is the calling network thread's,
// matching spec §5.
type Table struct {
	mode         KeyMode
	cleanupDelay time.Duration
	entries      map[Key]*Entry
}

// New creates a Table with the given keying mode and cleanup delay (how
// long a replied entry lingers for retransmit matching, spec §6).
func New(mode KeyMode, cleanupDelay time.Duration) *Table {
	return &Table{mode: mode, cleanupDelay: cleanupDelay, entries: make(map[Key]*Entry)}
}

// Mode returns the table's keying mode.
func (t *Table) Mode() KeyMode { return t.mode }

// keyFor derives the lookup key for a packet according to the table's mode.
func (t *Table) keyFor(id uint8, source, destination netip.AddrPort) Key {
	if t.mode == KeyByDestinationID {
		return Key{Addr: destination, ID: id}
	}
	return Key{Addr: source, ID: id}
}

// Insert implements spec §4.2's insert contract. now is the receive
// timestamp (monotonic clock per spec §3).
func (t *Table) Insert(id uint8, source, destination netip.AddrPort, authenticator [16]byte, now time.Time) (InsertResult, *Entry) {
	t.evictExpired(now)
	key := t.keyFor(id, source, destination)
	e, ok := t.entries[key]
	if !ok {
		e = &Entry{Timestamp: now, Authenticator: authenticator, Status: StatusInFlight}
		t.entries[key] = e
		return New, e
	}
	switch e.Status {
	case StatusReplied:
		if e.Authenticator == authenticator {
			return SameAsLast, e
		}
		// id reuse: client gave up and reused the id with a new request.
		delete(t.entries, key)
		e = &Entry{Timestamp: now, Authenticator: authenticator, Status: StatusInFlight}
		t.entries[key] = e
		return DifferentWithSameId, e
	case StatusInFlight:
		if e.Authenticator == authenticator {
			return Duplicate, e
		}
		delete(t.entries, key)
		e = &Entry{Timestamp: now, Authenticator: authenticator, Status: StatusInFlight}
		t.entries[key] = e
		return DifferentWithSameId, e
	default: // StatusFree: shouldn't be reachable via the map, but be defensive
		e.Timestamp = now
		e.Authenticator = authenticator
		e.Status = StatusInFlight
		return New, e
	}
}

// Reply stores the reply and transitions in-flight -> replied, stamping the
// timestamp so cleanup can later evict it.
func (t *Table) Reply(id uint8, source, destination netip.AddrPort, reply []byte, now time.Time) bool {
	key := t.keyFor(id, source, destination)
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	e.Reply = reply
	e.Status = StatusReplied
	e.Timestamp = now
	return true
}

// Delete transitions an entry to free (removes it), per spec §4.2.
func (t *Table) Delete(id uint8, source, destination netip.AddrPort) {
	key := t.keyFor(id, source, destination)
	delete(t.entries, key)
}

// Lookup returns the entry for a key without mutating table state.
func (t *Table) Lookup(id uint8, source, destination netip.AddrPort) (*Entry, bool) {
	e, ok := t.entries[t.keyFor(id, source, destination)]
	return e, ok
}

// evictExpired implements spec §4.2's lazy cleanup: "insert evicts entries
// older than a configured cleanup-delay." Only replied entries are aged
// out this way; in-flight entries are bounded by the worker's
// max_request_time sweep instead (spec §5).
func (t *Table) evictExpired(now time.Time) {
	for k, e := range t.entries {
		if e.Status == StatusReplied && now.Sub(e.Timestamp) > t.cleanupDelay {
			delete(t.entries, k)
		}
	}
}

// Len returns the number of tracked entries, for diagnostics/metrics.
func (t *Table) Len() int { return len(t.entries) }
