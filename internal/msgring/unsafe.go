package msgring

import "unsafe"

// headerAt returns a pointer to the header struct living at byte offset off
// within arena. The ring guarantees off+headerSize never crosses arena's end
// (Alloc inserts a pad-skip record instead of letting a header straddle the
// boundary), so the cast is safe.
func headerAt(arena []byte, off int) unsafe.Pointer {
	return unsafe.Pointer(&arena[off])
}
