package hwdecode

import "sync/atomic"

// FormatDescriptor is an owned reference to one track's opaque,
// reference-counted codec configuration. References are independent: the
// reader's copy, the caller's copy and a decode session's retained copy are
// released separately, so the descriptor outlives whichever owner goes first.
type FormatDescriptor struct {
	handle   uintptr
	released atomic.Bool
}

// retain returns a new independently owned reference to the same descriptor.
func (f *FormatDescriptor) retain() *FormatDescriptor {
	return &FormatDescriptor{handle: nativeFormatRetain(f.handle)}
}

// valid reports whether this reference is live.
func (f *FormatDescriptor) valid() bool {
	return f != nil && f.handle != 0 && !f.released.Load()
}

// Release drops this reference. Safe to call more than once; only the first
// call reaches the native stack.
func (f *FormatDescriptor) Release() {
	if f.released.CompareAndSwap(false, true) {
		nativeFormatRelease(f.handle)
	}
}
