package hwdecode

import "sync/atomic"

// SampleBuffer is an owned handle to one encoded media sample and its
// presentation timestamp. Ownership transfers to the caller on
// ReadNextSample: the caller either submits it to a DecompressionSession
// (which consumes it) or discards it with Release. The reader keeps no
// reference after returning it.
//
// A buffer read before a seek is stale once the seek completes; the reader
// flushes its own position but cannot retroactively invalidate handles it
// already handed out. Stale buffers are rejected at submission and should be
// discarded with Release.
type SampleBuffer struct {
	handle     uintptr
	pts        float64
	size       int
	reader     *SampleReader
	generation uint64
	consumed   atomic.Bool
}

// stale reports whether the originating reader has sought since this buffer
// was read.
func (s *SampleBuffer) stale() bool {
	return s.reader != nil && s.reader.currentGeneration() != s.generation
}

// PTS returns the sample's presentation timestamp in seconds.
func (s *SampleBuffer) PTS() float64 {
	return s.pts
}

// Size returns the encoded payload size in bytes.
func (s *SampleBuffer) Size() int {
	return s.size
}

// Release discards the sample without decoding it. Safe after submission or
// repeated calls; only the first release of an unconsumed buffer reaches the
// native stack.
func (s *SampleBuffer) Release() {
	if s.consumed.CompareAndSwap(false, true) {
		nativeSampleRelease(s.handle)
	}
}
