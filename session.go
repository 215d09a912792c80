package hwdecode

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DestinationMode selects where decoded frames land.
type DestinationMode int

const (
	// DestinationStandard decodes into generic CPU-addressable buffers; the
	// callback receives a *VideoFrame copy.
	DestinationStandard DestinationMode = iota
	// DestinationZeroCopySurface decodes directly into GPU-importable
	// surfaces; the callback receives a *Surface borrowed from the session's
	// buffer pool.
	DestinationZeroCopySurface
)

func (m DestinationMode) String() string {
	switch m {
	case DestinationZeroCopySurface:
		return "ZeroCopySurface"
	default:
		return "Standard"
	}
}

// DestinationConfig describes the decode destination. Width/Height of zero
// keep the track's native dimensions; non-zero values request scaled output.
type DestinationConfig struct {
	Mode   DestinationMode
	Width  int
	Height int
}

// SessionStats counts decode activity for one session.
type SessionStats struct {
	FramesSubmitted uint64  // accepted DecodeFrame calls
	FramesDelivered uint64  // successful callback deliveries
	FramesFailed    uint64  // callback deliveries carrying a failure status
	LastOutputPTS   float64 // presentation time of the most recent delivery
}

// DecompressionSession owns exactly one hardware decoder resource bound to a
// format descriptor and a destination configuration. Samples are submitted
// asynchronously with DecodeFrame and complete through the OutputCallback in
// submission order. Invalidate before dropping the session.
type DecompressionSession struct {
	handle   uintptr
	token    uintptr
	fd       *FormatDescriptor // session's own retained reference
	dest     DestinationConfig
	onOutput OutputCallback

	submitMu    sync.Mutex
	invalidated atomic.Bool

	// In-flight accounting for WaitAsync. pending is only touched under
	// pendingMu; deliveries decrement it after the callback returns.
	pendingMu sync.Mutex
	pendingCv *sync.Cond
	pending   int

	deliverMu sync.Mutex // serializes callback delivery in submission order

	statsMu sync.Mutex
	stats   SessionStats
}

// NewDecompressionSession creates a hardware decode session for the given
// format descriptor and destination. The session retains its own reference to
// fd, so the caller may release theirs immediately. onOutput is invoked on an
// engine thread exactly once per accepted DecodeFrame; it must not call back
// into DecodeFrame, WaitAsync or Invalidate synchronously.
func NewDecompressionSession(fd *FormatDescriptor, dest DestinationConfig, onOutput OutputCallback) (*DecompressionSession, error) {
	if !fd.valid() {
		return nil, fmt.Errorf("%w: nil or released format descriptor", ErrSessionCreate)
	}
	if onOutput == nil {
		return nil, fmt.Errorf("%w: nil output callback", ErrSessionCreate)
	}
	if err := ensureStack(); err != nil {
		return nil, err
	}

	s := &DecompressionSession{
		fd:       fd.retain(),
		dest:     dest,
		onOutput: onOutput,
	}
	s.pendingCv = sync.NewCond(&s.pendingMu)

	// Register before the native create so a completion can never observe an
	// unknown token. No sample has been submitted yet, so no callback fires
	// before this function returns.
	s.token = registerSession(s)

	handle, status := nativeSessionCreate(s.fd.handle, dest, s.token)
	if status != 0 || handle == 0 {
		unregisterSession(s.token)
		s.fd.Release()
		return nil, fmt.Errorf("%w: engine status %d: %s", ErrSessionCreate, status, stackError())
	}
	s.handle = handle

	log.WithFields(logrus.Fields{
		"destination": dest.Mode.String(),
		"width":       dest.Width,
		"height":      dest.Height,
	}).Debug("created decompression session")
	return s, nil
}

// DecodeFrame submits one encoded sample for asynchronous decoding. It
// returns once the sample is validated and queued; completion arrives later
// through the output callback. Ownership of an accepted (or natively
// rejected) sample transfers to the session. Validation failures return
// ErrDecodeSubmit synchronously and produce no callback.
func (s *DecompressionSession) DecodeFrame(sb *SampleBuffer) error {
	if s.invalidated.Load() {
		return fmt.Errorf("%w: session invalidated", ErrDecodeSubmit)
	}
	if sb == nil || sb.handle == 0 {
		return fmt.Errorf("%w: nil sample", ErrDecodeSubmit)
	}
	if sb.consumed.Load() {
		return fmt.Errorf("%w: sample already consumed", ErrDecodeSubmit)
	}
	if sb.size == 0 {
		return fmt.Errorf("%w: zero-length sample", ErrDecodeSubmit)
	}
	if sb.stale() {
		return fmt.Errorf("%w: sample read before a seek", ErrDecodeSubmit)
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	if s.invalidated.Load() {
		return fmt.Errorf("%w: session invalidated", ErrDecodeSubmit)
	}

	// Count the submission before handing it to the engine: the completion
	// may arrive on an engine thread before the native call returns.
	s.pendingMu.Lock()
	s.pending++
	s.pendingMu.Unlock()

	status := nativeSessionDecode(s.handle, sb.handle)
	if status != 0 {
		s.pendingMu.Lock()
		if s.pending > 0 {
			s.pending--
		}
		s.pendingCv.Broadcast()
		s.pendingMu.Unlock()
		sb.Release()
		return fmt.Errorf("%w: engine status %d: %s", ErrDecodeSubmit, status, stackError())
	}

	// The engine retained what it needs; drop our reference.
	sb.Release()

	s.statsMu.Lock()
	s.stats.FramesSubmitted++
	s.statsMu.Unlock()
	return nil
}

// WaitAsync blocks until every previously accepted DecodeFrame has delivered
// its callback. It is the session's only blocking synchronization point; use
// it before Invalidate when drain semantics are required. Must not be called
// from inside the output callback.
func (s *DecompressionSession) WaitAsync() {
	if !s.invalidated.Load() && s.handle != 0 {
		nativeSessionWaitAsync(s.handle)
	}

	s.pendingMu.Lock()
	for s.pending > 0 {
		s.pendingCv.Wait()
	}
	s.pendingMu.Unlock()
}

// Invalidate tears down the hardware decoder resource. In-flight submissions
// may be dropped without a terminal callback. Idempotent: the second and
// later calls are no-ops. After Invalidate every DecodeFrame fails.
func (s *DecompressionSession) Invalidate() {
	if !s.invalidated.CompareAndSwap(false, true) {
		return
	}

	// Taking submitMu excludes any DecodeFrame that passed its invalidated
	// recheck, so the native handle is never submitted to after the engine
	// destroys it.
	s.submitMu.Lock()
	if s.handle != 0 {
		nativeSessionInvalidate(s.handle)
	}
	s.submitMu.Unlock()

	unregisterSession(s.token)
	s.fd.Release()

	// Abandon in-flight work so WaitAsync callers do not hang on callbacks
	// that will never arrive.
	s.pendingMu.Lock()
	s.pending = 0
	s.pendingCv.Broadcast()
	s.pendingMu.Unlock()

	log.Debug("decompression session invalidated")
}

// Destination returns the session's destination configuration.
func (s *DecompressionSession) Destination() DestinationConfig {
	return s.dest
}

// Stats returns a snapshot of the session's decode counters.
func (s *DecompressionSession) Stats() SessionStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// deliver runs one completion through the output callback, in submission
// order, and settles the in-flight accounting afterwards.
func (s *DecompressionSession) deliver(out DecodedOutput) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if s.invalidated.Load() {
		// Late completion racing Invalidate: drop it.
		if out.Surface != nil {
			out.Surface.Release()
		}
		return
	}

	s.onOutput(out)

	s.statsMu.Lock()
	if out.Err != nil {
		s.stats.FramesFailed++
	} else {
		s.stats.FramesDelivered++
	}
	s.stats.LastOutputPTS = out.PTS
	s.statsMu.Unlock()

	s.pendingMu.Lock()
	if s.pending > 0 {
		s.pending--
	}
	s.pendingCv.Broadcast()
	s.pendingMu.Unlock()
}
