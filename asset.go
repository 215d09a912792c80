package hwdecode

import (
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// VideoProperties is an immutable snapshot of a video track's static
// properties, captured once when the asset context is created.
type VideoProperties struct {
	Width     int     // pixels
	Height    int     // pixels
	Duration  float64 // seconds
	FrameRate float64 // frames per second
	TimeScale int32   // ticks per second used to interpret raw timestamps
}

// AssetContext owns an opened media asset and the single SampleReader pulling
// encoded samples from it. Exactly one live reader exists per context, and the
// context handle is single-owner: Release must be called exactly once by the
// owner (extra calls are absorbed, never forwarded to the native stack).
type AssetContext struct {
	handle uintptr
	path   string
	reader *SampleReader

	propsOnce sync.Once
	props     VideoProperties
	propsErr  error

	released atomic.Bool
}

// Open opens the media asset at path and prepares a sample reader for its
// video track. The open is synchronous and may block for its duration; no
// other I/O happens afterwards.
func Open(path string) (*AssetContext, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssetOpen, err)
	}
	if err := ensureStack(); err != nil {
		return nil, err
	}

	handle := nativeContextCreate(path)
	if handle == 0 {
		return nil, fmt.Errorf("%w: %s: %s", ErrAssetOpen, path, stackError())
	}

	ctx := &AssetContext{handle: handle, path: path}
	ctx.reader = &SampleReader{ctx: ctx}

	log.WithFields(logrus.Fields{"path": path}).Debug("opened media asset")
	return ctx, nil
}

// Path returns the filesystem path the context was opened from.
func (c *AssetContext) Path() string {
	return c.path
}

// VideoProperties returns the asset's static video properties. The values are
// computed once and identical across calls for the lifetime of the context.
// Returns ErrNoVideoTrack if the asset carries no video track.
func (c *AssetContext) VideoProperties() (VideoProperties, error) {
	c.propsOnce.Do(func() {
		raw, status := nativeVideoProperties(c.handle)
		switch status {
		case stackOK:
			c.props = VideoProperties{
				Width:     int(raw.Width),
				Height:    int(raw.Height),
				Duration:  raw.Duration,
				FrameRate: raw.FrameRate,
				TimeScale: raw.TimeScale,
			}
		case stackErrNoVideoTrack:
			c.propsErr = fmt.Errorf("%w: %s", ErrNoVideoTrack, c.path)
		default:
			c.propsErr = fmt.Errorf("failed to get video properties (status %d): %s", status, stackError())
		}
	})
	return c.props, c.propsErr
}

// CopyTrackFormatDesc returns a new owned reference to the video track's
// format descriptor. Each call returns an independent reference; the caller
// releases it regardless of the context's lifetime.
func (c *AssetContext) CopyTrackFormatDesc() (*FormatDescriptor, error) {
	fd := nativeCopyFormatDesc(c.handle)
	if fd == 0 {
		return nil, fmt.Errorf("%w: no format descriptor for %s", ErrNoVideoTrack, c.path)
	}
	return &FormatDescriptor{handle: fd}, nil
}

// Reader returns the context's sample reader.
func (c *AssetContext) Reader() *SampleReader {
	return c.reader
}

// Release tears down the asset handle. Safe to call more than once; only the
// first call reaches the native stack. Safe even while a decode session
// derived from this context is still invalidating, since sessions retain
// their own format descriptor reference.
func (c *AssetContext) Release() {
	if c.released.CompareAndSwap(false, true) {
		nativeContextRelease(c.handle)
	}
}

// ReaderStatus is the sample reader's state machine:
// Unknown -> Reading -> {Completed, Failed, Cancelled}. A successful seek
// resets any state back to Reading.
type ReaderStatus int

const (
	ReaderStatusUnknown ReaderStatus = iota
	ReaderStatusReading
	ReaderStatusCompleted
	ReaderStatusFailed
	ReaderStatusCancelled
)

func (s ReaderStatus) String() string {
	switch s {
	case ReaderStatusReading:
		return "Reading"
	case ReaderStatusCompleted:
		return "Completed"
	case ReaderStatusFailed:
		return "Failed"
	case ReaderStatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

func readerStatusFromRaw(raw int32) ReaderStatus {
	switch raw {
	case rawReaderStatusReading:
		return ReaderStatusReading
	case rawReaderStatusCompleted:
		return ReaderStatusCompleted
	case rawReaderStatusFailed:
		return ReaderStatusFailed
	case rawReaderStatusCancelled:
		return ReaderStatusCancelled
	default:
		return ReaderStatusUnknown
	}
}

// SampleReader pulls encoded samples from the asset in presentation order.
// Reading is synchronous on the calling thread; there is no internal
// read-ahead. A SampleReader is not safe for concurrent use.
type SampleReader struct {
	ctx *AssetContext

	mu         sync.Mutex
	status     ReaderStatus
	err        error
	generation uint64
}

// Start begins reading. Valid only from the Unknown state; starting twice or
// after a terminal state returns ErrReaderStart.
func (r *SampleReader) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != ReaderStatusUnknown {
		return fmt.Errorf("%w: reader is %s", ErrReaderStart, r.status)
	}
	if rc := nativeStartReader(r.ctx.handle); rc != 0 {
		r.status = ReaderStatusFailed
		r.err = fmt.Errorf("%w: start failed: %s", ErrReaderFailed, stackError())
		return fmt.Errorf("%w: %s", ErrReaderStart, stackError())
	}
	r.status = ReaderStatusReading
	return nil
}

// ReadNextSample returns the next encoded sample in presentation order.
// Ownership of the returned buffer transfers to the caller, who must submit
// or release it. At end of stream the reader transitions to Completed and
// returns (nil, nil); on a mid-stream source error it transitions to Failed
// and the failure is returned here and from Err.
func (r *SampleReader) ReadNextSample() (*SampleBuffer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.status {
	case ReaderStatusReading:
		// fall through to the native read
	case ReaderStatusFailed:
		return nil, r.err
	default:
		return nil, nil
	}

	sb := nativeReadNextSample(r.ctx.handle)
	if sb == 0 {
		switch readerStatusFromRaw(nativeReaderStatus(r.ctx.handle)) {
		case ReaderStatusFailed:
			r.status = ReaderStatusFailed
			r.err = fmt.Errorf("%w: %s", ErrReaderFailed, stackError())
			return nil, r.err
		case ReaderStatusCancelled:
			r.status = ReaderStatusCancelled
		default:
			r.status = ReaderStatusCompleted
		}
		return nil, nil
	}

	return &SampleBuffer{
		handle:     sb,
		pts:        nativeSamplePTS(sb),
		size:       nativeSampleSize(sb),
		reader:     r,
		generation: r.generation,
	}, nil
}

// currentGeneration returns the seek generation, bumped on every successful
// SeekTo. Buffers carry the generation they were read under.
func (r *SampleReader) currentGeneration() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// SeekTo repositions the reader so the next ReadNextSample returns the first
// sample whose presentation timestamp is >= sec. Not frame-exact: decoding
// still has to run forward from a preceding keyframe. A successful seek
// resets the reader from any state, including terminal ones, back to Reading
// and invalidates samples read before the seek.
func (r *SampleReader) SeekTo(sec float64) error {
	props, err := r.ctx.VideoProperties()
	if err != nil {
		return err
	}
	if math.IsNaN(sec) || sec < 0 || sec > props.Duration {
		return fmt.Errorf("%w: %.3fs (duration %.3fs)", ErrSeekOutOfRange, sec, props.Duration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rc := nativeSeekTo(r.ctx.handle, sec); rc != 0 {
		return fmt.Errorf("seek to %.3fs failed: %s", sec, stackError())
	}
	// The native reader must be restarted exactly once after a seek.
	if rc := nativeStartReader(r.ctx.handle); rc != 0 {
		r.status = ReaderStatusFailed
		r.err = fmt.Errorf("%w: restart after seek failed: %s", ErrReaderFailed, stackError())
		return r.err
	}

	r.status = ReaderStatusReading
	r.err = nil
	r.generation++
	return nil
}

// Status returns the reader's current state for polling.
func (r *SampleReader) Status() ReaderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Err returns the terminal failure after the reader entered Failed, nil
// otherwise.
func (r *SampleReader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// PeekFirstSamplePTS returns the presentation timestamp of the next sample
// without consuming it. Diagnostic accessor, not the hot path.
func (r *SampleReader) PeekFirstSamplePTS() (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != ReaderStatusReading {
		return 0, fmt.Errorf("reader is %s, not reading", r.status)
	}
	pts := nativePeekFirstPTS(r.ctx.handle)
	if math.IsNaN(pts) {
		return 0, fmt.Errorf("no sample available to peek")
	}
	return pts, nil
}
