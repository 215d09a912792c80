package hwdecode

import (
	"fmt"
	"sync"
	"unsafe"
)

// OutputCallback receives one decoded result per accepted DecodeFrame. It
// runs on an engine thread, in submission order for its session. Check Err
// first; exactly one of Frame or Surface is set on success, depending on the
// session's destination mode. A Surface handed to the callback is owned by
// the receiver and must be released.
type OutputCallback func(out DecodedOutput)

// DecodedOutput is one decode completion.
type DecodedOutput struct {
	Token   uintptr     // session registration token, for diagnostics
	Status  int32       // raw engine status code
	Err     error       // non-nil when the engine reported a decode failure
	PTS     float64     // presentation time in seconds
	Frame   *VideoFrame // CPU copy, DestinationStandard only
	Surface *Surface    // zero-copy surface, DestinationZeroCopySurface only
}

// Session registry keyed by the opaque token the engine echoes back with
// every completion. Tokens, not Go pointers, cross the FFI boundary.
var (
	sessionsMu   sync.RWMutex
	sessions     = make(map[uintptr]*DecompressionSession)
	sessionToken uintptr
)

func registerSession(s *DecompressionSession) uintptr {
	sessionsMu.Lock()
	defer sessionsMu.Unlock()
	sessionToken++
	sessions[sessionToken] = s
	return sessionToken
}

func unregisterSession(token uintptr) {
	sessionsMu.Lock()
	defer sessionsMu.Unlock()
	delete(sessions, token)
}

func lookupSession(token uintptr) *DecompressionSession {
	sessionsMu.RLock()
	defer sessionsMu.RUnlock()
	return sessions[token]
}

// dispatchDecodeOutput routes one engine completion to its session. The image
// handle is borrowed for the duration of the call: successful zero-copy
// outputs retain it for the Surface, standard outputs are copied out before
// returning, and everything else leaves it to the engine.
func dispatchDecodeOutput(token uintptr, status int32, image uintptr, pts float64) {
	s := lookupSession(token)
	if s == nil {
		// Completion for a session already invalidated and unregistered.
		return
	}

	out := DecodedOutput{Token: token, Status: status, PTS: pts}

	switch {
	case status != 0:
		out.Err = fmt.Errorf("decode failed with engine status %d", status)
	case image == 0:
		out.Err = fmt.Errorf("decode produced no image buffer")
	case s.dest.Mode == DestinationZeroCopySurface:
		nativeImageRetain(image)
		out.Surface = newSurface(image, nativeImageGetSurface(image))
	default:
		frame, err := copyImageToFrame(image, pts)
		if err != nil {
			out.Err = err
		} else {
			out.Frame = frame
		}
	}

	s.deliver(out)
}

// copyImageToFrame deep-copies the image buffer's planes into a VideoFrame,
// honoring per-plane strides. The image itself is not retained.
func copyImageToFrame(image uintptr, pts float64) (*VideoFrame, error) {
	surf := nativeImageGetSurface(image)
	if surf == 0 {
		return nil, fmt.Errorf("image buffer has no backing surface")
	}

	format := PixelFormat(nativeSurfacePixelFormat(surf))
	planes := nativeSurfacePlaneCount(surf)
	if planes == 0 {
		planes = 1
	}

	frame := &VideoFrame{
		Data:   make([][]byte, planes),
		Stride: make([]int, planes),
		Width:  nativeSurfacePlaneWidth(surf, 0),
		Height: nativeSurfacePlaneHeight(surf, 0),
		Format: format,
		PTS:    pts,
	}

	nativeSurfaceLock(surf)
	defer nativeSurfaceUnlock(surf)

	for i := 0; i < planes; i++ {
		width := nativeSurfacePlaneWidth(surf, i)
		height := nativeSurfacePlaneHeight(surf, i)
		stride := nativeSurfacePlaneStride(surf, i)
		base := nativeSurfacePlaneBase(surf, i)
		if base == 0 {
			return nil, fmt.Errorf("plane %d has no base address", i)
		}

		rowBytes := width * format.BytesPerPixelOfPlane(i)
		src := unsafe.Slice((*byte)(unsafe.Pointer(base)), stride*height)

		// Pack rows tightly, dropping the surface's row padding.
		dst := make([]byte, rowBytes*height)
		for row := 0; row < height; row++ {
			copy(dst[row*rowBytes:(row+1)*rowBytes], src[row*stride:row*stride+rowBytes])
		}
		frame.Data[i] = dst
		frame.Stride[i] = rowBytes
	}

	return frame, nil
}
