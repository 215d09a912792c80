package hwdecode

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Surface is a decoded zero-copy image surface suitable for GPU import. The
// surface stays valid until Release; CPU access to plane base addresses is
// only legal between LockReadonly and Unlock. Plane geometry may be queried
// without holding the lock.
//
// Strides are engine-chosen and may exceed width times bytes-per-pixel; always
// honor BytesPerRowOfPlane when walking plane memory.
type Surface struct {
	image  uintptr // retained image buffer keeping the surface alive
	handle uintptr

	format     PixelFormat
	planeCount int

	mu     sync.Mutex
	locked bool

	released atomic.Bool
}

// newSurface wraps a native surface backed by an already retained image
// buffer. The Surface owns that retain and drops it on Release.
func newSurface(image, handle uintptr) *Surface {
	return &Surface{
		image:      image,
		handle:     handle,
		format:     PixelFormat(nativeSurfacePixelFormat(handle)),
		planeCount: nativeSurfacePlaneCount(handle),
	}
}

// PixelFormat returns the surface's pixel format fourcc.
func (s *Surface) PixelFormat() PixelFormat {
	return s.format
}

// PlaneCount returns the number of planes.
func (s *Surface) PlaneCount() int {
	return s.planeCount
}

// LockReadonly makes the surface's plane base addresses CPU-visible. Locks do
// not nest; locking an already locked or released surface is an error.
func (s *Surface) LockReadonly() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released.Load() {
		return fmt.Errorf("lock of released surface")
	}
	if s.locked {
		return fmt.Errorf("surface already locked")
	}
	nativeSurfaceLock(s.handle)
	s.locked = true
	return nil
}

// Unlock releases a LockReadonly. Base addresses obtained under the lock are
// invalid afterwards. Returns ErrSurfaceNotLocked if the surface is not
// locked.
func (s *Surface) Unlock() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.locked {
		return ErrSurfaceNotLocked
	}
	nativeSurfaceUnlock(s.handle)
	s.locked = false
	return nil
}

// WithLock runs fn with the surface locked for readonly CPU access and
// unlocks it afterwards, including when fn returns an error.
func (s *Surface) WithLock(fn func(*Surface) error) error {
	if err := s.LockReadonly(); err != nil {
		return err
	}
	defer s.Unlock()
	return fn(s)
}

// WidthOfPlane returns the pixel width of the given plane.
func (s *Surface) WidthOfPlane(plane int) (int, error) {
	if err := s.checkPlane(plane); err != nil {
		return 0, err
	}
	return nativeSurfacePlaneWidth(s.handle, plane), nil
}

// HeightOfPlane returns the pixel height of the given plane.
func (s *Surface) HeightOfPlane(plane int) (int, error) {
	if err := s.checkPlane(plane); err != nil {
		return 0, err
	}
	return nativeSurfacePlaneHeight(s.handle, plane), nil
}

// BytesPerRowOfPlane returns the engine-chosen row stride of the given plane
// in bytes.
func (s *Surface) BytesPerRowOfPlane(plane int) (int, error) {
	if err := s.checkPlane(plane); err != nil {
		return 0, err
	}
	return nativeSurfacePlaneStride(s.handle, plane), nil
}

// BaseAddressOfPlane returns the CPU address of the given plane's first row.
// Valid only while the surface is locked.
func (s *Surface) BaseAddressOfPlane(plane int) (uintptr, error) {
	if err := s.checkPlane(plane); err != nil {
		return 0, err
	}

	s.mu.Lock()
	locked := s.locked
	s.mu.Unlock()
	if !locked {
		return 0, ErrSurfaceNotLocked
	}
	return nativeSurfacePlaneBase(s.handle, plane), nil
}

// PlaneData returns the given plane's memory as a byte slice spanning
// stride times height bytes. The slice aliases surface memory and is valid
// only while the surface stays locked.
func (s *Surface) PlaneData(plane int) ([]byte, error) {
	base, err := s.BaseAddressOfPlane(plane)
	if err != nil {
		return nil, err
	}
	stride := nativeSurfacePlaneStride(s.handle, plane)
	height := nativeSurfacePlaneHeight(s.handle, plane)
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), stride*height), nil
}

// Release returns the surface to the session's buffer pool. Safe to call more
// than once; only the first call reaches the native stack.
func (s *Surface) Release() {
	if s.released.CompareAndSwap(false, true) {
		s.mu.Lock()
		if s.locked {
			nativeSurfaceUnlock(s.handle)
			s.locked = false
		}
		s.mu.Unlock()
		nativeImageRelease(s.image)
	}
}

func (s *Surface) checkPlane(plane int) error {
	if s.released.Load() {
		return fmt.Errorf("%w: surface released", ErrInvalidPlaneIndex)
	}
	if plane < 0 || plane >= s.planeCount {
		return fmt.Errorf("%w: plane %d of %d", ErrInvalidPlaneIndex, plane, s.planeCount)
	}
	return nil
}
