//go:build darwin || linux

package hwdecode

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"unsafe"
)

// In-memory media stack installed through the same seam the purego loader
// uses. It models the shim's observable behavior: reader state codes, sample
// handles, asynchronous in-order decode completions and lockable NV12
// surfaces, so the package logic is testable without the native library.

type fakeSample struct {
	pts  float64
	size int
	// badStatus, when non-zero, makes the decode of this sample complete
	// asynchronously with that engine status.
	badStatus int32
}

type fakeAsset struct {
	props      videoPropertiesRaw
	noVideo    bool
	samples    []fakeSample
	pos        int
	rawStatus  int32
	failAt     int // 1-based read index that fails mid-stream; 0 disables
	startCount int
}

type fakeSampleObj struct {
	asset *fakeAsset
	idx   int
}

type fakeFormat struct {
	asset *fakeAsset
	refs  int32
}

type fakeSurfaceObj struct {
	format  PixelFormat
	widths  []int
	heights []int
	strides []int
	planes  [][]byte

	mu        sync.Mutex
	lockCount int
}

type fakeImageObj struct {
	surface uintptr
	refs    int32
}

type fakeJob struct {
	image  uintptr
	status int32
	pts    float64
}

type fakeSessionObj struct {
	stack       *fakeStack
	token       uintptr
	dest        DestinationConfig
	width       int
	height      int
	jobs        chan fakeJob
	wg          sync.WaitGroup
	invalidated atomic.Bool
}

type fakeStack struct {
	mu   sync.Mutex
	next uintptr
	objs map[uintptr]any

	assets   map[string]*fakeAsset
	mappings [][]byte

	lastError         string
	failSessionCreate bool
	faultInstalls     int
}

func (f *fakeStack) put(v any) uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.objs[f.next] = v
	return f.next
}

func (f *fakeStack) get(h uintptr) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objs[h]
}

func (f *fakeStack) del(h uintptr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objs, h)
}

func (f *fakeStack) setError(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastError = msg
}

// liveObjects counts handles the fake still tracks, for leak assertions.
func (f *fakeStack) liveObjects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objs)
}

// addAsset registers an asset under a real temp file path so Open's stat
// check passes, and returns that path.
func (f *fakeStack) addAsset(t *testing.T, name string, a *fakeAsset) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("fake"), 0o644); err != nil {
		t.Fatalf("write placeholder asset: %v", err)
	}
	f.assets[path] = a
	return path
}

func alignStride(n int) int {
	return (n + 63) &^ 63
}

// mmapBytes allocates plane memory outside the Go heap. Surface base
// addresses cross the seam as uintptr, exactly like the real stack's native
// pointers; Go heap addresses round-tripped that way trip checkptr under the
// race detector, mmap'd memory does not. Mappings are torn down by the
// newFakeStack cleanup.
func (f *fakeStack) mmapBytes(n int) []byte {
	mem, err := syscall.Mmap(-1, 0, n,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_ANON|syscall.MAP_PRIVATE)
	if err != nil {
		panic("mmap fake surface memory: " + err.Error())
	}
	f.mu.Lock()
	f.mappings = append(f.mappings, mem)
	f.mu.Unlock()
	return mem
}

func (f *fakeStack) unmapAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.mappings {
		syscall.Munmap(m)
	}
	f.mappings = nil
}

// newFakeSurface builds an NV12 surface with 64-byte aligned strides. The Y
// plane is filled with a byte derived from pts so copies are checkable.
func (f *fakeStack) newFakeSurface(width, height int, pts float64) uintptr {
	yStride := alignStride(width)
	uvStride := alignStride(width)
	fill := byte(int(pts*1000) % 251)

	ySize := yStride * height
	uvSize := uvStride * (height / 2)
	mem := f.mmapBytes(ySize + uvSize)

	y := mem[:ySize]
	for i := range y {
		y[i] = fill
	}
	uv := mem[ySize:]

	return f.put(&fakeSurfaceObj{
		format:  PixelFormatNV12,
		widths:  []int{width, width / 2},
		heights: []int{height, height / 2},
		strides: []int{yStride, uvStride},
		planes:  [][]byte{y, uv},
	})
}

func (s *fakeSessionObj) run() {
	for job := range s.jobs {
		dispatchDecodeOutput(s.token, job.status, job.image, job.pts)
		// Drop the engine's borrow of the image.
		if job.image != 0 {
			if img, ok := s.stack.get(job.image).(*fakeImageObj); ok {
				if atomic.AddInt32(&img.refs, -1) == 0 {
					s.stack.del(img.surface)
					s.stack.del(job.image)
				}
			}
		}
		s.wg.Done()
	}
}

// newFakeStack swaps the whole native seam for an in-memory stack and
// restores the previous bindings when the test finishes.
func newFakeStack(t *testing.T) *fakeStack {
	t.Helper()

	f := &fakeStack{
		objs:   make(map[uintptr]any),
		assets: make(map[string]*fakeAsset),
	}

	saved := snapshotStack()
	t.Cleanup(saved.restore)
	t.Cleanup(f.unmapAll)

	stackLoader = func() error { return nil }
	nativeErrorMessage = func() string {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.lastError
	}

	nativeContextCreate = func(path string) uintptr {
		a, ok := f.assets[path]
		if !ok {
			f.setError("asset not found")
			return 0
		}
		return f.put(a)
	}
	nativeContextRelease = func(ctx uintptr) { f.del(ctx) }
	nativeVideoProperties = func(ctx uintptr) (videoPropertiesRaw, int32) {
		a := f.get(ctx).(*fakeAsset)
		if a.noVideo {
			return videoPropertiesRaw{}, stackErrNoVideoTrack
		}
		return a.props, stackOK
	}
	nativeCopyFormatDesc = func(ctx uintptr) uintptr {
		a := f.get(ctx).(*fakeAsset)
		if a.noVideo {
			return 0
		}
		return f.put(&fakeFormat{asset: a, refs: 1})
	}
	nativeStartReader = func(ctx uintptr) int32 {
		a := f.get(ctx).(*fakeAsset)
		a.startCount++
		a.rawStatus = rawReaderStatusReading
		return 0
	}
	nativeReadNextSample = func(ctx uintptr) uintptr {
		a := f.get(ctx).(*fakeAsset)
		if a.failAt > 0 && a.pos == a.failAt-1 {
			a.rawStatus = rawReaderStatusFailed
			f.setError("simulated source read failure")
			return 0
		}
		if a.pos >= len(a.samples) {
			a.rawStatus = rawReaderStatusCompleted
			return 0
		}
		h := f.put(&fakeSampleObj{asset: a, idx: a.pos})
		a.pos++
		return h
	}
	nativeReaderStatus = func(ctx uintptr) int32 {
		return f.get(ctx).(*fakeAsset).rawStatus
	}
	nativeSeekTo = func(ctx uintptr, sec float64) int32 {
		a := f.get(ctx).(*fakeAsset)
		a.pos = len(a.samples)
		for i, s := range a.samples {
			if s.pts >= sec {
				a.pos = i
				break
			}
		}
		a.rawStatus = rawReaderStatusCancelled
		return 0
	}
	nativePeekFirstPTS = func(ctx uintptr) float64 {
		a := f.get(ctx).(*fakeAsset)
		if a.pos >= len(a.samples) {
			return math.NaN()
		}
		return a.samples[a.pos].pts
	}

	nativeFormatRetain = func(fd uintptr) uintptr {
		fmtObj := f.get(fd).(*fakeFormat)
		atomic.AddInt32(&fmtObj.refs, 1)
		return fd
	}
	nativeFormatRelease = func(fd uintptr) {
		fmtObj, ok := f.get(fd).(*fakeFormat)
		if !ok {
			return
		}
		if atomic.AddInt32(&fmtObj.refs, -1) == 0 {
			f.del(fd)
		}
	}
	nativeSamplePTS = func(sb uintptr) float64 {
		o := f.get(sb).(*fakeSampleObj)
		return o.asset.samples[o.idx].pts
	}
	nativeSampleSize = func(sb uintptr) int {
		o := f.get(sb).(*fakeSampleObj)
		return o.asset.samples[o.idx].size
	}
	nativeSampleRelease = func(sb uintptr) { f.del(sb) }

	nativeSessionCreate = func(fd uintptr, dest DestinationConfig, token uintptr) (uintptr, int32) {
		if f.failSessionCreate {
			f.setError("simulated session create failure")
			return 0, -12909
		}
		fmtObj, ok := f.get(fd).(*fakeFormat)
		if !ok {
			f.setError("invalid format descriptor")
			return 0, -1
		}
		width, height := int(fmtObj.asset.props.Width), int(fmtObj.asset.props.Height)
		if dest.Width > 0 && dest.Height > 0 {
			width, height = dest.Width, dest.Height
		}
		sess := &fakeSessionObj{
			stack:  f,
			token:  token,
			dest:   dest,
			width:  width,
			height: height,
			jobs:   make(chan fakeJob, 64),
		}
		go sess.run()
		return f.put(sess), 0
	}
	nativeSessionDecode = func(sessH, sb uintptr) int32 {
		sess, ok := f.get(sessH).(*fakeSessionObj)
		if !ok || sess.invalidated.Load() {
			f.setError("decode on invalid session")
			return -1
		}
		o := f.get(sb).(*fakeSampleObj)
		sample := o.asset.samples[o.idx]

		job := fakeJob{pts: sample.pts, status: sample.badStatus}
		if job.status == 0 {
			surf := f.newFakeSurface(sess.width, sess.height, sample.pts)
			job.image = f.put(&fakeImageObj{surface: surf, refs: 1})
		}
		sess.wg.Add(1)
		sess.jobs <- job
		return 0
	}
	nativeSessionWaitAsync = func(sessH uintptr) {
		if sess, ok := f.get(sessH).(*fakeSessionObj); ok {
			sess.wg.Wait()
		}
	}
	nativeSessionInvalidate = func(sessH uintptr) {
		if sess, ok := f.get(sessH).(*fakeSessionObj); ok {
			sess.wg.Wait()
			sess.invalidated.Store(true)
			close(sess.jobs)
			f.del(sessH)
		}
	}

	nativeImageRetain = func(img uintptr) {
		atomic.AddInt32(&f.get(img).(*fakeImageObj).refs, 1)
	}
	nativeImageRelease = func(img uintptr) {
		o, ok := f.get(img).(*fakeImageObj)
		if !ok {
			return
		}
		if atomic.AddInt32(&o.refs, -1) == 0 {
			f.del(o.surface)
			f.del(img)
		}
	}
	nativeImageGetSurface = func(img uintptr) uintptr {
		return f.get(img).(*fakeImageObj).surface
	}

	nativeSurfaceLock = func(s uintptr) {
		o := f.get(s).(*fakeSurfaceObj)
		o.mu.Lock()
		o.lockCount++
		o.mu.Unlock()
	}
	nativeSurfaceUnlock = func(s uintptr) {
		o := f.get(s).(*fakeSurfaceObj)
		o.mu.Lock()
		o.lockCount--
		o.mu.Unlock()
	}
	nativeSurfacePlaneCount = func(s uintptr) int {
		return len(f.get(s).(*fakeSurfaceObj).planes)
	}
	nativeSurfacePixelFormat = func(s uintptr) uint32 {
		return uint32(f.get(s).(*fakeSurfaceObj).format)
	}
	nativeSurfacePlaneWidth = func(s uintptr, plane int) int {
		return f.get(s).(*fakeSurfaceObj).widths[plane]
	}
	nativeSurfacePlaneHeight = func(s uintptr, plane int) int {
		return f.get(s).(*fakeSurfaceObj).heights[plane]
	}
	nativeSurfacePlaneStride = func(s uintptr, plane int) int {
		return f.get(s).(*fakeSurfaceObj).strides[plane]
	}
	nativeSurfacePlaneBase = func(s uintptr, plane int) uintptr {
		o := f.get(s).(*fakeSurfaceObj)
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.lockCount == 0 {
			return 0
		}
		return uintptr(unsafe.Pointer(&o.planes[plane][0]))
	}

	nativeInstallFaultHandler = func() {
		f.mu.Lock()
		f.faultInstalls++
		f.mu.Unlock()
	}

	return f
}

// stackSnapshot captures every seam binding so tests can restore the real
// loader after swapping in a fake.
type stackSnapshot struct {
	loader func() error
	errMsg func() string

	ctxCreate  func(string) uintptr
	ctxRelease func(uintptr)
	props      func(uintptr) (videoPropertiesRaw, int32)
	copyFD     func(uintptr) uintptr
	start      func(uintptr) int32
	readNext   func(uintptr) uintptr
	status     func(uintptr) int32
	seek       func(uintptr, float64) int32
	peek       func(uintptr) float64

	fdRetain  func(uintptr) uintptr
	fdRelease func(uintptr)
	sbPTS     func(uintptr) float64
	sbSize    func(uintptr) int
	sbRelease func(uintptr)

	sessCreate     func(uintptr, DestinationConfig, uintptr) (uintptr, int32)
	sessDecode     func(uintptr, uintptr) int32
	sessWait       func(uintptr)
	sessInvalidate func(uintptr)

	imgRetain  func(uintptr)
	imgRelease func(uintptr)
	imgSurface func(uintptr) uintptr

	surfLock   func(uintptr)
	surfUnlock func(uintptr)
	surfCount  func(uintptr) int
	surfFormat func(uintptr) uint32
	surfWidth  func(uintptr, int) int
	surfHeight func(uintptr, int) int
	surfStride func(uintptr, int) int
	surfBase   func(uintptr, int) uintptr

	installFault func()
}

func snapshotStack() stackSnapshot {
	return stackSnapshot{
		loader: stackLoader, errMsg: nativeErrorMessage,
		ctxCreate: nativeContextCreate, ctxRelease: nativeContextRelease,
		props: nativeVideoProperties, copyFD: nativeCopyFormatDesc,
		start: nativeStartReader, readNext: nativeReadNextSample,
		status: nativeReaderStatus, seek: nativeSeekTo, peek: nativePeekFirstPTS,
		fdRetain: nativeFormatRetain, fdRelease: nativeFormatRelease,
		sbPTS: nativeSamplePTS, sbSize: nativeSampleSize, sbRelease: nativeSampleRelease,
		sessCreate: nativeSessionCreate, sessDecode: nativeSessionDecode,
		sessWait: nativeSessionWaitAsync, sessInvalidate: nativeSessionInvalidate,
		imgRetain: nativeImageRetain, imgRelease: nativeImageRelease, imgSurface: nativeImageGetSurface,
		surfLock: nativeSurfaceLock, surfUnlock: nativeSurfaceUnlock,
		surfCount: nativeSurfacePlaneCount, surfFormat: nativeSurfacePixelFormat,
		surfWidth: nativeSurfacePlaneWidth, surfHeight: nativeSurfacePlaneHeight,
		surfStride: nativeSurfacePlaneStride, surfBase: nativeSurfacePlaneBase,
		installFault: nativeInstallFaultHandler,
	}
}

func (s stackSnapshot) restore() {
	stackLoader, nativeErrorMessage = s.loader, s.errMsg
	nativeContextCreate, nativeContextRelease = s.ctxCreate, s.ctxRelease
	nativeVideoProperties, nativeCopyFormatDesc = s.props, s.copyFD
	nativeStartReader, nativeReadNextSample = s.start, s.readNext
	nativeReaderStatus, nativeSeekTo, nativePeekFirstPTS = s.status, s.seek, s.peek
	nativeFormatRetain, nativeFormatRelease = s.fdRetain, s.fdRelease
	nativeSamplePTS, nativeSampleSize, nativeSampleRelease = s.sbPTS, s.sbSize, s.sbRelease
	nativeSessionCreate, nativeSessionDecode = s.sessCreate, s.sessDecode
	nativeSessionWaitAsync, nativeSessionInvalidate = s.sessWait, s.sessInvalidate
	nativeImageRetain, nativeImageRelease, nativeImageGetSurface = s.imgRetain, s.imgRelease, s.imgSurface
	nativeSurfaceLock, nativeSurfaceUnlock = s.surfLock, s.surfUnlock
	nativeSurfacePlaneCount, nativeSurfacePixelFormat = s.surfCount, s.surfFormat
	nativeSurfacePlaneWidth, nativeSurfacePlaneHeight = s.surfWidth, s.surfHeight
	nativeSurfacePlaneStride, nativeSurfacePlaneBase = s.surfStride, s.surfBase
	nativeInstallFaultHandler = s.installFault
}

// testClip builds a synthetic 1920x1080 30fps asset with n evenly spaced
// samples, covering the common case across the reader and session tests.
func testClip(n int) *fakeAsset {
	samples := make([]fakeSample, n)
	for i := range samples {
		samples[i] = fakeSample{pts: float64(i) / 30.0, size: 4096 + i}
	}
	return &fakeAsset{
		props: videoPropertiesRaw{
			Width: 1920, Height: 1080,
			Duration:  float64(n) / 30.0,
			FrameRate: 30.0,
			TimeScale: 600,
		},
		samples: samples,
	}
}

func openTestAsset(t *testing.T, f *fakeStack, a *fakeAsset) *AssetContext {
	t.Helper()
	path := f.addAsset(t, "clip.mp4", a)
	ctx, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%s): %v", path, err)
	}
	t.Cleanup(ctx.Release)
	return ctx
}
