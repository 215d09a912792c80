//go:build darwin || linux

// Native media stack bindings for libhwdecode_av using purego.

package hwdecode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	hwdecOnce    sync.Once
	hwdecHandle  uintptr
	hwdecInitErr error
)

// libhwdecode_av function pointers, registered verbatim against the shim's
// exported symbols. The Go-level seam in stack.go wraps these.
var (
	rawContextCreate      func(path uintptr) uintptr
	rawContextRelease     func(ctx uintptr)
	rawGetVideoProperties func(ctx uintptr, out uintptr) int32
	rawCopyFormatDesc     func(ctx uintptr) uintptr
	rawFormatRetain       func(fd uintptr) uintptr
	rawFormatRelease      func(fd uintptr)
	rawStartReader        func(ctx uintptr) int32
	rawReadNextSample     func(ctx uintptr) uintptr
	rawReaderStatus       func(ctx uintptr) int32
	rawSeekTo             func(ctx uintptr, sec float64) int32
	rawPeekFirstPTS       func(ctx uintptr) float64
	rawSamplePTS          func(sb uintptr) float64
	rawSampleSize         func(sb uintptr) int32
	rawSampleRelease      func(sb uintptr)

	rawSessionCreate     func(fd, destAttrs, callback, refcon, outSess uintptr) int32
	rawDestAttrs         func() uintptr
	rawDestAttrsScaled   func(width, height int32) uintptr
	rawSurfaceDestAttrs  func(width, height int32) uintptr
	rawAttrsRelease      func(attrs uintptr)
	rawSessionDecode     func(sess, sb uintptr) int32
	rawSessionWaitAsync  func(sess uintptr)
	rawSessionInvalidate func(sess uintptr)

	rawImageRetain     func(img uintptr)
	rawImageRelease    func(img uintptr)
	rawImageGetSurface func(img uintptr) uintptr

	rawSurfaceLockReadonly  func(s uintptr)
	rawSurfaceUnlock        func(s uintptr)
	rawSurfacePlaneCount    func(s uintptr) int32
	rawSurfacePixelFormat   func(s uintptr) uint32
	rawSurfacePlaneWidth    func(s uintptr, plane uint64) uint64
	rawSurfacePlaneHeight   func(s uintptr, plane uint64) uint64
	rawSurfacePlaneStride   func(s uintptr, plane uint64) uint64
	rawSurfacePlaneBase     func(s uintptr, plane uint64) uintptr
	rawInstallFaultHandler  func(callback uintptr)
	rawGetError             func() uintptr
)

// Shared purego callbacks. NewCallback is limited to a small number of
// trampolines per process, so each is created exactly once and routed by the
// token carried in the refcon.
var (
	decodeCallbackOnce sync.Once
	decodeCallback     uintptr
	faultCallbackOnce  sync.Once
	faultCallback      uintptr
)

func decodeOutputTrampoline(refcon uintptr, status int32, image uintptr, ptsUs int64) {
	dispatchDecodeOutput(refcon, status, image, float64(ptsUs)/1e6)
}

func faultTrampoline(name, reason, callstack uintptr) {
	handleUncaughtFault(goStringFromPtr(name), goStringFromPtr(reason), goStringFromPtr(callstack))
}

func init() {
	stackLoader = loadNativeStack
}

func loadNativeStack() error {
	hwdecOnce.Do(func() {
		hwdecInitErr = loadNativeStackLib()
		if hwdecInitErr == nil {
			installStackFuncs()
		}
	})
	if hwdecInitErr != nil {
		return fmt.Errorf("%w: %v", ErrStackUnavailable, hwdecInitErr)
	}
	return nil
}

func loadNativeStackLib() error {
	paths := getStackLibPaths()

	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			hwdecHandle = handle
			loadStackSymbols()
			return nil
		}
		lastErr = err
	}

	if lastErr != nil {
		return fmt.Errorf("failed to load libhwdecode_av: %w", lastErr)
	}
	return errors.New("libhwdecode_av not found in any standard location")
}

func getStackLibPaths() []string {
	var paths []string

	libName := "libhwdecode_av.so"
	if runtime.GOOS == "darwin" {
		libName = "libhwdecode_av.dylib"
	}

	// Environment variable override (highest priority)
	if envPath := os.Getenv("HWDECODE_LIB_PATH"); envPath != "" {
		paths = append(paths, filepath.Join(envPath, libName))
	}

	// Search relative to executable location
	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, libName),
			filepath.Join(exeDir, "..", "lib", libName),
		)
	}

	// Search relative to working directory and module root
	if wd, err := os.Getwd(); err == nil {
		paths = append(paths,
			filepath.Join(wd, "build", libName),
			filepath.Join(wd, "..", "build", libName),
			filepath.Join(wd, "..", "..", "build", libName),
		)
	}
	if moduleRoot := findModuleRoot(); moduleRoot != "" {
		paths = append(paths, filepath.Join(moduleRoot, "build", libName))
	}

	// System paths (lowest priority)
	switch runtime.GOOS {
	case "darwin":
		paths = append(paths,
			libName,
			"/usr/local/lib/"+libName,
			"/opt/homebrew/lib/"+libName,
		)
	case "linux":
		paths = append(paths,
			libName,
			"/usr/local/lib/"+libName,
			"/usr/lib/"+libName,
		)
	}

	return paths
}

func loadStackSymbols() {
	purego.RegisterLibFunc(&rawContextCreate, hwdecHandle, "hwdec_av_context_create")
	purego.RegisterLibFunc(&rawContextRelease, hwdecHandle, "hwdec_av_context_release")
	purego.RegisterLibFunc(&rawGetVideoProperties, hwdecHandle, "hwdec_av_get_video_properties")
	purego.RegisterLibFunc(&rawCopyFormatDesc, hwdecHandle, "hwdec_av_copy_track_format_desc")
	purego.RegisterLibFunc(&rawFormatRetain, hwdecHandle, "hwdec_av_format_desc_retain")
	purego.RegisterLibFunc(&rawFormatRelease, hwdecHandle, "hwdec_av_format_desc_release")
	purego.RegisterLibFunc(&rawStartReader, hwdecHandle, "hwdec_av_start_reader")
	purego.RegisterLibFunc(&rawReadNextSample, hwdecHandle, "hwdec_av_read_next_sample")
	purego.RegisterLibFunc(&rawReaderStatus, hwdecHandle, "hwdec_av_reader_status")
	purego.RegisterLibFunc(&rawSeekTo, hwdecHandle, "hwdec_av_seek_to")
	purego.RegisterLibFunc(&rawPeekFirstPTS, hwdecHandle, "hwdec_av_peek_first_sample_pts")
	purego.RegisterLibFunc(&rawSamplePTS, hwdecHandle, "hwdec_av_sample_pts")
	purego.RegisterLibFunc(&rawSampleSize, hwdecHandle, "hwdec_av_sample_size")
	purego.RegisterLibFunc(&rawSampleRelease, hwdecHandle, "hwdec_av_sample_release")

	purego.RegisterLibFunc(&rawSessionCreate, hwdecHandle, "hwdec_av_session_create")
	purego.RegisterLibFunc(&rawDestAttrs, hwdecHandle, "hwdec_av_create_destination_attributes")
	purego.RegisterLibFunc(&rawDestAttrsScaled, hwdecHandle, "hwdec_av_create_destination_attributes_scaled")
	purego.RegisterLibFunc(&rawSurfaceDestAttrs, hwdecHandle, "hwdec_av_create_surface_destination_attributes")
	purego.RegisterLibFunc(&rawAttrsRelease, hwdecHandle, "hwdec_av_attributes_release")
	purego.RegisterLibFunc(&rawSessionDecode, hwdecHandle, "hwdec_av_session_decode")
	purego.RegisterLibFunc(&rawSessionWaitAsync, hwdecHandle, "hwdec_av_session_wait_async")
	purego.RegisterLibFunc(&rawSessionInvalidate, hwdecHandle, "hwdec_av_session_invalidate")

	purego.RegisterLibFunc(&rawImageRetain, hwdecHandle, "hwdec_av_image_retain")
	purego.RegisterLibFunc(&rawImageRelease, hwdecHandle, "hwdec_av_image_release")
	purego.RegisterLibFunc(&rawImageGetSurface, hwdecHandle, "hwdec_av_image_get_surface")

	purego.RegisterLibFunc(&rawSurfaceLockReadonly, hwdecHandle, "hwdec_av_surface_lock_readonly")
	purego.RegisterLibFunc(&rawSurfaceUnlock, hwdecHandle, "hwdec_av_surface_unlock")
	purego.RegisterLibFunc(&rawSurfacePlaneCount, hwdecHandle, "hwdec_av_surface_plane_count")
	purego.RegisterLibFunc(&rawSurfacePixelFormat, hwdecHandle, "hwdec_av_surface_pixel_format")
	purego.RegisterLibFunc(&rawSurfacePlaneWidth, hwdecHandle, "hwdec_av_surface_width_of_plane")
	purego.RegisterLibFunc(&rawSurfacePlaneHeight, hwdecHandle, "hwdec_av_surface_height_of_plane")
	purego.RegisterLibFunc(&rawSurfacePlaneStride, hwdecHandle, "hwdec_av_surface_bytes_per_row_of_plane")
	purego.RegisterLibFunc(&rawSurfacePlaneBase, hwdecHandle, "hwdec_av_surface_base_address_of_plane")
	purego.RegisterLibFunc(&rawInstallFaultHandler, hwdecHandle, "hwdec_av_install_fault_handler")
	purego.RegisterLibFunc(&rawGetError, hwdecHandle, "hwdec_av_get_error")
}

// installStackFuncs wires the registered shim symbols into the package seam.
func installStackFuncs() {
	nativeErrorMessage = func() string {
		return goStringFromPtr(rawGetError())
	}

	nativeContextCreate = func(path string) uintptr {
		cPath := append([]byte(path), 0)
		ctx := rawContextCreate(uintptr(unsafe.Pointer(&cPath[0])))
		runtime.KeepAlive(cPath)
		return ctx
	}
	nativeContextRelease = rawContextRelease
	nativeVideoProperties = func(ctx uintptr) (videoPropertiesRaw, int32) {
		// Heap-allocated out struct: stack output parameters can fail with
		// purego on arm64 when the GC moves the goroutine stack mid-call.
		out := new(videoPropertiesRaw)
		status := rawGetVideoProperties(ctx, uintptr(unsafe.Pointer(out)))
		return *out, status
	}
	nativeCopyFormatDesc = rawCopyFormatDesc
	nativeStartReader = rawStartReader
	nativeReadNextSample = rawReadNextSample
	nativeReaderStatus = rawReaderStatus
	nativeSeekTo = rawSeekTo
	nativePeekFirstPTS = rawPeekFirstPTS

	nativeFormatRetain = rawFormatRetain
	nativeFormatRelease = rawFormatRelease
	nativeSamplePTS = rawSamplePTS
	nativeSampleSize = func(sb uintptr) int { return int(rawSampleSize(sb)) }
	nativeSampleRelease = rawSampleRelease

	nativeSessionCreate = func(fd uintptr, dest DestinationConfig, token uintptr) (uintptr, int32) {
		decodeCallbackOnce.Do(func() {
			decodeCallback = purego.NewCallback(decodeOutputTrampoline)
		})

		var attrs uintptr
		switch dest.Mode {
		case DestinationZeroCopySurface:
			attrs = rawSurfaceDestAttrs(int32(dest.Width), int32(dest.Height))
		default:
			if dest.Width > 0 && dest.Height > 0 {
				attrs = rawDestAttrsScaled(int32(dest.Width), int32(dest.Height))
			} else {
				attrs = rawDestAttrs()
			}
		}
		if attrs == 0 {
			return 0, -1
		}

		sessOut := new(uintptr)
		status := rawSessionCreate(fd, attrs, decodeCallback, token, uintptr(unsafe.Pointer(sessOut)))
		// The session retains the attributes it needs.
		rawAttrsRelease(attrs)
		return *sessOut, status
	}
	nativeSessionDecode = rawSessionDecode
	nativeSessionWaitAsync = rawSessionWaitAsync
	nativeSessionInvalidate = rawSessionInvalidate

	nativeImageRetain = rawImageRetain
	nativeImageRelease = rawImageRelease
	nativeImageGetSurface = rawImageGetSurface

	nativeSurfaceLock = rawSurfaceLockReadonly
	nativeSurfaceUnlock = rawSurfaceUnlock
	nativeSurfacePlaneCount = func(s uintptr) int { return int(rawSurfacePlaneCount(s)) }
	nativeSurfacePixelFormat = rawSurfacePixelFormat
	nativeSurfacePlaneWidth = func(s uintptr, plane int) int { return int(rawSurfacePlaneWidth(s, uint64(plane))) }
	nativeSurfacePlaneHeight = func(s uintptr, plane int) int { return int(rawSurfacePlaneHeight(s, uint64(plane))) }
	nativeSurfacePlaneStride = func(s uintptr, plane int) int { return int(rawSurfacePlaneStride(s, uint64(plane))) }
	nativeSurfacePlaneBase = func(s uintptr, plane int) uintptr { return rawSurfacePlaneBase(s, uint64(plane)) }

	nativeInstallFaultHandler = func() {
		faultCallbackOnce.Do(func() {
			faultCallback = purego.NewCallback(faultTrampoline)
		})
		rawInstallFaultHandler(faultCallback)
	}
}

// goStringFromPtr converts a C string pointer to a Go string.
func goStringFromPtr(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	p := unsafe.Pointer(ptr)
	var length int
	for {
		if *(*byte)(unsafe.Pointer(uintptr(p) + uintptr(length))) == 0 {
			break
		}
		length++
		if length > 4096 { // Safety limit
			break
		}
	}
	if length == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(p), length))
}

// findModuleRoot walks up the directory tree from the current working
// directory to find the module root (directory containing go.mod).
func findModuleRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
