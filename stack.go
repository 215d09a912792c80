package hwdecode

// Binding points for the native media stack. Every entry point of
// libhwdecode_av is reached through one of these package-level function
// variables; the purego loader installs the real implementations and the
// package tests install an in-memory stack through the same seam.

// Raw reader status codes reported by the native stack.
const (
	rawReaderStatusUnknown   = 0
	rawReaderStatusReading   = 1
	rawReaderStatusCompleted = 2
	rawReaderStatusFailed    = 3
	rawReaderStatusCancelled = 4
)

// Native call status codes.
const (
	stackOK              = 0
	stackErrNoVideoTrack = -2
)

// videoPropertiesRaw mirrors the native hwdec_video_properties struct.
type videoPropertiesRaw struct {
	Width     int32
	Height    int32
	Duration  float64
	FrameRate float64
	TimeScale int32
}

var (
	// stackLoader loads the native library; nil means no backend was
	// compiled in for this platform.
	stackLoader func() error

	nativeErrorMessage func() string

	// Asset context and sample reader.
	nativeContextCreate   func(path string) uintptr
	nativeContextRelease  func(ctx uintptr)
	nativeVideoProperties func(ctx uintptr) (videoPropertiesRaw, int32)
	nativeCopyFormatDesc  func(ctx uintptr) uintptr
	nativeStartReader     func(ctx uintptr) int32
	nativeReadNextSample  func(ctx uintptr) uintptr
	nativeReaderStatus    func(ctx uintptr) int32
	nativeSeekTo          func(ctx uintptr, sec float64) int32
	nativePeekFirstPTS    func(ctx uintptr) float64

	// Format descriptors and sample buffers.
	nativeFormatRetain  func(fd uintptr) uintptr
	nativeFormatRelease func(fd uintptr)
	nativeSamplePTS     func(sb uintptr) float64
	nativeSampleSize    func(sb uintptr) int
	nativeSampleRelease func(sb uintptr)

	// Decompression sessions. Completions come back through
	// dispatchDecodeOutput keyed by the token passed at creation.
	nativeSessionCreate     func(fd uintptr, dest DestinationConfig, token uintptr) (uintptr, int32)
	nativeSessionDecode     func(sess, sb uintptr) int32
	nativeSessionWaitAsync  func(sess uintptr)
	nativeSessionInvalidate func(sess uintptr)

	// Decoded image buffers and their backing surfaces.
	nativeImageRetain     func(img uintptr)
	nativeImageRelease    func(img uintptr)
	nativeImageGetSurface func(img uintptr) uintptr

	// Surface plane access. Geometry may be queried unlocked; base addresses
	// only between lock and unlock.
	nativeSurfaceLock        func(s uintptr)
	nativeSurfaceUnlock      func(s uintptr)
	nativeSurfacePlaneCount  func(s uintptr) int
	nativeSurfacePixelFormat func(s uintptr) uint32
	nativeSurfacePlaneWidth  func(s uintptr, plane int) int
	nativeSurfacePlaneHeight func(s uintptr, plane int) int
	nativeSurfacePlaneStride func(s uintptr, plane int) int
	nativeSurfacePlaneBase   func(s uintptr, plane int) uintptr

	// Process-wide uncaught fault handler.
	nativeInstallFaultHandler func()
)

// ensureStack loads the native media stack, once.
func ensureStack() error {
	if stackLoader == nil {
		return ErrStackUnavailable
	}
	return stackLoader()
}

// IsNativeStackAvailable reports whether the native media stack library is
// loadable on this system.
func IsNativeStackAvailable() bool {
	return ensureStack() == nil
}

// stackError returns the native stack's last error message, if any.
func stackError() string {
	if nativeErrorMessage == nil {
		return "unknown error"
	}
	if msg := nativeErrorMessage(); msg != "" {
		return msg
	}
	return "unknown error"
}
