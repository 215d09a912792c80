package hwdecode

import "errors"

// Error taxonomy for the decode pipeline. Synchronous operations wrap these
// sentinels with detail; match with errors.Is.
var (
	// ErrStackUnavailable means the native media stack library could not be
	// loaded on this platform.
	ErrStackUnavailable = errors.New("native media stack not available")

	// ErrAssetOpen means the path does not resolve to a readable media
	// resource or the container format is unsupported.
	ErrAssetOpen = errors.New("failed to open media asset")

	// ErrNoVideoTrack means the opened asset carries no video track.
	ErrNoVideoTrack = errors.New("asset has no video track")

	// ErrReaderStart means Start was called twice or after a terminal state.
	ErrReaderStart = errors.New("reader start not permitted")

	// ErrSeekOutOfRange means the seek target lies outside the asset duration.
	ErrSeekOutOfRange = errors.New("seek target out of range")

	// ErrReaderFailed means the source stream errored mid-read. Terminal for
	// the reader until a successful seek resets it.
	ErrReaderFailed = errors.New("sample reader failed")

	// ErrSessionCreate means the hardware decode engine rejected the format
	// or no decoder resource was available.
	ErrSessionCreate = errors.New("failed to create decompression session")

	// ErrDecodeSubmit means a sample was rejected synchronously: malformed,
	// already consumed, or submitted to an invalidated session.
	ErrDecodeSubmit = errors.New("decode submission rejected")

	// ErrInvalidPlaneIndex means a plane accessor was called with an index
	// outside the surface's plane count.
	ErrInvalidPlaneIndex = errors.New("invalid plane index")

	// ErrSurfaceNotLocked means plane memory was accessed, or Unlock called,
	// without a matching LockReadonly.
	ErrSurfaceNotLocked = errors.New("surface not locked")
)
