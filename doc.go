// Package hwdecode provides a hardware-accelerated video decode pipeline in
// Go, backed by a native media stack wrapper (libhwdecode_av).
//
// Key pieces include:
//   - AssetContext: an opened media asset plus its static video properties
//   - SampleReader: synchronous, seekable pull of encoded samples in
//     presentation order
//   - FormatDescriptor: codec configuration shared by reader and decoder
//   - DecompressionSession: asynchronous hardware decode with callback output
//   - Surface: zero-copy, multi-plane decoded frame memory for GPU import
//   - InstallUncaughtFaultHandler: containment of faults raised inside the
//     native media stack
//
// # Architecture
//
//	Open -> AssetContext -> FormatDescriptor -> NewDecompressionSession
//	SampleReader -> SampleBuffer -> DecodeFrame -> OutputCallback -> Surface
//
// Reading is synchronous on the caller's thread; decoding is asynchronous and
// completions are delivered on engine threads in submission order. Call
// WaitAsync to drain in-flight decodes before relying on ordering or tearing
// a session down.
//
// # Native Library
//
// Bindings load libhwdecode_av built from the native shim into build/.
// Set HWDECODE_LIB_PATH to the directory containing the library. The package
// uses purego (CGO_ENABLED=0); availability is probed at runtime with
// IsNativeStackAvailable.
package hwdecode
