package hwdecode

// PixelFormat identifies the pixel format negotiated at session creation,
// using the native stack's fourcc values.
type PixelFormat uint32

const (
	// PixelFormatNV12 is 8-bit bi-planar YUV 4:2:0, video range ('420v').
	PixelFormatNV12 PixelFormat = 0x34323076
	// PixelFormatNV12FullRange is 8-bit bi-planar YUV 4:2:0, full range ('420f').
	PixelFormatNV12FullRange PixelFormat = 0x34323066
	// PixelFormatP010 is 10-bit bi-planar YUV 4:2:0, video range ('x420').
	PixelFormatP010 PixelFormat = 0x78343230
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatNV12FullRange:
		return "NV12FullRange"
	case PixelFormatP010:
		return "P010"
	default:
		return "Unknown"
	}
}

// PlaneCount returns the number of planes for this pixel format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatNV12, PixelFormatNV12FullRange, PixelFormatP010:
		return 2 // Y, interleaved UV
	default:
		return 0
	}
}

// BytesPerPixelOfPlane returns the packed bytes per pixel for one plane of
// this format. Strides reported by the hardware may exceed
// width*BytesPerPixelOfPlane due to alignment.
func (p PixelFormat) BytesPerPixelOfPlane(plane int) int {
	switch p {
	case PixelFormatNV12, PixelFormatNV12FullRange:
		switch plane {
		case 0:
			return 1 // Y
		case 1:
			return 2 // UV pair
		}
	case PixelFormatP010:
		switch plane {
		case 0:
			return 2 // 16-bit Y
		case 1:
			return 4 // 16-bit UV pair
		}
	}
	return 0
}

// VideoFrame is a decoded frame copied into CPU-addressable memory, produced
// by the Standard destination. Planes are tightly packed per Stride.
type VideoFrame struct {
	Data   [][]byte    // plane data
	Stride []int       // stride per plane in bytes
	Width  int         // frame width in pixels
	Height int         // frame height in pixels
	Format PixelFormat // pixel format
	PTS    float64     // presentation timestamp in seconds
}

// Clone creates a deep copy of the video frame.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		Data:   make([][]byte, len(f.Data)),
		Stride: make([]int, len(f.Stride)),
		Width:  f.Width,
		Height: f.Height,
		Format: f.Format,
		PTS:    f.PTS,
	}
	copy(clone.Stride, f.Stride)
	for i, plane := range f.Data {
		if plane != nil {
			clone.Data[i] = make([]byte, len(plane))
			copy(clone.Data[i], plane)
		}
	}
	return clone
}

// NV12Size returns the total buffer size needed for an NV12 frame.
func NV12Size(width, height int) int {
	// Y plane: width * height
	// UV plane: width * (height/2)
	return width*height + width*(height/2)
}
