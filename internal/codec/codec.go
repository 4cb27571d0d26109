// Package codec adapts an external video decoder to the frame pipeline. The
// concrete decoding engine stays behind the Codec interface; this package
// only handles chunk reassembly and frame readiness.
package codec

// PixelFormat names the pixel layout requested for decoded images.
type PixelFormat string

const (
	PixelFormatRGB0 PixelFormat = "rgb0"
	PixelFormatBGR0 PixelFormat = "bgr0"
)

// Image is one decoded picture.
type Image struct {
	Pixels   []byte
	Width    int
	Height   int
	Linesize int // bytes per row
}

// Codec is the external decoding engine. Implementations bind a concrete
// codec library and scale output to the size they were constructed with.
type Codec interface {
	// SetMetadata initializes the engine with the stream's codec name and
	// extradata. It is called exactly once, before any frame data.
	SetMetadata(codecName string, codecData []byte) error
	// DecodeFrame consumes one complete encoded frame. It returns the decoded
	// image, or nil when the engine needs more input before emitting one.
	DecodeFrame(data []byte) (*Image, error)
	Close()
}

// Factory constructs a Codec producing images scaled to the requested size.
type Factory func(targetWidth, targetHeight int, format PixelFormat, keepAspect bool) (Codec, error)
