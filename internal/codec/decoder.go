package codec

import "log/slog"

// Decoder feeds chunked encoded frames to a Codec and gates readiness on
// chunk completeness: an image is only reported after every chunk of a frame
// arrived in order under one frame id. Chunks of a frame interrupted by a
// drop are abandoned without corrupting later frames.
//
// Decoder is not safe for concurrent use; the pipeline serializes access.
type Decoder struct {
	codec Codec

	// reassembly state for the frame currently being collected
	collecting bool
	idHi, idLo uint64
	nextChunk  uint32
	buf        []byte

	ready    *Image
	failures uint64
}

// NewDecoder constructs the engine through factory and wraps it.
func NewDecoder(factory Factory, targetWidth, targetHeight int, format PixelFormat, keepAspect bool) (*Decoder, error) {
	engine, err := factory(targetWidth, targetHeight, format, keepAspect)
	if err != nil {
		return nil, err
	}
	return &Decoder{codec: engine}, nil
}

// SetMetadata initializes the underlying engine. Call once on a fresh
// decoder, before any chunks.
func (d *Decoder) SetMetadata(codecName string, codecData []byte) error {
	return d.codec.SetMetadata(codecName, codecData)
}

// ProcessChunk submits one chunk of frame (idHi, idLo). index is 1-based;
// total is the chunk count for this frame. Single-chunk frames pass
// index=1, total=1.
func (d *Decoder) ProcessChunk(idHi, idLo uint64, chunk []byte, index, total uint32) {
	if total <= 1 {
		d.collecting = false
		d.decode(chunk)
		return
	}

	if index == 1 {
		d.collecting = true
		d.idHi, d.idLo = idHi, idLo
		d.nextChunk = 2
		d.buf = append(d.buf[:0], chunk...)
	} else {
		if !d.collecting || idHi != d.idHi || idLo != d.idLo || index != d.nextChunk {
			// A chunk went missing, the rest of this frame is unusable.
			d.collecting = false
			return
		}
		d.buf = append(d.buf, chunk...)
		d.nextChunk++
	}

	if index == total {
		d.collecting = false
		d.decode(d.buf)
	}
}

// decode hands one complete encoded frame to the engine. Failures are
// counted and logged; the decoder stays usable for the next frame.
func (d *Decoder) decode(data []byte) {
	image, err := d.codec.DecodeFrame(data)
	if err != nil {
		d.failures++
		slog.Error("frame decode failed", "error", err)
		return
	}
	if image != nil {
		d.ready = image
	}
}

// FrameReady reports whether a decoded image is waiting to be consumed.
func (d *Decoder) FrameReady() bool {
	return d.ready != nil
}

// Image returns the pending decoded image and clears readiness.
func (d *Decoder) Image() *Image {
	image := d.ready
	d.ready = nil
	return image
}

// Failures returns how many complete frames the engine rejected.
func (d *Decoder) Failures() uint64 {
	return d.failures
}

// Close releases the underlying engine.
func (d *Decoder) Close() {
	d.codec.Close()
}
