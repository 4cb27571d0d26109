// Package pipeline reassembles, decodes and dispatches video frames arriving
// as channel messages.
package pipeline

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"time"

	"github.com/sandipnd/satori-video-bot/internal/util"
)

// FrameID identifies one encoded frame on the frames channel. Ids are
// monotonic per stream.
type FrameID struct {
	Hi uint64
	Lo uint64
}

// NetworkFrame is one frames-channel message, possibly one chunk of a larger
// encoded frame.
type NetworkFrame struct {
	Data    []byte // decoded chunk bytes
	ID      FrameID
	RTPTime uint32    // zero when the source sent none
	NTPTime time.Time // zero when the source sent none
	Chunk   uint32    // 1-based chunk index
	Chunks  uint32    // total chunks for this frame
}

// Metadata describes the codec for the current stream.
type Metadata struct {
	CodecName string
	CodecData []byte
}

// Equal compares both fields.
func (m Metadata) Equal(other Metadata) bool {
	return m.CodecName == other.CodecName && bytes.Equal(m.CodecData, other.CodecData)
}

// ParseNetworkFrame decodes a frames-channel message: base64 payload under
// "d", the two-part frame id under "i", optional rtp/ntp timestamps under
// "rt" and "t", and an optional chunk index and total under "c" and "l".
func ParseNetworkFrame(message any) (NetworkFrame, error) {
	doc, ok := message.(map[string]any)
	if !ok {
		return NetworkFrame{}, fmt.Errorf("frame message is not an object")
	}

	payload, ok := doc["d"].(string)
	if !ok {
		return NetworkFrame{}, fmt.Errorf("frame message has no payload")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return NetworkFrame{}, util.WrapError("decode frame payload", err)
	}

	rawID, ok := doc["i"].([]any)
	if !ok || len(rawID) != 2 {
		return NetworkFrame{}, fmt.Errorf("frame message has no id")
	}
	hi, okHi := util.AsUint64(rawID[0])
	lo, okLo := util.AsUint64(rawID[1])
	if !okHi || !okLo {
		return NetworkFrame{}, fmt.Errorf("frame id is not numeric")
	}

	frame := NetworkFrame{
		Data:   data,
		ID:     FrameID{Hi: hi, Lo: lo},
		Chunk:  1,
		Chunks: 1,
	}

	if raw, ok := doc["rt"]; ok {
		if rt, ok := util.AsUint64(raw); ok {
			frame.RTPTime = uint32(rt)
		}
	}
	if raw, ok := doc["t"]; ok {
		if ntp, ok := util.AsFloat64(raw); ok && ntp > 0 {
			seconds, fraction := math.Modf(ntp)
			frame.NTPTime = time.Unix(int64(seconds), int64(fraction*float64(time.Second)))
		}
	}
	if raw, ok := doc["c"]; ok {
		chunk, okChunk := util.AsUint64(raw)
		total, okTotal := util.AsUint64(doc["l"])
		if !okChunk || !okTotal || chunk == 0 || total == 0 {
			return NetworkFrame{}, fmt.Errorf("invalid chunk fields")
		}
		frame.Chunk = uint32(chunk)
		frame.Chunks = uint32(total)
	}

	return frame, nil
}

// ParseMetadata decodes a metadata-channel message: the codec name under
// "codecName" and optional base64 extradata under "codecData".
func ParseMetadata(message any) (Metadata, error) {
	doc, ok := message.(map[string]any)
	if !ok {
		return Metadata{}, fmt.Errorf("metadata message is not an object")
	}

	name, ok := doc["codecName"].(string)
	if !ok || name == "" {
		return Metadata{}, fmt.Errorf("metadata message has no codecName")
	}

	metadata := Metadata{CodecName: name}
	if raw, ok := doc["codecData"].(string); ok && raw != "" {
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return Metadata{}, util.WrapError("decode codec data", err)
		}
		metadata.CodecData = data
	}
	return metadata, nil
}
