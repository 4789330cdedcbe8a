package coordinator

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hraban/opus"
)

// maxOpusFrameSamples bounds one Opus frame's decoded sample count at
// 120ms, the largest frame duration the codec defines.
const maxOpusFrameSamples = 48000 * 120 / 1000

// OpusTranscoder decodes Opus-encoded fragment audio into canonical
// mono pcm_f32le, the one non-canonical wire format named in §6.3.
// Adapted from pkg/connection.WebRTCConnection's decode path, which
// uses the same hraban/opus Decoder for inbound RTP payloads.
type OpusTranscoder struct {
	SampleRateHz int
	Channels     int
}

func NewOpusTranscoder(sampleRateHz, channels int) *OpusTranscoder {
	return &OpusTranscoder{SampleRateHz: sampleRateHz, Channels: channels}
}

func (t *OpusTranscoder) Transcode(raw []byte, sourceFormat string) ([]byte, error) {
	if sourceFormat != "opus" {
		return nil, fmt.Errorf("opus transcoder: unsupported source format %q", sourceFormat)
	}

	dec, err := opus.NewDecoder(t.SampleRateHz, t.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus transcoder: create decoder: %w", err)
	}

	pcm := make([]int16, maxOpusFrameSamples*t.Channels)
	n, err := dec.Decode(raw, pcm)
	if err != nil {
		return nil, fmt.Errorf("opus transcoder: decode: %w", err)
	}

	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		f := float32(pcm[i]) / 32768.0
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(f))
	}
	return out, nil
}
