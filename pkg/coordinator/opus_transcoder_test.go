package coordinator

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/hraban/opus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpusTranscoderRoundTripsToCanonicalF32LE(t *testing.T) {
	const sampleRate = 16000
	const channels = 1
	const frameSamples = sampleRate * 20 / 1000 // 20ms frame

	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	require.NoError(t, err)

	pcm := make([]int16, frameSamples)
	for i := range pcm {
		pcm[i] = int16(1000 * math.Sin(float64(i)/10))
	}

	opusBuf := make([]byte, 1275)
	n, err := enc.Encode(pcm, opusBuf)
	require.NoError(t, err)

	transcoder := NewOpusTranscoder(sampleRate, channels)
	out, err := transcoder.Transcode(opusBuf[:n], "opus")
	require.NoError(t, err)
	require.NotEmpty(t, out)
	assert.Equal(t, 0, len(out)%4, "canonical PCM must be f32le-aligned")

	first := math.Float32frombits(binary.LittleEndian.Uint32(out[0:4]))
	assert.InDelta(t, 0.0, first, 1.0)
}

func TestOpusTranscoderRejectsUnknownSourceFormat(t *testing.T) {
	transcoder := NewOpusTranscoder(16000, 1)
	_, err := transcoder.Transcode([]byte("pcm"), "pcm_s16le")
	assert.Error(t, err)
}
