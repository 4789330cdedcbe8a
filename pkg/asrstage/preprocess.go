package asrstage

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/asticode/go-astiav"

	"github.com/realtime-ai/dubbingworker/pkg/audio"
)

// Preprocess implements §4.4 step 1 for mono input: bytes -> float32,
// polyphase resample to 16kHz (via pkg/audio.Resample, ffmpeg
// swresample bindings), high-pass Butterworth order 5 at 80Hz,
// pre-emphasis, peak normalization to unity.
//
// inputRate is the sample rate of the s16le PCM in raw. raw is read as
// mono s16le; Preprocess does no stereo-to-mono downmix (that is
// DownmixIfStereo, a separate function).
func Preprocess(raw []byte, inputRate int) ([]float32, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty audio payload")
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("odd-length PCM payload")
	}

	mono := raw

	const targetRate = 16000
	if inputRate != targetRate {
		resampled, err := resampleS16Mono(mono, inputRate, targetRate)
		if err != nil {
			return nil, fmt.Errorf("resample: %w", err)
		}
		mono = resampled
	}

	samples := s16BytesToFloat32(mono)
	samples = highPassButterworth(samples, targetRate, 80.0, 5)
	samples = preEmphasis(samples, 0.97)
	samples = peakNormalize(samples)
	return samples, nil
}

// DownmixIfStereo converts interleaved stereo s16le PCM to mono by
// averaging channels, matching §4.4's "stereo is downmixed" rule. The
// caller is expected to invoke this ahead of Preprocess using the
// fragment envelope's AudioSpec.Channels, the authoritative source of
// channel count (Preprocess itself assumes mono input).
func DownmixIfStereo(raw []byte, channels int) []byte {
	if channels != 2 {
		return raw
	}
	return downmixStereoS16(raw)
}

func downmixStereoS16(raw []byte) []byte {
	n := len(raw) / 4 // frames of 2 channels * 2 bytes
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		l := int16(binary.LittleEndian.Uint16(raw[i*4 : i*4+2]))
		r := int16(binary.LittleEndian.Uint16(raw[i*4+2 : i*4+4]))
		avg := int16((int32(l) + int32(r)) / 2)
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(avg))
	}
	return out
}

func resampleS16Mono(raw []byte, inRate, outRate int) ([]byte, error) {
	r, err := audio.NewResample(inRate, outRate, astiav.ChannelLayoutMono, astiav.ChannelLayoutMono)
	if err != nil {
		return nil, err
	}
	defer r.Free()
	return r.Resample(raw)
}

func s16BytesToFloat32(raw []byte) []float32 {
	n := len(raw) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
		out[i] = float32(v) / 32768.0
	}
	return out
}

// highPassButterworth applies an order-N Butterworth high-pass filter
// built from cascaded biquad sections (N/2 sections for even N; the
// spec calls for order 5, so one section runs as a single-pole stage).
func highPassButterworth(samples []float32, sampleRate int, cutoffHz float64, order int) []float32 {
	sections := order / 2
	remainder := order % 2
	out := samples

	if remainder == 1 {
		out = onePoleHighPass(out, sampleRate, cutoffHz)
	}
	for i := 0; i < sections; i++ {
		out = biquadHighPass(out, sampleRate, cutoffHz)
	}
	return out
}

func onePoleHighPass(x []float32, sampleRate int, cutoffHz float64) []float32 {
	rc := 1.0 / (2 * math.Pi * cutoffHz)
	dt := 1.0 / float64(sampleRate)
	alpha := rc / (rc + dt)

	out := make([]float32, len(x))
	var prevX, prevY float64
	for i, v := range x {
		xv := float64(v)
		y := alpha * (prevY + xv - prevX)
		out[i] = float32(y)
		prevX, prevY = xv, y
	}
	return out
}

// biquadHighPass implements a standard RBJ biquad high-pass section
// with Q=0.707 (Butterworth-flat response per cascaded section).
func biquadHighPass(x []float32, sampleRate int, cutoffHz float64) []float32 {
	w0 := 2 * math.Pi * cutoffHz / float64(sampleRate)
	cosW0 := math.Cos(w0)
	sinW0 := math.Sin(w0)
	q := 0.70710678
	alpha := sinW0 / (2 * q)

	b0 := (1 + cosW0) / 2
	b1 := -(1 + cosW0)
	b2 := (1 + cosW0) / 2
	a0 := 1 + alpha
	a1 := -2 * cosW0
	a2 := 1 - alpha

	b0, b1, b2 = b0/a0, b1/a0, b2/a0
	a1, a2 = a1/a0, a2/a0

	out := make([]float32, len(x))
	var x1, x2, y1, y2 float64
	for i, v := range x {
		xv := float64(v)
		y := b0*xv + b1*x1 + b2*x2 - a1*y1 - a2*y2
		out[i] = float32(y)
		x2, x1 = x1, xv
		y2, y1 = y1, y
	}
	return out
}

// preEmphasis applies y[n] = x[n] - coeff*x[n-1] per §4.4 step 1.
func preEmphasis(x []float32, coeff float32) []float32 {
	if len(x) == 0 {
		return x
	}
	out := make([]float32, len(x))
	out[0] = x[0]
	for i := 1; i < len(x); i++ {
		out[i] = x[i] - coeff*x[i-1]
	}
	return out
}

// peakNormalize scales samples so the peak absolute value is 1.0.
func peakNormalize(x []float32) []float32 {
	var peak float32
	for _, v := range x {
		a := v
		if a < 0 {
			a = -a
		}
		if a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return x
	}
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = v / peak
	}
	return out
}
