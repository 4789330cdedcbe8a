package ttsstage

import (
	"encoding/binary"
	"fmt"
)

// LinearInterpolationStretch is the §4.6 step 5 fallback time-stretcher,
// used only when the primary (external, pitch-preserving) tool is
// unavailable. It resamples in place, which also shifts pitch -- an
// accepted tradeoff of the fallback path.
func LinearInterpolationStretch(pcm []byte, speedFactor float64) ([]byte, error) {
	if speedFactor <= 0 {
		return nil, fmt.Errorf("invalid speed factor %f", speedFactor)
	}
	n := len(pcm) / 2
	if n == 0 {
		return pcm, nil
	}
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}

	outN := int(float64(n) / speedFactor)
	if outN < 1 {
		outN = 1
	}
	out := make([]byte, outN*2)
	for i := 0; i < outN; i++ {
		srcPos := float64(i) * speedFactor
		i0 := int(srcPos)
		if i0 >= n-1 {
			binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(samples[n-1]))
			continue
		}
		frac := srcPos - float64(i0)
		interp := float64(samples[i0])*(1-frac) + float64(samples[i0+1])*frac
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(int16(interp)))
	}
	return out, nil
}

// ExternalToolStretcher shells out to a rubberband-equivalent external
// tool for pitch-preserving time-stretch (§4.6 step 5 primary method).
// Run is injected so callers do not require the binary to be installed
// to exercise the rest of the pipeline in tests.
type ExternalToolStretcher struct {
	Run func(pcm []byte, sampleRateHz int, speedFactor float64) ([]byte, error)
}

func (s *ExternalToolStretcher) Name() string { return "rubberband" }

func (s *ExternalToolStretcher) Stretch(pcm []byte, sampleRateHz int, speedFactor float64) ([]byte, error) {
	if s.Run == nil {
		return nil, fmt.Errorf("external time-stretch tool not configured")
	}
	return s.Run(pcm, sampleRateHz, speedFactor)
}
