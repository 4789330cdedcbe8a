package asrstage

// VADGate reports whether preprocessed audio contains speech ahead of
// inference (§4.4 step 2).
type VADGate interface {
	// IsSpeech reports whether pcm (mono float32 at the rate the gate
	// was constructed for) contains speech above its configured
	// threshold.
	IsSpeech(pcm []float32) (bool, error)
	Close()
}

// NewVADGate builds the voice-activity gate for opts. The default build
// has no bundled ONNX model and always reports speech present; building
// with -tags vad links the real Silero detector (vad_silero.go) and
// newVADGate is swapped to construct it, exactly as the teacher gates
// pkg/elements/vad_element.go behind the same build tag.
func NewVADGate(opts VADOptions, sampleRateHz int) (VADGate, error) {
	return newVADGate(opts, sampleRateHz)
}

type passthroughVADGate struct{}

func (passthroughVADGate) IsSpeech(pcm []float32) (bool, error) { return true, nil }
func (passthroughVADGate) Close()                               {}

var newVADGate = func(opts VADOptions, sampleRateHz int) (VADGate, error) {
	return passthroughVADGate{}, nil
}
