package audio

// G.711 mu-law codec helpers for the 8 kHz telephony path.

const (
	mulawBias = 0x84
	mulawClip = 32635

	// MulawSilence is the mu-law byte value for a zero-amplitude sample.
	// The codec has two zero codes; 0xFF is the negative one, and it is
	// what EncodeMulawSample produces for sample 0.
	MulawSilence    = 0x7F
	MulawSilenceNeg = 0xFF
)

// DecodeMulawSample converts a single mu-law byte to a linear PCM sample.
func DecodeMulawSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	magnitude := ((int32(mantissa) << 3) + mulawBias) << exponent
	magnitude -= mulawBias

	if sign != 0 {
		return int16(-magnitude)
	}
	return int16(magnitude)
}

// MulawToPCM converts mu-law bytes to linear PCM int16 samples.
func MulawToPCM(mulaw []byte) []int16 {
	pcm := make([]int16, len(mulaw))
	for i, val := range mulaw {
		pcm[i] = DecodeMulawSample(val)
	}
	return pcm
}

// EncodeMulawSample converts a linear PCM sample to a mu-law byte.
func EncodeMulawSample(pcm int16) byte {
	sign := uint8(0)
	sample := int32(pcm)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}

	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	var exponent uint8
	switch {
	case sample >= 0x4000:
		exponent = 7
	case sample >= 0x2000:
		exponent = 6
	case sample >= 0x1000:
		exponent = 5
	case sample >= 0x800:
		exponent = 4
	case sample >= 0x400:
		exponent = 3
	case sample >= 0x200:
		exponent = 2
	case sample >= 0x100:
		exponent = 1
	default:
		exponent = 0
	}
	mantissa := uint8((sample >> (exponent + 3)) & 0x0F)

	return ^(sign | (exponent << 4) | mantissa)
}

// PCMToMulaw converts linear PCM int16 samples to mu-law bytes.
func PCMToMulaw(pcm []int16) []byte {
	mulaw := make([]byte, len(pcm))
	for i, val := range pcm {
		mulaw[i] = EncodeMulawSample(val)
	}
	return mulaw
}
