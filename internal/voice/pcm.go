// Package voice streams microphone audio to the speech socket and tracks the
// recognition status reported back.
package voice

import (
	"encoding/binary"
	"fmt"
	"math"
)

// TargetRate is the sample rate the speech socket expects.
const TargetRate = 16000

// Resample converts float samples at srcRate to 16-bit PCM at dstRate by
// nearest-lower index picking. Samples are clamped to [-1, 1].
func Resample(samples []float32, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || len(samples) == 0 {
		return nil
	}

	ratio := float64(srcRate) / float64(dstRate)
	n := int(math.Floor(float64(len(samples)) / ratio))
	out := make([]int16, n)
	for i := range out {
		idx := int(math.Floor(float64(i) * ratio))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		s := math.Max(-1, math.Min(1, float64(samples[idx])))
		if s < 0 {
			out[i] = int16(s * 0x8000)
		} else {
			out[i] = int16(s * 0x7FFF)
		}
	}
	return out
}

// EncodePCM lays out pcm as little-endian bytes.
func EncodePCM(pcm []int16) []byte {
	buf := make([]byte, 2*len(pcm))
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	return buf
}

// DecodeFloat32 reads raw little-endian float32 mono samples.
func DecodeFloat32(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("raw float32 audio has %d trailing bytes", len(data)%4)
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}
