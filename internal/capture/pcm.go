package capture

import (
	"encoding/binary"
	"math"
)

// PCM16FromFloat32 converts float32 samples to little-endian 16-bit signed
// PCM, clamping to [-1, 1] before scaling.
func PCM16FromFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*32767)))
	}
	return out
}

// float32FromBytes reinterprets a little-endian f32 capture buffer as
// samples. frames is the sample count reported by the device callback.
func float32FromBytes(raw []byte, frames int) []float32 {
	if frames*4 > len(raw) {
		frames = len(raw) / 4
	}
	out := make([]float32, frames)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}
