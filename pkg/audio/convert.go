package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const bitsPerSample = 16

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// BytesPerSecond returns the byte rate of 16-bit PCM in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * bitsPerSample / 8
}

// Duration returns the playback length of a 16-bit PCM buffer in format f.
// Returns 0 for invalid formats.
func Duration(pcm []byte, f Format) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(len(pcm)) * time.Second / time.Duration(bps)
}

// ToFloat32 down-mixes 16-bit signed little-endian PCM to mono float32
// samples normalised to [-1.0, 1.0] by averaging channels per frame. A
// trailing partial frame is ignored.
func ToFloat32(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / (2 * channels)
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sample := int16(binary.LittleEndian.Uint16(pcm[idx : idx+2]))
			sum += float32(sample) / 32768.0
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// RMS returns the root-mean-square energy of normalised samples. The result
// lies in [0, 1] for inputs in [-1, 1]. Returns 0 for an empty slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// StereoToMono averages each L+R int16 pair into a single mono sample.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)/2)))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. If the rates are equal or invalid the input is returned
// unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := int16(binary.LittleEndian.Uint16(pcm[idx*2:]))
		s1 := s0
		if idx+1 < srcSamples {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(idx+1)*2:]))
		}
		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// ToMono16 converts PCM in format from to mono at dstRate. Stereo input is
// down-mixed before resampling.
func ToMono16(pcm []byte, from Format, dstRate int) []byte {
	if from.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	return ResampleMono16(pcm, from.SampleRate, dstRate)
}

// ScaleVolume multiplies every int16 sample by gain, clamping to the int16
// range. A gain of 1 returns pcm unchanged.
func ScaleVolume(pcm []byte, gain float64) []byte {
	if gain == 1 || len(pcm) < 2 {
		return pcm
	}
	n := len(pcm) / 2
	out := make([]byte, n*2)
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) * gain
		v = math.Max(math.MinInt16, math.Min(math.MaxInt16, v))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// EncodeWAV wraps raw 16-bit signed little-endian PCM in a canonical 44-byte
// RIFF/WAV header.
func EncodeWAV(pcm []byte, f Format) []byte {
	byteRate := f.BytesPerSecond()
	blockAlign := f.Channels * bitsPerSample / 8
	size := len(pcm)

	buf := make([]byte, 44+size)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+size))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(size))
	copy(buf[44:], pcm)
	return buf
}

// ErrInvalidWAV is returned by [ParseWAV] for malformed containers.
var ErrInvalidWAV = errors.New("audio: invalid WAV data")

// ParseWAV walks the RIFF chunks of wav and returns the PCM payload and its
// format. Chunk sizes are honoured, so headers longer than 44 bytes parse
// correctly.
func ParseWAV(wav []byte) ([]byte, Format, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, Format{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	f := Format{SampleRate: 22050, Channels: 1}
	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch id {
		case "fmt ":
			if size >= 16 && offset+8+16 <= len(wav) {
				body := wav[offset+8:]
				f.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
				f.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			}
		case "data":
			start := offset + 8
			end := min(start+size, len(wav))
			return wav[start:end], f, nil
		}

		// Chunks are word-aligned.
		offset += 8 + size
		if size%2 != 0 {
			offset++
		}
	}
	return nil, Format{}, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}
