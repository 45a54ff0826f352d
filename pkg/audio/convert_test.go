package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/murmur/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestStereoToMono(t *testing.T) {
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	got := bytesToSamples(audio.StereoToMono(stereo))
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16(t *testing.T) {
	tests := []struct {
		name      string
		src, dst  int
		inSamples int
		wantLen   int
	}{
		{name: "downsample 48k to 16k", src: 48000, dst: 16000, inSamples: 480, wantLen: 160},
		{name: "upsample 16k to 48k", src: 16000, dst: 48000, inSamples: 160, wantLen: 480},
		{name: "same rate", src: 16000, dst: 16000, inSamples: 100, wantLen: 100},
		{name: "invalid rate", src: 0, dst: 16000, inSamples: 10, wantLen: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := samplesToBytes(make([]int16, tt.inSamples))
			out := audio.ResampleMono16(in, tt.src, tt.dst)
			if got := len(out) / 2; got != tt.wantLen {
				t.Errorf("samples: got %d, want %d", got, tt.wantLen)
			}
		})
	}
}

func TestToFloat32_Normalises(t *testing.T) {
	pcm := samplesToBytes([]int16{0, 16384, -32768})
	got := audio.ToFloat32(pcm, 1)
	want := []float32{0, 0.5, -1}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestToFloat32_Downmixes(t *testing.T) {
	pcm := samplesToBytes([]int16{16384, 0, -16384, -16384})
	got := audio.ToFloat32(pcm, 2)
	if len(got) != 2 {
		t.Fatalf("frames: got %d, want 2", len(got))
	}
	if got[0] != 0.25 || got[1] != -0.5 {
		t.Errorf("got %v, want [0.25 -0.5]", got)
	}
}

func TestRMS(t *testing.T) {
	if got := audio.RMS(nil); got != 0 {
		t.Errorf("RMS(nil) = %v, want 0", got)
	}
	if got := audio.RMS([]float32{0.5, -0.5, 0.5, -0.5}); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("RMS(square 0.5) = %v, want 0.5", got)
	}
}

func TestScaleVolume_Clamps(t *testing.T) {
	pcm := samplesToBytes([]int16{20000, -20000, 100})
	got := bytesToSamples(audio.ScaleVolume(pcm, 2))
	want := []int16{32767, -32768, 200}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestWAV_EncodeParse(t *testing.T) {
	f := audio.Format{SampleRate: 24000, Channels: 1}
	pcm := samplesToBytes([]int16{1, 2, 3, 4})
	wav := audio.EncodeWAV(pcm, f)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length: got %d, want %d", len(wav), 44+len(pcm))
	}
	gotPCM, gotFmt, err := audio.ParseWAV(wav)
	if err != nil {
		t.Fatalf("ParseWAV: %v", err)
	}
	if gotFmt != f {
		t.Errorf("format: got %v, want %v", gotFmt, f)
	}
	if string(gotPCM) != string(pcm) {
		t.Errorf("pcm mismatch")
	}
}

func TestParseWAV_Invalid(t *testing.T) {
	for _, in := range [][]byte{nil, []byte("RIFF0000WAVX"), []byte("RIFF\x00\x00\x00\x00WAVE")} {
		if _, _, err := audio.ParseWAV(in); !errors.Is(err, audio.ErrInvalidWAV) {
			t.Errorf("ParseWAV(%q): got %v, want ErrInvalidWAV", in, err)
		}
	}
}

func TestDuration(t *testing.T) {
	f := audio.Format{SampleRate: 16000, Channels: 1}
	if got := audio.Duration(make([]byte, 32000), f); got != time.Second {
		t.Errorf("Duration = %v, want 1s", got)
	}
	if got := audio.Duration(make([]byte, 10), audio.Format{}); got != 0 {
		t.Errorf("Duration(invalid) = %v, want 0", got)
	}
}

func TestFormatString(t *testing.T) {
	tests := map[audio.Format]string{
		{SampleRate: 16000, Channels: 1}: "16000Hz mono",
		{SampleRate: 48000, Channels: 2}: "48000Hz stereo",
		{SampleRate: 8000, Channels: 6}:  "8000Hz 6ch",
	}
	for f, want := range tests {
		if got := f.String(); got != want {
			t.Errorf("%#v.String() = %q, want %q", f, got, want)
		}
	}
}
