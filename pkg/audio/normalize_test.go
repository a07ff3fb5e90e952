package audio

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// pcm16 encodes int16 samples as little-endian bytes.
func pcm16(samples ...int16) []byte {
	buf := new(bytes.Buffer)
	for _, s := range samples {
		binary.Write(buf, binary.LittleEndian, s)
	}
	return buf.Bytes()
}

func TestFormatValid(t *testing.T) {
	cases := []struct {
		f    Format
		want bool
	}{
		{Format{16000, 1}, true},
		{Format{48000, 2}, true},
		{Format{8000, 1}, true},
		{Format{96000, 1}, false},
		{Format{4000, 1}, false},
		{Format{16000, 3}, false},
		{Format{16000, 0}, false},
	}
	for _, tc := range cases {
		if got := tc.f.Valid(); got != tc.want {
			t.Errorf("%s.Valid() = %v, want %v", tc.f, got, tc.want)
		}
	}
}

func TestNormalizePassthrough(t *testing.T) {
	n := NewNormalizer(Engine())
	if !n.Passthrough() {
		t.Fatal("Passthrough() = false for engine format")
	}
	in := pcm16(100, -200, 300)
	got := n.Normalize(in)
	if &got[0] != &in[0] {
		t.Error("passthrough copied the frame")
	}
}

func TestNormalizeDropsOddFrames(t *testing.T) {
	n := NewNormalizer(Format{48000, 2})
	if got := n.Normalize([]byte{1, 2, 3}); got != nil {
		t.Errorf("Normalize(odd) = %v, want nil", got)
	}
}

func TestStereoToMono(t *testing.T) {
	in := pcm16(100, 200, -100, -300)
	got := StereoToMono(in)
	want := pcm16(150, -200)
	if !bytes.Equal(got, want) {
		t.Errorf("StereoToMono = %v, want %v", got, want)
	}
}

func TestStereoToMonoClamps(t *testing.T) {
	in := pcm16(-32768, -32768)
	got := StereoToMono(in)
	want := pcm16(-32768)
	if !bytes.Equal(got, want) {
		t.Errorf("StereoToMono = %v, want %v", got, want)
	}
}

func TestResampleMono16Halves(t *testing.T) {
	// 8 samples at 32 kHz resample to 4 samples at 16 kHz.
	in := pcm16(0, 100, 200, 300, 400, 500, 600, 700)
	got := ResampleMono16(in, 32000, 16000)
	if len(got) != 8 {
		t.Fatalf("len = %d bytes, want 8", len(got))
	}
	first := int16(got[0]) | int16(got[1])<<8
	if first != 0 {
		t.Errorf("first sample = %d, want 0", first)
	}
}

func TestResampleMono16SameRate(t *testing.T) {
	in := pcm16(1, 2, 3)
	got := ResampleMono16(in, 16000, 16000)
	if &got[0] != &in[0] {
		t.Error("same-rate resample copied the frame")
	}
}

func TestNormalize48kStereo(t *testing.T) {
	n := NewNormalizer(Format{48000, 2})
	// 48 stereo frames (192 bytes) normalise to 16 mono samples (32 bytes).
	in := make([]byte, 192)
	got := n.Normalize(in)
	if len(got) != 32 {
		t.Errorf("len = %d bytes, want 32", len(got))
	}
}
