package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vocoach/vocoach/pkg/provider/tts"
)

// buildTestWAV constructs a minimal but valid RIFF/WAVE byte slice containing
// the supplied raw PCM samples, with a standard 44-byte header.
func buildTestWAV(pcm []byte, sampleRate int) []byte {
	fmtSize := uint32(16)
	dataSize := uint32(len(pcm))
	fileSize := 4 + (8 + fmtSize) + (8 + dataSize)

	buf := make([]byte, 0, 12+8+fmtSize+8+dataSize)
	le := binary.LittleEndian

	putU32 := func(v uint32) {
		var b [4]byte
		le.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	putU16 := func(v uint16) {
		var b [2]byte
		le.PutUint16(b[:], v)
		buf = append(buf, b[:]...)
	}

	buf = append(buf, []byte("RIFF")...)
	putU32(fileSize)
	buf = append(buf, []byte("WAVE")...)

	buf = append(buf, []byte("fmt ")...)
	putU32(fmtSize)
	putU16(1) // PCM format
	putU16(1) // mono
	putU32(uint32(sampleRate))
	putU32(uint32(sampleRate * 2)) // byte rate
	putU16(2)                      // block align
	putU16(16)                     // bits per sample

	buf = append(buf, []byte("data")...)
	putU32(dataSize)
	buf = append(buf, pcm...)
	return buf
}

// drain collects the whole stream and returns the audio plus the terminal
// status.
func drain(t *testing.T, stream *tts.Stream) ([]byte, error) {
	t.Helper()
	var out []byte
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-stream.C:
			if !ok {
				return out, <-stream.Err
			}
			out = append(out, chunk...)
		case <-deadline:
			t.Fatal("timed out draining audio stream")
		}
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty server URL")
	}

	p, err := New("http://localhost:5002/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.serverURL != "http://localhost:5002" {
		t.Errorf("expected trailing slash trimmed, got %q", p.serverURL)
	}
	if p.apiMode != APIModeStandard {
		t.Errorf("expected default API mode standard, got %q", p.apiMode)
	}
}

func TestSynthesizeValidation(t *testing.T) {
	t.Parallel()

	p, err := New("http://localhost:8002", WithAPIMode(APIModeXTTS))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "  "}); err == nil {
		t.Error("expected error for empty text")
	}
	if _, err := p.Synthesize(context.Background(), tts.Request{Text: "Bonjour !"}); err == nil {
		t.Error("expected error for missing voice in XTTS mode")
	}
}

func TestSynthesizeXTTS(t *testing.T) {
	t.Parallel()

	pcm := bytes.Repeat([]byte{0x01, 0x02}, 512)
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/tts_to_audio/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		requests.Add(1)
		w.Header().Set("Content-Type", "audio/wav")
		w.Write(buildTestWAV(pcm, 16000))
	}))
	defer srv.Close()

	p, err := New(srv.URL, WithAPIMode(APIModeXTTS))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stream, err := p.Synthesize(context.Background(), tts.Request{
		Text:      "Bonjour ! Comment allez-vous ?",
		Voice:     "claire",
		Language:  "fr",
		SessionID: "s1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, status := drain(t, stream)
	if status != nil {
		t.Errorf("terminal status = %v, want nil", status)
	}
	// Two sentences, each returning the same PCM payload.
	if want := len(pcm) * 2; len(got) != want {
		t.Errorf("expected %d bytes of PCM, got %d", want, len(got))
	}
	if n := requests.Load(); n != 2 {
		t.Errorf("expected 2 synthesis requests, got %d", n)
	}
}

func TestSynthesizeStandardAPI(t *testing.T) {
	t.Parallel()

	pcm := bytes.Repeat([]byte{0x0a, 0x0b}, 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/tts" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("language_id"); got != "fr" {
			t.Errorf("expected language_id fr, got %q", got)
		}
		w.Write(buildTestWAV(pcm, 16000))
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Standard mode allows an empty voice for single-speaker models.
	stream, err := p.Synthesize(context.Background(), tts.Request{Text: "Bonjour.", Language: "fr"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, status := drain(t, stream)
	if status != nil {
		t.Errorf("terminal status = %v, want nil", status)
	}
	if len(got) != len(pcm) {
		t.Errorf("expected %d bytes, got %d", len(pcm), len(got))
	}
}

func TestSynthesizeServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stream, err := p.Synthesize(context.Background(), tts.Request{Text: "Bonjour."})
	if err != nil {
		t.Fatalf("unexpected error starting stream: %v", err)
	}
	// The stream ends early without audio and reports the failure as its
	// terminal status.
	got, status := drain(t, stream)
	if len(got) != 0 {
		t.Errorf("expected no audio on server error, got %d bytes", len(got))
	}
	if status == nil {
		t.Fatal("expected a terminal error for a failed backend")
	}
	if errors.Is(status, tts.ErrStopped) || errors.Is(status, context.Canceled) {
		t.Errorf("terminal status = %v, want a backend failure", status)
	}
}

func TestStop(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.Write(buildTestWAV(bytes.Repeat([]byte{1, 2}, 64), 16000))
	}))
	defer srv.Close()
	defer close(release)

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stream, err := p.Synthesize(context.Background(), tts.Request{Text: "Bonjour.", SessionID: "s1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := p.Stop(context.Background(), "s1"); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	got, status := drain(t, stream)
	if len(got) != 0 {
		t.Errorf("expected stream to end without audio after stop, got %d bytes", len(got))
	}
	if !errors.Is(status, tts.ErrStopped) {
		t.Errorf("terminal status = %v, want ErrStopped", status)
	}

	// Stopping an unknown session is a no-op.
	if err := p.Stop(context.Background(), "unknown"); err != nil {
		t.Errorf("unexpected error stopping unknown session: %v", err)
	}
}

func TestSplitSentences(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"single", "Bonjour.", []string{"Bonjour."}},
		{"multiple", "Bonjour ! Comment ça va ? Très bien.", []string{"Bonjour !", "Comment ça va ?", "Très bien."}},
		{"trailing fragment", "Première phrase. Et ensuite", []string{"Première phrase.", "Et ensuite"}},
		{"abbreviation not split", "Il pèse 3.14 kg environ.", []string{"Il pèse 3.14 kg environ."}},
		{"empty", "   ", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := splitSentences(tc.in); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("splitSentences(%q) = %#v, want %#v", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseWAV(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 2, 3, 4}
	wav := buildTestWAV(pcm, 22050)
	info, err := parseWAV(wav)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.SampleRate != 22050 {
		t.Errorf("expected sample rate 22050, got %d", info.SampleRate)
	}
	if info.Channels != 1 {
		t.Errorf("expected mono, got %d channels", info.Channels)
	}
	if got := wav[info.DataOffset:]; !bytes.Equal(got, pcm) {
		t.Errorf("data offset points at %v, want %v", got, pcm)
	}

	if _, err := parseWAV([]byte("not a wav")); err == nil {
		t.Error("expected error for invalid data")
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	// 4 samples at 16 kHz -> 8 samples at 32 kHz.
	in := []byte{0, 0, 100, 0, 200, 0, 44, 1}
	out := resampleMono16(in, 16000, 32000)
	if len(out) != 16 {
		t.Fatalf("expected 16 bytes, got %d", len(out))
	}

	// Same rate is a pass-through.
	if got := resampleMono16(in, 16000, 16000); !bytes.Equal(got, in) {
		t.Error("expected identical output for equal rates")
	}
}
