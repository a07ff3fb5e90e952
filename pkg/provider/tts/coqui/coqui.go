// Package coqui provides a local Coqui TTS-backed provider that connects to
// either a Coqui XTTS v2 server or a standard Coqui TTS server via its REST
// API. It implements the tts.Provider interface.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts with
//     URL query parameters.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Synthesis is
//     performed via POST /tts_to_audio/ with a JSON body.
//
// Because both servers operate in batch mode (one HTTP call per utterance
// rather than a streaming socket), Synthesize splits the utterance into
// sentences and dispatches concurrent HTTP requests with a small lookahead
// buffer to minimise perceived latency while preserving output ordering.
//
// The provider also implements tts.Stopper: each Synthesize call registers a
// per-session cancel handle, and Stop ends the session's in-flight synthesis
// at the next sentence boundary.
//
// Typical usage (XTTS v2 server, French coaching voice):
//
//	p, err := coqui.New("http://localhost:8002",
//	    coqui.WithAPIMode(coqui.APIModeXTTS),
//	    coqui.WithTimeout(15*time.Second),
//	)
//	stream, err := p.Synthesize(ctx, tts.Request{Text: "Bonjour !", Voice: "claire", Language: "fr", SessionID: sessID})
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/vocoach/vocoach/pkg/provider/tts"
)

// Compile-time interface assertions.
var (
	_ tts.Provider = (*Provider)(nil)
	_ tts.Stopper  = (*Provider)(nil)
)

const (
	defaultLanguage = "fr"
	defaultTimeout  = 30 * time.Second
	ttsEndpoint     = "/tts_to_audio/"
	apiTTSEndpoint  = "/api/tts"

	// sentenceLookaheadBuf controls how many concurrent HTTP synthesis
	// requests may be in-flight simultaneously. Higher values reduce
	// perceived latency at the cost of additional server load.
	sentenceLookaheadBuf = 4

	// audioChanBuf is the buffer depth of the returned audio channel.
	audioChanBuf = 256

	// pcmChunkSize is the size of each PCM chunk emitted on the audio channel.
	pcmChunkSize = 4096
)

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	// This is the default mode.
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the fallback BCP-47 language code used when a request
// carries none. Defaults to "fr" if not set.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout for calls to the TTS server.
// Defaults to 30 s if not set.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode. Use APIModeStandard (default) for the
// standard Coqui TTS Docker image or APIModeXTTS for the XTTS v2 API server.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// WithOutputSampleRate configures the provider to resample synthesised PCM to
// the given sample rate. When set to 0 (default), no resampling is performed
// and PCM is emitted at the model's native rate.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		p.outputRate = rate
	}
}

// Provider implements tts.Provider backed by a locally-running Coqui TTS
// server. It is safe for concurrent use; multiple Synthesize calls may run in
// parallel as long as they use distinct session IDs.
type Provider struct {
	serverURL  string
	language   string
	httpClient *http.Client
	apiMode    APIMode
	outputRate int // target sample rate; 0 = no resampling

	mu      sync.Mutex
	streams map[string]context.CancelFunc // sessionID -> cancel for in-flight synthesis
}

// New creates a new Coqui Provider that targets the TTS server at serverURL
// (e.g., "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		apiMode:   APIModeStandard,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		streams: make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// audioResult carries a synthesised PCM byte slice or an error from a worker goroutine.
type audioResult struct {
	pcm []byte
	err error
}

// Synthesize splits req.Text into sentences (on '.', '!', '?' followed by
// whitespace or EOF) and issues one HTTP synthesis request per sentence. WAV
// responses are stripped of their file headers and the raw PCM is emitted on
// the returned stream in the original sentence order, in fixed-size chunks.
//
// Up to sentenceLookaheadBuf HTTP requests may be in-flight concurrently to
// hide network/server latency while preserving output ordering.
//
// The stream ends when synthesis completes, when ctx is cancelled, or when
// Stop is called for req.SessionID; the terminal status on Stream.Err
// distinguishes those cases. The caller must drain the stream to prevent
// goroutine leaks.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, errors.New("coqui: text must not be empty")
	}
	// XTTS mode always requires a voice (speaker_wav). Standard mode works
	// without one for single-speaker models.
	if req.Voice == "" && p.apiMode == APIModeXTTS {
		return nil, errors.New("coqui: voice must not be empty (required for XTTS mode)")
	}

	lang := req.Language
	if lang == "" {
		lang = p.language
	}

	streamCtx, cancel := context.WithCancel(ctx)
	if req.SessionID != "" {
		p.mu.Lock()
		if prev, ok := p.streams[req.SessionID]; ok {
			prev()
		}
		p.streams[req.SessionID] = cancel
		p.mu.Unlock()
	}

	audioCh := make(chan []byte, audioChanBuf)
	errCh := make(chan error, 1)

	go func() {
		status := p.stream(ctx, streamCtx, req, lang, audioCh)
		close(audioCh)
		errCh <- status
		cancel()
		if req.SessionID != "" {
			p.mu.Lock()
			delete(p.streams, req.SessionID)
			p.mu.Unlock()
		}
	}()

	return &tts.Stream{C: audioCh, Err: errCh}, nil
}

// stream runs the sentence pipeline and returns the terminal status for the
// audio channel: nil on completion, a wrapped error on backend failure, the
// context error on caller cancellation, or tts.ErrStopped after a cooperative
// stop (streamCtx cancelled while the caller's ctx is still live).
func (p *Provider) stream(ctx, streamCtx context.Context, req tts.Request, lang string, audioCh chan<- []byte) error {
	sentences := splitSentences(req.Text)

	// resultQueue carries ordered future channels so the collector can
	// drain in order while up to sentenceLookaheadBuf requests run.
	resultQueue := make(chan chan audioResult, sentenceLookaheadBuf)

	go func() {
		defer close(resultQueue)
		for _, sentence := range sentences {
			ch := make(chan audioResult, 1)
			select {
			case resultQueue <- ch:
			case <-streamCtx.Done():
				return
			}
			go func(s string, out chan<- audioResult) {
				pcm, err := p.synthesize(streamCtx, s, req.Voice, lang)
				out <- audioResult{pcm: pcm, err: err}
			}(sentence, ch)
		}
	}()

	for {
		select {
		case ch, ok := <-resultQueue:
			if !ok {
				return nil
			}
			select {
			case result := <-ch:
				if result.err != nil {
					if st := endStatus(ctx, streamCtx); st != nil {
						return st
					}
					return fmt.Errorf("coqui: synthesize sentence: %w", result.err)
				}
				// Emit the PCM in fixed-size chunks.
				pcm := result.pcm
				for len(pcm) > 0 {
					end := min(pcmChunkSize, len(pcm))
					select {
					case audioCh <- pcm[:end]:
					case <-streamCtx.Done():
						return endStatus(ctx, streamCtx)
					}
					pcm = pcm[end:]
				}
			case <-streamCtx.Done():
				return endStatus(ctx, streamCtx)
			}
		case <-streamCtx.Done():
			return endStatus(ctx, streamCtx)
		}
	}
}

// endStatus classifies an ended stream context: the caller's cancellation
// wins, a cancelled stream context with a live caller means a cooperative
// stop, and nil means the stream is still running.
func endStatus(ctx, streamCtx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if streamCtx.Err() != nil {
		return tts.ErrStopped
	}
	return nil
}

// Stop implements tts.Stopper. It cancels the in-flight synthesis registered
// for sessionID, letting already-buffered audio drain and the stream close at
// the next sentence boundary. It is a no-op for unknown sessions.
func (p *Provider) Stop(_ context.Context, sessionID string) error {
	p.mu.Lock()
	cancel, ok := p.streams[sessionID]
	delete(p.streams, sessionID)
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// synthesize dispatches to the appropriate implementation based on the
// configured API mode.
func (p *Provider) synthesize(ctx context.Context, sentence, voice, lang string) ([]byte, error) {
	if p.apiMode == APIModeStandard {
		return p.synthesizeStandard(ctx, sentence, voice, lang)
	}
	return p.synthesizeXTTS(ctx, sentence, voice, lang)
}

// synthesizeXTTS performs a single POST /tts_to_audio/ call (XTTS v2 mode)
// and returns the raw PCM (WAV header stripped).
func (p *Provider) synthesizeXTTS(ctx context.Context, sentence, voice, lang string) ([]byte, error) {
	body := ttsRequest{
		Text:       sentence,
		SpeakerWav: voice,
		Language:   lang,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("coqui: marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: POST %s: %w", ttsEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: POST %s returned status %d", ttsEndpoint, resp.StatusCode)
	}

	return p.readWAV(resp.Body)
}

// synthesizeStandard performs a single GET /api/tts request (standard server
// mode) using URL query parameters and returns the raw PCM (WAV header
// stripped).
func (p *Provider) synthesizeStandard(ctx context.Context, sentence, voice, lang string) ([]byte, error) {
	params := url.Values{}
	params.Set("text", sentence)
	if voice != "" {
		params.Set("speaker_id", voice)
	}
	if lang != "" {
		params.Set("language_id", lang)
	}

	reqURL := p.serverURL + apiTTSEndpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("coqui: create tts request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: GET %s: %w", apiTTSEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("coqui: GET %s returned status %d", apiTTSEndpoint, resp.StatusCode)
	}

	return p.readWAV(resp.Body)
}

// readWAV reads a WAV response body and returns the raw PCM, resampled to the
// configured output rate when one is set.
func (p *Provider) readWAV(r io.Reader) ([]byte, error) {
	wav, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("coqui: read WAV response: %w", err)
	}

	info, err := parseWAV(wav)
	if err != nil {
		return nil, err
	}

	pcm := wav[info.DataOffset:]
	if p.outputRate > 0 && info.SampleRate != p.outputRate && info.Channels == 1 {
		pcm = resampleMono16(pcm, info.SampleRate, p.outputRate)
	}
	return pcm, nil
}

// ---- sentence splitting ----

// splitSentences breaks text into complete sentences on '.', '!' or '?'
// followed by whitespace or EOF. A trailing fragment without a terminator is
// returned as its own sentence.
func splitSentences(text string) []string {
	var out []string
	rest := text
	for {
		idx := findSentenceBoundary(rest)
		if idx < 0 {
			break
		}
		if s := strings.TrimSpace(rest[:idx+1]); s != "" {
			out = append(out, s)
		}
		rest = rest[idx+1:]
	}
	if s := strings.TrimSpace(rest); s != "" {
		out = append(out, s)
	}
	return out
}

// findSentenceBoundary returns the index of the first sentence-ending
// character ('.', '!', '?') that is either at the end of s or immediately
// followed by whitespace. Returns -1 if no sentence boundary is found.
//
// This ensures that abbreviations like "Dr." or decimal numbers like "3.14"
// are not incorrectly treated as sentence boundaries when followed by a
// non-space character.
func findSentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '.' || c == '!' || c == '?' {
			if i+1 >= len(s) || unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}

// ---- WAV parsing ----

// wavInfo holds the format metadata extracted from a RIFF/WAVE header.
type wavInfo struct {
	DataOffset int // byte offset of the first PCM sample
	SampleRate int // samples per second (e.g., 22050, 44100, 48000)
	Channels   int // 1 = mono, 2 = stereo
}

// parseWAV scans the RIFF/WAVE container in wav and returns the data offset
// and audio format from the "fmt " sub-chunk. This is more robust than
// hardcoding a fixed 44-byte offset because the fmt chunk size may vary.
func parseWAV(wav []byte) (wavInfo, error) {
	if len(wav) < 12 {
		return wavInfo{}, errors.New("coqui: WAV response too short to be a valid RIFF file")
	}
	if string(wav[0:4]) != "RIFF" {
		return wavInfo{}, errors.New("coqui: WAV response missing RIFF header")
	}
	if string(wav[8:12]) != "WAVE" {
		return wavInfo{}, errors.New("coqui: WAV response missing WAVE identifier")
	}

	var info wavInfo
	foundFmt := false

	// Walk RIFF chunks starting immediately after the 12-byte RIFF/WAVE header.
	offset := 12
	for offset+8 <= len(wav) {
		chunkID := string(wav[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(wav) {
				fmtData := wav[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			if !foundFmt {
				// fmt chunk should appear before data; fall back to the
				// XTTS default format when it is missing.
				info.SampleRate = 22050
				info.Channels = 1
			}
			return info, nil
		}

		// Advance past this chunk (chunks are word-aligned: pad by 1 if odd size).
		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return wavInfo{}, errors.New("coqui: WAV response missing data chunk")
}

// ---- resampling ----

// resampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func resampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := 0; i < dstSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}
