// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
//
// ElevenLabs has no cooperative stop primitive; interruptions are handled by
// cancelling the synthesis context, which closes the WebSocket.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"

	"github.com/vocoach/vocoach/pkg/provider/tts"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

var _ tts.Provider = (*Provider)(nil)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
	OutputFormat  string         `json:"output_format,omitempty"`
}

// Synthesize opens a WebSocket to ElevenLabs, sends the utterance followed by
// a flush command, and returns a stream of raw PCM audio chunks.
//
// The stream ends when the server reports the final fragment or ctx is
// cancelled; a socket that dies before the final fragment surfaces as a
// terminal error so the caller knows the audio is truncated.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	if req.Text == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}
	if req.Voice == "" {
		return nil, errors.New("elevenlabs: voice must not be empty")
	}

	wsURL := buildURLForVoice(req.Voice, p.model)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// Send the initial BOI message to authenticate and configure the stream.
	boi := boiMessage{
		Text: " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
		XiAPIKey:     p.apiKey,
		OutputFormat: p.outputFormat,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}

	audioCh := make(chan []byte, 256)
	errCh := make(chan error, 1)

	go func() {
		defer conn.Close(websocket.StatusNormalClosure, "done")

		status := func() error {
			// Reader goroutine drains audio until the server closes the
			// stream; sawFinal records whether the server marked the last
			// fragment before the socket ended.
			readDone := make(chan error, 1)
			go func() {
				sawFinal := false
				for {
					_, msg, err := conn.Read(ctx)
					if err != nil {
						if sawFinal {
							readDone <- nil
						} else {
							readDone <- err
						}
						return
					}
					var resp audioResponse
					if err := json.Unmarshal(msg, &resp); err != nil {
						continue
					}
					if resp.IsFinal {
						sawFinal = true
					}
					if resp.Audio == "" {
						continue
					}
					pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
					if err != nil {
						continue
					}
					select {
					case audioCh <- pcm:
					case <-ctx.Done():
						readDone <- ctx.Err()
						return
					}
				}
			}()

			payload, err := buildWSMessage(req.Text, &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75})
			if err != nil {
				return fmt.Errorf("elevenlabs: build payload: %w", err)
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return fmt.Errorf("elevenlabs: send text: %w", err)
			}

			// Empty text is the flush command: the server synthesises whatever
			// is buffered and closes the stream.
			flush, _ := json.Marshal(textMessage{Text: ""})
			if err := conn.Write(ctx, websocket.MessageText, flush); err != nil {
				return fmt.Errorf("elevenlabs: send flush: %w", err)
			}

			select {
			case err := <-readDone:
				if err == nil {
					return nil
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("elevenlabs: stream ended before final fragment: %w", err)
			case <-ctx.Done():
				// Force the read loop out before the audio channel closes.
				conn.Close(websocket.StatusGoingAway, "cancelled")
				<-readDone
				return ctx.Err()
			}
		}()

		close(audioCh)
		errCh <- status
	}()

	return &tts.Stream{C: audioCh, Err: errCh}, nil
}

// ---- helpers ----

// buildWSMessage constructs the JSON text payload for a single text fragment.
// Used by tests to verify the payload shape without opening a real connection.
func buildWSMessage(text string, vs *voiceSettings) ([]byte, error) {
	return json.Marshal(textMessage{Text: text, VoiceSettings: vs})
}

// buildURLForVoice constructs the WebSocket URL for a given voice and model.
func buildURLForVoice(voiceID, model string) string {
	return fmt.Sprintf(wsEndpointFmt, voiceID, model)
}
