package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ElevenLabsSynthesizer streams PCM 48kHz over the HTTP streaming endpoint
// into a PCMSink. It is the alternative engine when Deepgram is not
// configured.
type ElevenLabsSynthesizer struct {
	apiKey  string
	voiceID string
	sink    PCMSink
	log     logrus.FieldLogger
	client  *http.Client

	speaking int32
	cancelFn atomic.Value // context.CancelFunc
}

func NewElevenLabsSynthesizer(apiKey, voiceID string, sink PCMSink, log logrus.FieldLogger) *ElevenLabsSynthesizer {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &ElevenLabsSynthesizer{
		apiKey:  apiKey,
		voiceID: voiceID,
		sink:    sink,
		log:     log,
		client:  &http.Client{},
	}
}

// Voices reports the single configured voice; selection happens upstream on
// the account.
func (e *ElevenLabsSynthesizer) Voices() []Voice {
	return []Voice{{Name: "ElevenLabs " + e.voiceID, Lang: "en-US", Default: true}}
}

func (e *ElevenLabsSynthesizer) Speaking() bool { return atomic.LoadInt32(&e.speaking) == 1 }

func (e *ElevenLabsSynthesizer) Cancel() {
	if fn, ok := e.cancelFn.Load().(context.CancelFunc); ok && fn != nil {
		fn()
	}
	e.sink.Reset()
}

// Speak streams the utterance's audio into the sink and blocks until the
// stream ends or the context is canceled.
func (e *ElevenLabsSynthesizer) Speak(ctx context.Context, u Utterance) error {
	if e.apiKey == "" || e.voiceID == "" {
		return fmt.Errorf("speech: elevenlabs api key or voice id missing")
	}

	speakCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.cancelFn.Store(cancel)

	atomic.StoreInt32(&e.speaking, 1)
	defer atomic.StoreInt32(&e.speaking, 0)

	endpoint := url.URL{
		Scheme: "https",
		Host:   "api.elevenlabs.io",
		Path:   "/v1/text-to-speech/" + e.voiceID + "/stream",
	}
	q := endpoint.Query()
	q.Set("model_id", "eleven_flash_v2_5")
	q.Set("output_format", "pcm_48000")
	q.Set("optimize_streaming_latency", "2")
	endpoint.RawQuery = q.Encode()

	payload := map[string]any{
		"model_id": "eleven_flash_v2_5",
		"text":     u.Text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
			"speed":             u.Rate,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(speakCtx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/pcm")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("speech: elevenlabs request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("speech: elevenlabs status %d: %s", resp.StatusCode, msg)
	}

	buf := make([]byte, 8192)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			e.sink.WritePCM(buf[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if speakCtx.Err() != nil {
				return speakCtx.Err()
			}
			return fmt.Errorf("speech: elevenlabs stream: %w", readErr)
		}
	}
	e.sink.FlushTail()
	return nil
}
