package speech

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"github.com/sirupsen/logrus"
)

// DeepgramSynthesizer streams 48kHz linear16 PCM from Deepgram's speak API
// into a PCMSink. It implements Synthesizer.
type DeepgramSynthesizer struct {
	apiKey string
	model  string
	sink   PCMSink
	log    logrus.FieldLogger

	speaking int32
	cancelFn atomic.Value // context.CancelFunc
}

// NewDeepgramSynthesizer constructs a synthesizer delivering audio to sink.
func NewDeepgramSynthesizer(apiKey, model string, sink PCMSink, log logrus.FieldLogger) *DeepgramSynthesizer {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &DeepgramSynthesizer{apiKey: apiKey, model: model, sink: sink, log: log}
}

// Voices reports the fixed model as the only voice; selection happens at
// configuration time for this engine.
func (d *DeepgramSynthesizer) Voices() []Voice {
	return []Voice{{Name: d.model, Lang: "en-US", Default: true}}
}

// Speaking implements Synthesizer.
func (d *DeepgramSynthesizer) Speaking() bool { return atomic.LoadInt32(&d.speaking) == 1 }

// Cancel aborts the in-flight utterance and drops queued audio.
func (d *DeepgramSynthesizer) Cancel() {
	if fn, ok := d.cancelFn.Load().(context.CancelFunc); ok && fn != nil {
		fn()
	}
	d.sink.Reset()
}

// Speak streams the utterance to the sink, blocking until all audio was
// received or ctx was canceled.
func (d *DeepgramSynthesizer) Speak(ctx context.Context, u Utterance) error {
	if d.apiKey == "" {
		return fmt.Errorf("speech: deepgram api key missing")
	}
	if u.Text == "" {
		return nil
	}

	speakCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.cancelFn.Store(cancel)

	atomic.StoreInt32(&d.speaking, 1)
	defer atomic.StoreInt32(&d.speaking, 0)

	options := &clientinterfaces.WSSpeakOptions{
		Model:      d.model,
		Encoding:   "linear16",
		SampleRate: 48000,
	}

	var lastRecvUnix int64
	var seenAudio int32
	cb := &speakCallback{onBinary: func(data []byte) error {
		if len(data) == 0 {
			return nil
		}
		atomic.StoreInt64(&lastRecvUnix, time.Now().UnixNano())
		atomic.StoreInt32(&seenAudio, 1)
		b := make([]byte, len(data))
		copy(b, data)
		d.sink.WritePCM(b)
		return nil
	}}

	dg, err := speak.NewWSUsingCallback(speakCtx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return fmt.Errorf("speech: create synthesis client: %w", err)
	}
	defer dg.Stop()

	if ok := dg.Connect(); !ok {
		return fmt.Errorf("speech: synthesis connect failed")
	}
	if err := dg.SpeakWithText(u.Text); err != nil {
		return fmt.Errorf("speech: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		d.log.WithError(err).Debug("speech: synthesis flush error")
	}

	// The speak API gives no explicit end-of-audio signal at this layer:
	// treat a quiet gap after the first audio as completion, bounded by a
	// hard deadline.
	idleWindow := 400 * time.Millisecond
	deadline := time.Now().Add(20 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-speakCtx.Done():
			return speakCtx.Err()
		case <-ticker.C:
			if atomic.LoadInt32(&seenAudio) == 1 {
				last := time.Unix(0, atomic.LoadInt64(&lastRecvUnix))
				if time.Since(last) > idleWindow {
					d.sink.FlushTail()
					return nil
				}
			}
			if time.Now().After(deadline) {
				d.sink.FlushTail()
				return nil
			}
		}
	}
}

type speakCallback struct{ onBinary func([]byte) error }

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Binary(data []byte) error {
	if s.onBinary != nil {
		return s.onBinary(data)
	}
	return nil
}
