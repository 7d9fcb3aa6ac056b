// Package speech bridges continuous speech recognition and speech synthesis
// for a live interview session. The two channels are mutually exclusive in
// effect: synthesis starting force-stops recognition, and recognition results
// arriving during or just after synthesis are discarded, never queued.
package speech

import "context"

// Result is one recognition emission. Interim results describe the evolving
// current utterance; a final result commits it.
type Result struct {
	Text  string
	Final bool
}

// Recognizer is a continuous speech-to-text engine. Start/Stop must be safe
// to call repeatedly.
type Recognizer interface {
	Start() error
	Stop() error
	Results() <-chan Result
}

// Voice describes one synthesis voice the engine offers.
type Voice struct {
	Name    string
	Lang    string
	Default bool
}

// Utterance is a single synthesis request.
type Utterance struct {
	Text  string
	Voice Voice
	// Rate is the delivery speed multiplier; the bridge fixes it at 0.9.
	Rate float64
}

// Synthesizer is a text-to-speech engine. Speak blocks until the utterance
// finished or ctx was canceled. Cancel aborts any in-flight utterance; known
// engines do not always honor it immediately, so callers re-check Speaking
// after a settle delay and cancel again.
type Synthesizer interface {
	Voices() []Voice
	Speak(ctx context.Context, u Utterance) error
	Cancel()
	Speaking() bool
}

// PCMSink consumes 48kHz PCM bytes and performs delivery. Implementations
// buffer internally and pace delivery; Reset drops any queued audio
// immediately (used for cancellation).
type PCMSink interface {
	WritePCM(pcm []byte)
	FlushTail()
	Reset()
}
