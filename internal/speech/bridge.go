package speech

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Defaults for the bridge tunables. EchoWindow and DebounceWindow come from
// the behavior of the speech engines this was tuned against; EchoOverlap is a
// heuristic threshold, kept adjustable rather than contractual.
const (
	DefaultEchoWindow     = 1000 * time.Millisecond
	DefaultDebounceWindow = 1500 * time.Millisecond
	DefaultMicGrace       = 3 * time.Second
	DefaultCancelSettle   = 100 * time.Millisecond
	DefaultEchoOverlap    = 0.5
	DefaultRate           = 0.9
)

// fillerWords are utterances that never count as an answer on their own.
var fillerWords = map[string]struct{}{
	"uh": {}, "um": {}, "ah": {}, "eh": {}, "oh": {},
	"hmm": {}, "mm": {}, "mhm": {},
}

// Bridge coordinates one Recognizer and one Synthesizer so the system never
// hears itself. All state is guarded by mu; timers are single-flight.
type Bridge struct {
	rec Recognizer
	syn Synthesizer
	log logrus.FieldLogger

	// OnAnswer receives each finalized user utterance. Set before Start.
	OnAnswer func(text string)

	// Tunables; see package defaults.
	EchoWindow     time.Duration
	DebounceWindow time.Duration
	MicGrace       time.Duration
	CancelSettle   time.Duration
	EchoOverlap    float64

	mu           sync.Mutex
	active       bool
	muted        bool
	listening    bool
	speaking     bool
	committed    string
	interim      string
	lastSent     string
	lastSpoken   string
	synthEndedAt time.Time
	lastResultAt time.Time
	dispatchedAt time.Time
	debounce     *time.Timer
	micOff       *time.Timer
	speakCancel  context.CancelFunc
	voice        Voice
	voiceChosen  bool
	done         chan struct{}
}

// NewBridge wires the engines together. log may be nil.
func NewBridge(rec Recognizer, syn Synthesizer, log logrus.FieldLogger) *Bridge {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Bridge{
		rec:            rec,
		syn:            syn,
		log:            log,
		EchoWindow:     DefaultEchoWindow,
		DebounceWindow: DefaultDebounceWindow,
		MicGrace:       DefaultMicGrace,
		CancelSettle:   DefaultCancelSettle,
		EchoOverlap:    DefaultEchoOverlap,
	}
}

// Start activates the bridge and opens the recognition channel.
func (b *Bridge) Start() error {
	b.mu.Lock()
	if b.active {
		b.mu.Unlock()
		return nil
	}
	b.active = true
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	go b.consumeResults(done)
	return b.StartListening()
}

// StartListening opens the microphone unless the session is muted or gone.
// Opening it on purpose drops any mic-grace timer left over from the last
// dispatched answer.
func (b *Bridge) StartListening() error {
	b.mu.Lock()
	if b.micOff != nil {
		b.micOff.Stop()
		b.micOff = nil
	}
	if !b.active || b.muted || b.listening {
		b.mu.Unlock()
		return nil
	}
	b.listening = true
	b.mu.Unlock()
	return b.rec.Start()
}

// StopListening closes the microphone and drops any pending debounce.
func (b *Bridge) StopListening() {
	b.mu.Lock()
	b.listening = false
	b.clearDebounceLocked()
	b.mu.Unlock()
	_ = b.rec.Stop()
}

// SetMuted toggles the user mute. Unmuting resumes listening only when
// synthesis is idle.
func (b *Bridge) SetMuted(muted bool) {
	b.mu.Lock()
	b.muted = muted
	speaking := b.speaking
	b.mu.Unlock()
	if muted {
		b.StopListening()
	} else if !speaking && !b.syn.Speaking() {
		_ = b.StartListening()
	}
}

// Listening reports whether the recognition channel is open.
func (b *Bridge) Listening() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listening
}

// Speaking reports whether synthesis is in flight.
func (b *Bridge) Speaking() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.speaking
}

// Stop forces both channels idle and clears all pending timers. Safe to call
// repeatedly and at any point of the lifecycle.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.done != nil {
		select {
		case <-b.done:
		default:
			close(b.done)
		}
	}
	b.active = false
	b.listening = false
	b.clearDebounceLocked()
	if b.micOff != nil {
		b.micOff.Stop()
		b.micOff = nil
	}
	cancel := b.speakCancel
	b.speakCancel = nil
	b.committed = ""
	b.interim = ""
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.syn.Cancel()
	_ = b.rec.Stop()
}

// Speak synthesizes text, preempting recognition for the duration. It blocks
// until delivery finished or ctx/Stop canceled it.
func (b *Bridge) Speak(ctx context.Context, text string) error {
	// Cancel any in-flight utterance first. The engine may report
	// still-speaking after the settle delay; cancel once more.
	if b.syn.Speaking() {
		b.syn.Cancel()
		time.Sleep(b.CancelSettle)
		if b.syn.Speaking() {
			b.syn.Cancel()
		}
	}

	b.mu.Lock()
	if !b.voiceChosen {
		b.voice = SelectVoice(b.syn.Voices())
		b.voiceChosen = true
	}
	voice := b.voice
	b.speaking = true
	b.lastSpoken = text
	b.listening = false
	b.clearDebounceLocked()
	speakCtx, cancel := context.WithCancel(ctx)
	b.speakCancel = cancel
	b.mu.Unlock()

	// Synthesis must never hear itself through the microphone.
	_ = b.rec.Stop()

	err := b.syn.Speak(speakCtx, Utterance{Text: text, Voice: voice, Rate: DefaultRate})
	cancel()

	b.mu.Lock()
	b.speaking = false
	b.speakCancel = nil
	b.synthEndedAt = time.Now()
	b.mu.Unlock()

	// Two short delays before re-evaluating auto-resume: speech engines can
	// report idle slightly before audio actually stops.
	for _, d := range []time.Duration{50 * time.Millisecond, 300 * time.Millisecond} {
		time.AfterFunc(d, b.maybeResumeListening)
	}
	return err
}

func (b *Bridge) maybeResumeListening() {
	b.mu.Lock()
	ok := b.active && !b.muted && !b.speaking
	b.mu.Unlock()
	if ok && !b.syn.Speaking() {
		_ = b.StartListening()
	}
}

func (b *Bridge) consumeResults(done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case res, ok := <-b.rec.Results():
			if !ok {
				return
			}
			b.handleResult(res)
		}
	}
}

func (b *Bridge) handleResult(res Result) {
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return
	}

	b.mu.Lock()
	// Anti-echo, part one: anything heard while the AI speaks, or within the
	// echo window of it having finished, is the AI's own voice.
	if b.speaking || (!b.synthEndedAt.IsZero() && time.Since(b.synthEndedAt) < b.EchoWindow) {
		b.mu.Unlock()
		b.log.WithField("text", text).Debug("speech: discarding result inside echo window")
		return
	}
	if !b.listening {
		b.mu.Unlock()
		return
	}

	b.lastResultAt = time.Now()

	if res.Final {
		// Anti-echo, part two: a final overlapping heavily with what was just
		// synthesized is an echo even outside the timing window.
		if len(text) > 10 && wordOverlap(text, b.lastSpoken) > b.EchoOverlap {
			b.mu.Unlock()
			b.log.WithField("text", text).Debug("speech: discarding echo-similar final")
			return
		}
		if b.committed == "" || (!strings.Contains(b.committed, text) && !strings.Contains(text, b.committed)) {
			if b.committed != "" {
				b.committed += " "
			}
			b.committed += text
		}
		b.interim = ""
	} else {
		b.interim = text
	}
	b.restartDebounceLocked()
	b.mu.Unlock()
}

func (b *Bridge) restartDebounceLocked() {
	if b.debounce != nil {
		b.debounce.Stop()
	}
	b.debounce = time.AfterFunc(b.DebounceWindow, b.finalizeUtterance)
}

func (b *Bridge) clearDebounceLocked() {
	if b.debounce != nil {
		b.debounce.Stop()
		b.debounce = nil
	}
}

// finalizeUtterance fires when the debounce window elapses with no new
// recognition results: the user has finished their answer.
func (b *Bridge) finalizeUtterance() {
	b.mu.Lock()
	full := strings.TrimSpace(b.committed + " " + b.interim)
	b.committed = ""
	b.interim = ""
	b.debounce = nil

	if !isDispatchable(full) || full == b.lastSent {
		b.mu.Unlock()
		return
	}
	b.lastSent = full
	b.dispatchedAt = time.Now()
	onAnswer := b.OnAnswer
	// Close the microphone after a grace window unless the user kept talking.
	// The timer is armed before the dispatch so that a handler restarting
	// listening, synchronously or not, cancels it.
	if b.micOff != nil {
		b.micOff.Stop()
	}
	b.micOff = time.AfterFunc(b.MicGrace, b.micGraceElapsed)
	b.mu.Unlock()

	if onAnswer != nil {
		onAnswer(full)
	}
}

func (b *Bridge) micGraceElapsed() {
	b.mu.Lock()
	resumed := b.lastResultAt.After(b.dispatchedAt)
	shouldStop := b.listening && !resumed
	b.micOff = nil
	b.mu.Unlock()
	if shouldStop {
		b.StopListening()
	}
}

// isDispatchable filters out noise: too short, no real word, or an isolated
// filler.
func isDispatchable(text string) bool {
	if len(text) < 3 {
		return false
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return false
	}
	hasRealWord := false
	for _, w := range words {
		if len(w) > 1 {
			hasRealWord = true
			break
		}
	}
	if !hasRealWord {
		return false
	}
	if len(words) == 1 {
		if _, filler := fillerWords[strings.ToLower(strings.Trim(words[0], ".,!?"))]; filler {
			return false
		}
	}
	return true
}

// wordOverlap returns the share of a's words that also occur in b.
func wordOverlap(a, b string) float64 {
	aw := strings.Fields(strings.ToLower(a))
	if len(aw) == 0 {
		return 0
	}
	bw := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(b)) {
		bw[strings.Trim(w, ".,!?")] = struct{}{}
	}
	var shared int
	for _, w := range aw {
		if _, ok := bw[strings.Trim(w, ".,!?")]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(aw))
}
