package speech

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// silenceThreshold is the inactivity window before an utterance is treated as
// complete at the engine level. The bridge applies its own debounce on top;
// this one only bounds how long a final lags the last spoken word.
const silenceThreshold = 700 * time.Millisecond

// voiceRMS is the energy floor above which a PCM chunk counts as voice.
const voiceRMS = 250.0

// StreamingRecognizer is a realtime speech-to-text client over the
// AssemblyAI streaming WebSocket protocol. It implements Recognizer; audio
// is pushed in with SendPCM16KLE.
type StreamingRecognizer struct {
	apiKey  string
	log     logrus.FieldLogger
	results chan Result

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	stopCh    chan struct{}
	audio     chan []byte

	accMu         sync.Mutex
	latest        string
	committed     string
	silenceTimer  *time.Timer
	lastVoiceTime time.Time
}

type recognizerMessage struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NewStreamingRecognizer constructs a recognizer; the connection opens on
// Start.
func NewStreamingRecognizer(apiKey string, log logrus.FieldLogger) *StreamingRecognizer {
	return &StreamingRecognizer{
		apiKey:  apiKey,
		log:     log,
		results: make(chan Result, 100),
	}
}

// Results implements Recognizer.
func (s *StreamingRecognizer) Results() <-chan Result { return s.results }

// Start connects the streaming session. Calling Start on an open recognizer
// is a no-op.
func (s *StreamingRecognizer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}
	if s.apiKey == "" {
		return fmt.Errorf("speech: recognizer api key is empty")
	}

	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")
	wsURL := fmt.Sprintf("wss://streaming.assemblyai.com/v3/ws?%s", params.Encode())

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(wsURL, map[string][]string{"Authorization": {s.apiKey}})
	if err != nil {
		if resp != nil {
			s.log.WithField("status", resp.StatusCode).Error("speech: recognizer connection refused")
		}
		return fmt.Errorf("speech: connect recognizer: %w", err)
	}

	s.conn = conn
	s.connected = true
	s.stopCh = make(chan struct{})
	s.audio = make(chan []byte, 1000)
	s.accMu.Lock()
	s.latest = ""
	s.committed = ""
	s.lastVoiceTime = time.Now()
	s.accMu.Unlock()

	go s.readLoop(conn, s.stopCh)
	go s.writeLoop(conn, s.audio, s.stopCh)
	return nil
}

// Stop terminates the streaming session, flushing any uncommitted delta as a
// final result. Safe to call when already stopped.
func (s *StreamingRecognizer) Stop() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	close(s.stopCh)
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	s.accMu.Lock()
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
	s.accMu.Unlock()

	s.flushDelta()

	if conn != nil {
		_ = conn.WriteJSON(map[string]string{"type": "Terminate"})
		_ = conn.Close()
	}
	return nil
}

// SendPCM16KLE queues 16kHz little-endian mono PCM for transcription and
// feeds the voice-activity detector.
func (s *StreamingRecognizer) SendPCM16KLE(pcm []byte) error {
	s.mu.Lock()
	connected := s.connected
	audio := s.audio
	s.mu.Unlock()
	if !connected {
		return fmt.Errorf("speech: recognizer not connected")
	}
	s.detectVoiceActivity(pcm)
	// Callers reuse their buffer for the next packet; queue a private copy.
	chunk := make([]byte, len(pcm))
	copy(chunk, pcm)
	select {
	case audio <- chunk:
	default:
		s.log.Debug("speech: audio buffer full, dropping packet")
	}
	return nil
}

// RecentlyDetectedVoice reports whether voice energy was observed within the
// given window.
func (s *StreamingRecognizer) RecentlyDetectedVoice(window time.Duration) bool {
	s.accMu.Lock()
	last := s.lastVoiceTime
	s.accMu.Unlock()
	return time.Since(last) <= window
}

func (s *StreamingRecognizer) detectVoiceActivity(pcm []byte) {
	const minSamples = 160 // 10ms at 16kHz
	if len(pcm) < minSamples*2 {
		return
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	if math.Sqrt(sumSquares/float64(count)) >= voiceRMS {
		s.accMu.Lock()
		s.lastVoiceTime = time.Now()
		s.accMu.Unlock()
	}
}

func (s *StreamingRecognizer) readLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
			default:
				s.log.WithError(err).Debug("speech: recognizer read error")
			}
			return
		}
		s.processMessage(message)
	}
}

func (s *StreamingRecognizer) processMessage(message []byte) {
	var msg recognizerMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		s.log.WithError(err).Debug("speech: malformed recognizer message")
		return
	}
	switch msg.Type {
	case "Begin":
		s.log.WithField("session", msg.ID).Info("speech: recognition session began")
	case "Turn":
		if msg.Transcript == "" {
			return
		}
		s.emit(Result{Text: msg.Transcript, Final: false})
		s.accMu.Lock()
		s.latest = msg.Transcript
		if s.silenceTimer == nil {
			s.silenceTimer = time.AfterFunc(silenceThreshold, s.finalizeDueToSilence)
		} else {
			s.silenceTimer.Stop()
			s.silenceTimer.Reset(silenceThreshold)
		}
		s.accMu.Unlock()
	case "Termination":
		s.flushDelta()
	case "Error":
		s.log.WithField("error", msg.Error).Warn("speech: recognizer error")
	}
}

// finalizeDueToSilence commits the transcript delta accumulated since the
// last final once the engine went quiet.
func (s *StreamingRecognizer) finalizeDueToSilence() {
	s.flushDelta()
}

func (s *StreamingRecognizer) flushDelta() {
	s.accMu.Lock()
	latest, base := s.latest, s.committed
	delta := strings.TrimSpace(strings.TrimPrefix(latest, base))
	if delta == "" && base != "" {
		if idx := strings.LastIndex(latest, base); idx >= 0 {
			delta = strings.TrimSpace(latest[idx+len(base):])
		}
	}
	s.committed = latest
	s.accMu.Unlock()

	if delta == "" {
		return
	}
	s.emit(Result{Text: delta, Final: true})
}

func (s *StreamingRecognizer) emit(r Result) {
	select {
	case s.results <- r:
	default:
		s.log.Debug("speech: dropping recognition result, consumer stalled")
	}
}

func (s *StreamingRecognizer) writeLoop(conn *websocket.Conn, audio chan []byte, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case pcm := <-audio:
			if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
				s.log.WithError(err).Debug("speech: audio send error")
				return
			}
		}
	}
}
