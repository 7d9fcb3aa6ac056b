package rtc

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
	"gopkg.in/hraban/opus.v2"
)

const (
	outputSampleRate = 48000
	frameSamples     = 960 // 20ms at 48kHz
	frameInterval    = 20 * time.Millisecond
	tailSilenceCount = 10 // ~200ms so the last syllable is not clipped
)

// sampleWriter is the slice of a local track the pacer needs.
type sampleWriter interface {
	WriteSample(media.Sample) error
}

// OpusPacedWriter encodes 48kHz mono PCM to Opus and writes it onto a WebRTC
// track at real-time pace. It is the synthesizer's audio sink; Reset drops
// everything queued so cancellation is audible immediately.
type OpusPacedWriter struct {
	enc    *opus.Encoder
	track  sampleWriter
	frames chan []byte
	stopCh chan struct{}

	mu      sync.Mutex
	pcmBuf  []int16
	stopped bool
}

func NewOpusPacedWriter(track sampleWriter) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(outputSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &OpusPacedWriter{
		enc:    enc,
		track:  track,
		frames: make(chan []byte, 512),
		stopCh: make(chan struct{}),
	}
	go w.pacer()
	return w, nil
}

// WritePCM buffers little-endian 48kHz mono PCM and emits full Opus frames.
func (w *OpusPacedWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	need := len(pcmBytes) / 2
	start := len(w.pcmBuf)
	if cap(w.pcmBuf)-start < need {
		grown := make([]int16, start, start+need+2048)
		copy(grown, w.pcmBuf)
		w.pcmBuf = grown
	}
	w.pcmBuf = w.pcmBuf[:start+need]
	for i := 0; i < need; i++ {
		w.pcmBuf[start+i] = int16(uint16(pcmBytes[2*i]) | uint16(pcmBytes[2*i+1])<<8)
	}

	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= frameSamples {
		if n, err := w.enc.Encode(w.pcmBuf[:frameSamples], opusBuf); err == nil && n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.pushFrame(pkt)
		}
		copy(w.pcmBuf, w.pcmBuf[frameSamples:])
		w.pcmBuf = w.pcmBuf[:len(w.pcmBuf)-frameSamples]
	}
}

// FlushTail pads the remaining PCM to a full frame and appends a short
// silence tail.
func (w *OpusPacedWriter) FlushTail() {
	opusBuf := make([]byte, 4000)
	w.mu.Lock()
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, frameSamples)
		copy(pad, w.pcmBuf)
		if n, err := w.enc.Encode(pad, opusBuf); err == nil && n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.pushFrame(pkt)
		}
		w.pcmBuf = w.pcmBuf[:0]
	}
	w.mu.Unlock()

	silence := make([]int16, frameSamples)
	for i := 0; i < tailSilenceCount; i++ {
		if n, err := w.enc.Encode(silence, opusBuf); err == nil && n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.pushFrame(pkt)
		}
	}
}

// Reset drops queued frames and buffered PCM.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			return
		}
	}
}

// Close stops the pacer goroutine.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: frameInterval})
			default:
			}
		}
	}
}

func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	for {
		select {
		case <-w.stopCh:
			return
		case w.frames <- pkt:
			return
		}
	}
}
