// Package rtc is the WebRTC media plane: the candidate's microphone arrives
// as a remote Opus track and is decoded to 16kHz PCM for the recognizer; the
// interviewer's synthesized audio leaves as a paced Opus track.
package rtc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"gopkg.in/hraban/opus.v2"
)

const (
	micSampleRate    = 16000
	micChunkBytes    = 3200 // 100ms of 16kHz mono PCM16
	micDecodeSamples = 1920
)

// SessionDescription keeps webrtc types out of the transport layer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// PCMConsumer receives decoded 16kHz little-endian mono PCM from the mic.
type PCMConsumer interface {
	SendPCM16KLE(chunk []byte) error
}

// Gateway builds peer connections for interview sessions.
type Gateway struct {
	iceServers []webrtc.ICEServer
	log        logrus.FieldLogger
}

func NewGateway(iceServersJSON string, log logrus.FieldLogger) *Gateway {
	return &Gateway{iceServers: parseICEServers(iceServersJSON), log: log}
}

// Conn is one established media session.
type Conn struct {
	pc    *webrtc.PeerConnection
	paced *OpusPacedWriter
	log   logrus.FieldLogger

	mu       sync.Mutex
	closed   bool
	onClosed func()
}

// Connect answers an SDP offer. Decoded mic audio flows into mic; the
// returned Conn's Sink carries synthesized audio back to the candidate.
func (g *Gateway) Connect(ctx context.Context, offer SessionDescription, mic PCMConsumer) (*Conn, SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return nil, SessionDescription{}, errors.New("rtc: invalid offer")
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, SessionDescription{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: g.iceServers})
	if err != nil {
		return nil, SessionDescription{}, err
	}

	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: outputSampleRate, Channels: 1},
		"interviewer-audio", "interviewer",
	)
	if err != nil {
		_ = pc.Close()
		return nil, SessionDescription{}, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, SessionDescription{}, err
	}

	paced, err := NewOpusPacedWriter(outTrack)
	if err != nil {
		_ = pc.Close()
		return nil, SessionDescription{}, err
	}

	conn := &Conn{pc: pc, paced: paced, log: g.log}

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		g.log.WithField("codec", remote.Codec().MimeType).Info("rtc: candidate audio track received")
		go conn.pumpMic(remote, mic)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		g.log.WithField("state", state.String()).Debug("rtc: peer connection state")
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			conn.Close()
		}
	})

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := pc.SetRemoteDescription(remoteOffer); err != nil {
		conn.Close()
		return nil, SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		conn.Close()
		return nil, SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		conn.Close()
		return nil, SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		conn.Close()
		return nil, SessionDescription{}, ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		conn.Close()
		return nil, SessionDescription{}, errors.New("rtc: no local description")
	}
	return conn, SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// Sink is the synthesized-audio destination for this connection.
func (c *Conn) Sink() *OpusPacedWriter { return c.paced }

// OnClosed registers a callback fired once when the peer connection dies.
func (c *Conn) OnClosed(fn func()) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

// Close tears the connection down. Idempotent.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	fn := c.onClosed
	c.mu.Unlock()

	c.paced.FlushTail()
	time.AfterFunc(400*time.Millisecond, c.paced.Close)
	_ = c.pc.Close()
	if fn != nil {
		fn()
	}
}

// pumpMic decodes the remote Opus track to 16kHz PCM and forwards it to the
// recognizer in fixed-size chunks.
func (c *Conn) pumpMic(remote *webrtc.TrackRemote, mic PCMConsumer) {
	dec, err := opus.NewDecoder(micSampleRate, 1)
	if err != nil {
		c.log.WithError(err).Error("rtc: opus decoder init failed")
		return
	}
	samples := make([]int16, micDecodeSamples)
	buf := make([]byte, 0, micChunkBytes*4)
	for {
		pkt, _, readErr := remote.ReadRTP()
		if readErr != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, decErr := dec.Decode(pkt.Payload, samples)
		if decErr != nil {
			c.log.WithError(decErr).Debug("rtc: opus decode error")
			continue
		}
		start := len(buf)
		need := n * 2
		if cap(buf)-start < need {
			grown := make([]byte, start, start+need+micChunkBytes)
			copy(grown, buf)
			buf = grown
		}
		buf = buf[:start+need]
		out := buf[start:]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(samples[i]))
		}
		for len(buf) >= micChunkBytes {
			if err := mic.SendPCM16KLE(buf[:micChunkBytes]); err != nil {
				c.log.WithError(err).Debug("rtc: recognizer send error")
			}
			copy(buf, buf[micChunkBytes:])
			buf = buf[:len(buf)-micChunkBytes]
		}
	}
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
