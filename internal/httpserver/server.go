// Package httpserver exposes the interview runtime over HTTP: health, WebRTC
// signaling, and a WebSocket control channel for session commands and
// proctoring events.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/nexhire/interview-agent/internal/rtc"
)

// OfferHandler answers WebRTC SDP offers.
type OfferHandler interface {
	HandleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error)
}

// Controller is the session surface the control channel drives.
type Controller interface {
	Start(ctx context.Context) error
	ConfirmPhoto() error
	Begin() error
	ReportViolation(kind string)
	SetMuted(muted bool)
	End()
	State() string
}

// SessionEvents carries the candidate-facing callbacks for one control
// connection: notifications, streaming interviewer deltas, and committed
// transcript turns.
type SessionEvents struct {
	Notify func(text string)
	Delta  func(text string)
	Turn   func(role, text string)
}

// Deps wires the server. NewController builds one controller per control
// connection; its events deliver candidate-facing frames back over that
// connection.
type Deps struct {
	AuthPassword  string
	Offer         OfferHandler
	NewController func(events SessionEvents) Controller
	Log           logrus.FieldLogger
}

type Server struct {
	e    *echo.Echo
	deps Deps
	log  logrus.FieldLogger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	// TODO: restrict origins once the web client's deploy domain is fixed.
	CheckOrigin: func(*http.Request) bool { return true },
}

func New(deps Deps) *Server {
	if deps.Log == nil {
		l := logrus.New()
		deps.Log = l
	}
	s := &Server{deps: deps, log: deps.Log}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/offer", s.handleOffer)
	e.GET("/session/ws", s.handleControlWS)

	s.e = e
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(address string) error { return s.e.Start(address) }

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func (s *Server) handleOffer(c echo.Context) error {
	if !authOK(c.Request(), s.deps.AuthPassword) {
		return c.NoContent(http.StatusUnauthorized)
	}
	var offer rtc.SessionDescription
	if err := json.NewDecoder(c.Request().Body).Decode(&offer); err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	answer, err := s.deps.Offer.HandleOffer(c.Request().Context(), offer)
	if err != nil {
		s.log.WithError(err).Error("httpserver: offer failed")
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, answer)
}

// controlMessage is one inbound command on the control channel.
type controlMessage struct {
	Type     string `json:"type"`
	Kind     string `json:"kind,omitempty"`
	Muted    bool   `json:"muted,omitempty"`
	Password string `json:"password,omitempty"`
}

// controlEvent is one outbound frame on the control channel.
type controlEvent struct {
	Type  string `json:"type"`
	State string `json:"state,omitempty"`
	Role  string `json:"role,omitempty"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleControlWS(c echo.Context) error {
	r := c.Request()
	conn, err := upgrader.Upgrade(c.Response(), r, nil)
	if err != nil {
		return nil
	}
	defer conn.Close()

	if s.deps.AuthPassword != "" && !authOK(r, s.deps.AuthPassword) {
		// The browser WebSocket API cannot set headers; accept a first-frame
		// auth message instead.
		var m controlMessage
		if err := conn.ReadJSON(&m); err != nil || !strings.EqualFold(m.Type, "auth") || m.Password != s.deps.AuthPassword {
			_ = conn.WriteJSON(controlEvent{Type: "error", Error: "unauthorized"})
			return nil
		}
	}

	// Outbound frames are funneled through one writer goroutine; gorilla
	// connections allow a single concurrent writer.
	events := make(chan controlEvent, 64)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case ev := <-events:
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	}()
	defer close(done)
	// Late sends after the writer exits just buffer and get dropped; timers
	// inside the session may fire notifications past disconnect.
	send := func(ev controlEvent) {
		select {
		case events <- ev:
		default:
			s.log.Warn("httpserver: control event dropped, slow consumer")
		}
	}

	ctrl := s.deps.NewController(SessionEvents{
		Notify: func(text string) {
			send(controlEvent{Type: "notification", Text: text})
		},
		Delta: func(text string) {
			send(controlEvent{Type: "delta", Text: text})
		},
		Turn: func(role, text string) {
			send(controlEvent{Type: "transcript", Role: role, Text: text})
		},
	})
	defer ctrl.End()

	sendState := func() { send(controlEvent{Type: "state", State: ctrl.State()}) }
	sendState()

	for {
		var m controlMessage
		if err := conn.ReadJSON(&m); err != nil {
			break
		}
		switch strings.ToLower(m.Type) {
		case "start":
			if err := ctrl.Start(r.Context()); err != nil {
				send(controlEvent{Type: "error", Error: err.Error()})
				continue
			}
			sendState()
		case "photo-confirm":
			if err := ctrl.ConfirmPhoto(); err != nil {
				send(controlEvent{Type: "error", Error: err.Error()})
				continue
			}
			sendState()
		case "begin":
			if err := ctrl.Begin(); err != nil {
				send(controlEvent{Type: "error", Error: err.Error()})
				continue
			}
			sendState()
		case "violation":
			ctrl.ReportViolation(m.Kind)
			sendState()
		case "mute":
			ctrl.SetMuted(m.Muted)
		case "end", "bye":
			ctrl.End()
			sendState()
		default:
			send(controlEvent{Type: "error", Error: "unknown command: " + m.Type})
		}
	}
	return nil
}

// authOK accepts a shared password via query, X-Auth-Token, or bearer
// header. An empty expected password disables auth.
func authOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" {
		return q == expected
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" {
		return x == expected
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		return strings.TrimSpace(ah[len("Bearer "):]) == expected
	}
	return false
}
