package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nexhire/interview-agent/internal/rtc"
)

type fakeOffer struct {
	answer rtc.SessionDescription
	err    error
	got    rtc.SessionDescription
}

func (f *fakeOffer) HandleOffer(_ context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error) {
	f.got = offer
	return f.answer, f.err
}

type fakeController struct {
	mu     sync.Mutex
	state  string
	calls  []string
	events SessionEvents
	err    error
}

func (f *fakeController) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeController) Start(context.Context) error {
	f.record("start")
	if f.err != nil {
		return f.err
	}
	f.setState("AwaitingPermissions")
	return nil
}

func (f *fakeController) ConfirmPhoto() error {
	f.record("photo")
	f.setState("PhotoConfirmed")
	return nil
}

func (f *fakeController) Begin() error {
	f.record("begin")
	f.setState("Active")
	return nil
}

func (f *fakeController) ReportViolation(kind string) { f.record("violation:" + kind) }
func (f *fakeController) SetMuted(muted bool) {
	if muted {
		f.record("mute:on")
	} else {
		f.record("mute:off")
	}
}

func (f *fakeController) End() {
	f.record("end")
	f.setState("Ended")
}

func (f *fakeController) State() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == "" {
		return "NotStarted"
	}
	return f.state
}

func (f *fakeController) setState(s string) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeController) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestServer(password string, offer OfferHandler, ctrl *fakeController) *Server {
	return New(Deps{
		AuthPassword: password,
		Offer:        offer,
		NewController: func(events SessionEvents) Controller {
			ctrl.events = events
			return ctrl
		},
	})
}

func TestHealthz(t *testing.T) {
	srv := newTestServer("", &fakeOffer{}, &fakeController{})
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAuthOK(t *testing.T) {
	if !authOK(nil, "") {
		t.Fatal("empty expected must accept")
	}
	r := httptest.NewRequest(http.MethodGet, "/?password=secret", nil)
	if !authOK(r, "secret") {
		t.Fatal("query password rejected")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "tok")
	if !authOK(r2, "tok") {
		t.Fatal("X-Auth-Token rejected")
	}
	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "bearer abc")
	if !authOK(r3, "abc") {
		t.Fatal("lowercase bearer rejected")
	}
	r4 := httptest.NewRequest(http.MethodGet, "/?password=wrong", nil)
	if authOK(r4, "secret") {
		t.Fatal("wrong query password accepted")
	}
	r5 := httptest.NewRequest(http.MethodGet, "/", nil)
	if authOK(r5, "secret") {
		t.Fatal("missing credentials accepted")
	}
}

func TestOffer(t *testing.T) {
	offer := &fakeOffer{answer: rtc.SessionDescription{Type: "answer", SDP: "v=0 answer"}}
	srv := newTestServer("secret", offer, &fakeController{})

	// Unauthorized.
	r := httptest.NewRequest(http.MethodPost, "/offer", strings.NewReader(`{"type":"offer","sdp":"v=0"}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}

	// Bad JSON.
	r = httptest.NewRequest(http.MethodPost, "/offer?password=secret", strings.NewReader("not-json"))
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	// Happy path.
	r = httptest.NewRequest(http.MethodPost, "/offer?password=secret", strings.NewReader(`{"type":"offer","sdp":"v=0"}`))
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "v=0 answer") {
		t.Fatalf("answer missing from body: %s", w.Body.String())
	}
	if offer.got.SDP != "v=0" {
		t.Fatalf("offer not forwarded: %+v", offer.got)
	}
}

func TestOffer_HandlerFailure(t *testing.T) {
	srv := newTestServer("", &fakeOffer{err: errors.New("ice failed")}, &fakeController{})
	r := httptest.NewRequest(http.MethodPost, "/offer", strings.NewReader(`{"type":"offer","sdp":"v=0"}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func dialControl(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/session/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) controlEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev controlEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return ev
}

func TestControlChannel_DrivesSession(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer("", &fakeOffer{}, ctrl)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialControl(t, ts, "")
	defer conn.Close()

	if ev := readEvent(t, conn); ev.Type != "state" || ev.State != "NotStarted" {
		t.Fatalf("expected initial state event, got %+v", ev)
	}

	steps := []struct {
		msg  controlMessage
		want string
	}{
		{controlMessage{Type: "start"}, "AwaitingPermissions"},
		{controlMessage{Type: "photo-confirm"}, "PhotoConfirmed"},
		{controlMessage{Type: "begin"}, "Active"},
		{controlMessage{Type: "end"}, "Ended"},
	}
	for _, step := range steps {
		if err := conn.WriteJSON(step.msg); err != nil {
			t.Fatalf("write %s: %v", step.msg.Type, err)
		}
		if ev := readEvent(t, conn); ev.Type != "state" || ev.State != step.want {
			t.Fatalf("%s: expected state %q, got %+v", step.msg.Type, step.want, ev)
		}
	}

	calls := ctrl.recorded()
	want := []string{"start", "photo", "begin", "end"}
	for i, w := range want {
		if i >= len(calls) || calls[i] != w {
			t.Fatalf("calls = %v, want prefix %v", calls, want)
		}
	}
}

func TestControlChannel_ViolationAndNotification(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer("", &fakeOffer{}, ctrl)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialControl(t, ts, "")
	defer conn.Close()
	readEvent(t, conn) // initial state

	if err := conn.WriteJSON(controlMessage{Type: "violation", Kind: "tab switch"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readEvent(t, conn) // state after violation

	// The controller's notifier must reach the client as an event.
	ctrl.events.Notify("Warning 1 of 3")
	if ev := readEvent(t, conn); ev.Type != "notification" || ev.Text != "Warning 1 of 3" {
		t.Fatalf("expected notification, got %+v", ev)
	}

	calls := ctrl.recorded()
	if len(calls) == 0 || calls[0] != "violation:tab switch" {
		t.Fatalf("violation not forwarded: %v", calls)
	}
}

func TestControlChannel_TranscriptFrames(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer("", &fakeOffer{}, ctrl)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialControl(t, ts, "")
	defer conn.Close()
	readEvent(t, conn) // initial state

	// The session's streaming deltas and committed turns must reach the
	// client as typed frames.
	ctrl.events.Delta("What is")
	ctrl.events.Delta("What is a goroutine?")
	ctrl.events.Turn("assistant", "What is a goroutine?")
	ctrl.events.Turn("user", "A lightweight thread.")

	if ev := readEvent(t, conn); ev.Type != "delta" || ev.Text != "What is" {
		t.Fatalf("expected first delta, got %+v", ev)
	}
	if ev := readEvent(t, conn); ev.Type != "delta" || ev.Text != "What is a goroutine?" {
		t.Fatalf("expected second delta, got %+v", ev)
	}
	if ev := readEvent(t, conn); ev.Type != "transcript" || ev.Role != "assistant" || ev.Text != "What is a goroutine?" {
		t.Fatalf("expected assistant turn, got %+v", ev)
	}
	if ev := readEvent(t, conn); ev.Type != "transcript" || ev.Role != "user" || ev.Text != "A lightweight thread." {
		t.Fatalf("expected user turn, got %+v", ev)
	}
}

func TestControlChannel_FirstFrameAuth(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer("secret", &fakeOffer{}, ctrl)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// Wrong first-frame password.
	conn := dialControl(t, ts, "")
	_ = conn.WriteJSON(controlMessage{Type: "auth", Password: "wrong"})
	if ev := readEvent(t, conn); ev.Type != "error" || ev.Error != "unauthorized" {
		t.Fatalf("expected unauthorized, got %+v", ev)
	}
	conn.Close()

	// Correct first-frame password.
	conn2 := dialControl(t, ts, "")
	defer conn2.Close()
	_ = conn2.WriteJSON(controlMessage{Type: "auth", Password: "secret"})
	if ev := readEvent(t, conn2); ev.Type != "state" {
		t.Fatalf("expected state after auth, got %+v", ev)
	}

	// Query-string auth skips the first frame.
	conn3 := dialControl(t, ts, "?password=secret")
	defer conn3.Close()
	if ev := readEvent(t, conn3); ev.Type != "state" {
		t.Fatalf("expected state with query auth, got %+v", ev)
	}
}

func TestControlChannel_UnknownCommand(t *testing.T) {
	ctrl := &fakeController{}
	srv := newTestServer("", &fakeOffer{}, ctrl)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialControl(t, ts, "")
	defer conn.Close()
	readEvent(t, conn)

	_ = conn.WriteJSON(controlMessage{Type: "reboot"})
	if ev := readEvent(t, conn); ev.Type != "error" || !strings.Contains(ev.Error, "unknown command") {
		t.Fatalf("expected unknown-command error, got %+v", ev)
	}
}
