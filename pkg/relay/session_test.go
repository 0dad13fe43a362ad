package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haivivi/pushtalk/pkg/envelope"
)

const testAuthor = "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

type mockRelay struct {
	srv   *httptest.Server
	conns chan *websocket.Conn

	mu  sync.Mutex
	all []*websocket.Conn
}

func newMockRelay(t *testing.T) *mockRelay {
	t.Helper()
	m := &mockRelay{conns: make(chan *websocket.Conn, 8)}
	upgrader := websocket.Upgrader{}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		m.mu.Lock()
		m.all = append(m.all, c)
		m.mu.Unlock()
		m.conns <- c
	}))
	t.Cleanup(func() {
		m.mu.Lock()
		for _, c := range m.all {
			c.Close()
		}
		m.mu.Unlock()
		m.srv.Close()
	})
	return m
}

func (m *mockRelay) url() string {
	return "ws" + strings.TrimPrefix(m.srv.URL, "http")
}

func (m *mockRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-m.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

// readREQ reads the subscription frame and returns its subscription id.
func readREQ(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read REQ: %v", err)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil || len(parts) != 3 {
		t.Fatalf("REQ frame = %s", frame)
	}
	var label, subID string
	json.Unmarshal(parts[0], &label)
	json.Unmarshal(parts[1], &subID)
	if label != "REQ" {
		t.Fatalf("label = %q", label)
	}
	if want := `{"authors":["` + testAuthor + `"]}`; string(parts[2]) != want {
		t.Fatalf("filter = %s, want %s", parts[2], want)
	}
	return subID
}

func eventFrame(kind int, content string) []byte {
	b, _ := json.Marshal([]any{"EVENT", map[string]any{
		"kind": kind, "content": content, "created_at": 1, "tags": []any{},
	}})
	return b
}

func newTestSession(t *testing.T, url string, reconnect *ReconnectPolicy) *Session {
	t.Helper()
	codec, err := envelope.New(envelope.Config{Kinds: envelope.KindsNIP90})
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	s, err := NewSession(Options{URL: url, Codec: codec, Author: testAuthor, Reconnect: reconnect})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting")
		var zero T
		return zero
	}
}

func TestNewSessionValidation(t *testing.T) {
	codec, _ := envelope.New(envelope.Config{Kinds: envelope.KindsNIP90})
	tests := []Options{
		{Codec: codec, Author: testAuthor},
		{URL: "ws://x", Author: testAuthor},
		{URL: "ws://x", Codec: codec},
	}
	for i, opts := range tests {
		if _, err := NewSession(opts); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestStartSubscribes(t *testing.T) {
	m := newMockRelay(t)
	s := newTestSession(t, m.url(), nil)

	var states []State
	var mu sync.Mutex
	s.OnStateChange(func(st State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	if err := s.Send([]byte(`[]`)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send before Start = %v, want ErrNotConnected", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := m.accept(t)
	if got := readREQ(t, c); got != s.SubscriptionID() {
		t.Fatalf("subscription = %q, want %q", got, s.SubscriptionID())
	}
	if s.State() != StateOpen {
		t.Fatalf("state = %v", s.State())
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != StateConnecting || states[1] != StateOpen {
		t.Fatalf("states = %v", states)
	}
}

func TestStartDialFailure(t *testing.T) {
	s := newTestSession(t, "ws://127.0.0.1:1/none", nil)
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start should fail")
	}
	if s.State() != StateDisconnected {
		t.Fatalf("state = %v", s.State())
	}
}

func TestSendAndDispatchOrder(t *testing.T) {
	m := newMockRelay(t)
	s := newTestSession(t, m.url(), nil)

	got := make(chan string, 16)
	s.AddListener(func(msg *envelope.Message) { got <- msg.Text })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := m.accept(t)
	readREQ(t, c)

	if err := s.Send([]byte(`["EVENT",{"kind":5252}]`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_, frame, err := c.ReadMessage()
	if err != nil || string(frame) != `["EVENT",{"kind":5252}]` {
		t.Fatalf("server read %s, %v", frame, err)
	}

	for i := range 5 {
		c.WriteMessage(websocket.TextMessage, eventFrame(6252, fmt.Sprint(i)))
	}
	for i := range 5 {
		if text := recv(t, got); text != fmt.Sprint(i) {
			t.Fatalf("frame %d text = %q", i, text)
		}
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	m := newMockRelay(t)
	s := newTestSession(t, m.url(), nil)

	got := make(chan string, 4)
	s.AddListener(func(msg *envelope.Message) { got <- msg.Text })
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := m.accept(t)
	readREQ(t, c)

	c.WriteMessage(websocket.TextMessage, []byte("garbage"))
	c.WriteMessage(websocket.TextMessage, []byte(`["WHAT"]`))
	c.WriteMessage(websocket.TextMessage, eventFrame(6838, "after"))
	if text := recv(t, got); text != "after" {
		t.Fatalf("text = %q", text)
	}
	if s.State() != StateOpen {
		t.Fatalf("state = %v", s.State())
	}
}

func TestListenerMutationDuringDispatch(t *testing.T) {
	m := newMockRelay(t)
	s := newTestSession(t, m.url(), nil)

	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)
	hit := func(name string) {
		mu.Lock()
		calls[name]++
		mu.Unlock()
	}

	var selfID, victimID ListenerID
	var addLate sync.Once
	selfID = s.AddListener(func(*envelope.Message) {
		hit("self")
		s.RemoveListener(selfID)
	})
	s.AddListener(func(*envelope.Message) {
		hit("remover")
		s.RemoveListener(victimID)
		addLate.Do(func() {
			s.AddListener(func(*envelope.Message) { hit("late") })
		})
	})
	victimID = s.AddListener(func(*envelope.Message) { hit("victim") })
	done := make(chan struct{}, 4)
	s.AddListener(func(*envelope.Message) { done <- struct{}{} })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := m.accept(t)
	readREQ(t, c)

	c.WriteMessage(websocket.TextMessage, eventFrame(6252, "one"))
	recv(t, done)
	mu.Lock()
	if calls["self"] != 1 || calls["remover"] != 1 || calls["victim"] != 0 || calls["late"] != 0 {
		t.Fatalf("after first frame: %v", calls)
	}
	mu.Unlock()

	// Frames are dispatched one at a time, so the late listener has run
	// for frame two once frame three reaches the done listener.
	c.WriteMessage(websocket.TextMessage, eventFrame(6252, "two"))
	c.WriteMessage(websocket.TextMessage, eventFrame(6252, "three"))
	recv(t, done)
	recv(t, done)
	mu.Lock()
	defer mu.Unlock()
	if calls["self"] != 1 || calls["remover"] != 3 || calls["victim"] != 0 || calls["late"] < 1 {
		t.Fatalf("after third frame: %v", calls)
	}
}

func TestOnCloseOncePerConnection(t *testing.T) {
	m := newMockRelay(t)
	s := newTestSession(t, m.url(), nil)

	var count atomic.Int32
	closed := make(chan error, 4)
	s.OnClose(func(err error) {
		count.Add(1)
		closed <- err
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := m.accept(t)
	readREQ(t, c)

	c.Close()
	err := recv(t, closed)
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("close error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.State() != StateClosed && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v", s.State())
	}
	if err := s.Send([]byte(`[]`)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send after close = %v", err)
	}
	s.Stop()
	if n := count.Load(); n != 1 {
		t.Fatalf("close observers called %d times", n)
	}
}

func TestStopIsSynchronousAndIdempotent(t *testing.T) {
	m := newMockRelay(t)
	s := newTestSession(t, m.url(), nil)

	var count atomic.Int32
	s.OnClose(func(err error) {
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("close error = %v", err)
		}
		count.Add(1)
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c := m.accept(t)
	readREQ(t, c)

	s.Stop()
	if n := count.Load(); n != 1 {
		t.Fatalf("observers after Stop = %d, want 1", n)
	}
	s.Stop()
	time.Sleep(50 * time.Millisecond)
	if n := count.Load(); n != 1 {
		t.Fatalf("observers after second Stop = %d, want 1", n)
	}
	if s.State() != StateClosed {
		t.Fatalf("state = %v", s.State())
	}
	if err := s.Send([]byte(`[]`)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send after Stop = %v", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start after Stop = %v", err)
	}

	// The relay sees the subscription closed.
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := c.ReadMessage()
	if err != nil || string(frame) != `["CLOSE","`+s.SubscriptionID()+`"]` {
		t.Fatalf("server read %s, %v", frame, err)
	}
}

func TestReconnectResubscribes(t *testing.T) {
	m := newMockRelay(t)
	s := newTestSession(t, m.url(), &ReconnectPolicy{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
		MaxAttempts:     20,
	})

	closed := make(chan error, 4)
	s.OnClose(func(err error) { closed <- err })
	got := make(chan string, 4)
	s.AddListener(func(msg *envelope.Message) { got <- msg.Text })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first := m.accept(t)
	subID := readREQ(t, first)
	first.Close()

	if err := recv(t, closed); !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("close error = %v", err)
	}
	second := m.accept(t)
	if again := readREQ(t, second); again != subID {
		t.Fatalf("resubscribed as %q, want %q", again, subID)
	}

	second.WriteMessage(websocket.TextMessage, eventFrame(6838, "back"))
	if text := recv(t, got); text != "back" {
		t.Fatalf("text = %q", text)
	}
	if s.State() != StateOpen {
		t.Fatalf("state = %v", s.State())
	}
}

func TestListenerSetCompaction(t *testing.T) {
	var ls listenerSet
	a := ls.add(func(*envelope.Message) {})
	b := ls.add(func(*envelope.Message) {})
	if !ls.remove(a) {
		t.Fatal("remove a")
	}
	if ls.remove(a) {
		t.Fatal("second remove of a should report false")
	}
	if len(ls.entries) != 1 || ls.entries[0].id != b {
		t.Fatalf("entries = %+v", ls.entries)
	}
	if ls.len() != 1 {
		t.Fatalf("len = %d", ls.len())
	}
}
