package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haivivi/pushtalk/pkg/envelope"
	"github.com/haivivi/pushtalk/pkg/nostr"
)

var (
	// ErrNotConnected is returned by Send when the session is not open.
	ErrNotConnected = errors.New("relay: not connected")

	// ErrConnectionLost is wrapped by the error passed to close observers.
	ErrConnectionLost = errors.New("relay: connection lost")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("relay: session stopped")
)

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// Options configures a Session.
type Options struct {
	// URL is the relay WebSocket endpoint. Required.
	URL string

	// Codec decodes inbound frames. Required.
	Codec *envelope.Codec

	// Author is the hex public key whose events the session subscribes to.
	// Required.
	Author string

	// SubscriptionID names the subscription. Defaults to a random id.
	SubscriptionID string

	// Header is sent with the WebSocket handshake.
	Header http.Header

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Reconnect enables reconnection after an unexpected close. Nil
	// disables it.
	Reconnect *ReconnectPolicy
}

// Session is one logical connection to a relay. At most one socket is live
// at a time; a single goroutine reads, decodes and dispatches its frames.
type Session struct {
	opts      Options
	log       *slog.Logger
	subID     string
	listeners listenerSet

	writeMu sync.Mutex

	mu             sync.Mutex
	state          State
	conn           *connection
	stopped        bool
	running        bool
	cancel         context.CancelFunc
	closeObservers []func(error)
	stateObservers []func(State)
}

// connection wraps one socket so its close is reported once.
type connection struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

// NewSession validates opts and returns a disconnected Session.
func NewSession(opts Options) (*Session, error) {
	if opts.URL == "" {
		return nil, errors.New("relay: URL is required")
	}
	if opts.Codec == nil {
		return nil, errors.New("relay: codec is required")
	}
	if opts.Author == "" {
		return nil, errors.New("relay: author is required")
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	subID := opts.SubscriptionID
	if subID == "" {
		subID = "sub_" + uuid.New().String()[:12]
	}
	log := opts.Logger.With("component", "relay", "url", opts.URL)
	return &Session{opts: opts, log: log, subID: subID}, nil
}

// SubscriptionID returns the id used in REQ frames.
func (s *Session) SubscriptionID() string {
	return s.subID
}

// Codec returns the codec frames are decoded with.
func (s *Session) Codec() *envelope.Codec {
	return s.opts.Codec
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start dials the relay, subscribes to the author's events and starts the
// read loop. ctx bounds the dial only; the session runs until Stop or an
// unrecoverable close.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.stopped:
		s.mu.Unlock()
		return ErrStopped
	case s.running:
		s.mu.Unlock()
		return errors.New("relay: already started")
	}
	s.running = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.setState(StateConnecting)
	c, err := s.connect(ctx)
	if err != nil {
		cancel()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.setState(StateDisconnected)
		return err
	}
	if !s.install(c) {
		cancel()
		return ErrStopped
	}
	go s.run(runCtx, c)
	return nil
}

// connect dials and sends the subscription request.
func (s *Session) connect(ctx context.Context) (*connection, error) {
	ws, resp, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, s.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay: dial %s: %w (HTTP %d)", s.opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("relay: dial %s: %w", s.opts.URL, err)
	}
	req, err := envelope.EncodeREQ(s.subID, nostr.Filter{Authors: []string{s.opts.Author}})
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("relay: encode subscription: %w", err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, req); err != nil {
		ws.Close()
		return nil, fmt.Errorf("relay: subscribe: %w", err)
	}
	s.log.Info("connected", "subscription", s.subID)
	return &connection{ws: ws}, nil
}

// install makes c the live connection unless the session was stopped.
func (s *Session) install(c *connection) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		c.ws.Close()
		return false
	}
	s.conn = c
	s.mu.Unlock()
	s.setState(StateOpen)
	return true
}

// run is the single read goroutine. It survives reconnects.
func (s *Session) run(ctx context.Context, c *connection) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	for {
		err := s.readLoop(c)
		s.closeConn(c, err)

		if s.isStopped() {
			return
		}
		if s.opts.Reconnect == nil {
			s.setState(StateClosed)
			return
		}
		s.setState(StateConnecting)
		next, rerr := s.reconnect(ctx)
		if rerr != nil {
			if !s.isStopped() {
				s.log.Warn("giving up reconnecting", "error", rerr)
				s.setState(StateClosed)
			}
			return
		}
		if !s.install(next) {
			return
		}
		c = next
	}
}

func (s *Session) readLoop(c *connection) error {
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		s.log.Debug("recv", "frame", frameText(frame))
		msg, err := s.opts.Codec.Decode(frame)
		if err != nil {
			s.log.Debug("dropping frame", "error", err)
			continue
		}
		if msg.Label == envelope.LabelNotice {
			s.log.Info("notice", "message", msg.Notice)
		}
		s.listeners.dispatch(msg)
	}
}

// closeConn closes c and notifies close observers, once per connection.
func (s *Session) closeConn(c *connection, cause error) {
	c.closeOnce.Do(func() {
		c.ws.Close()

		s.mu.Lock()
		if s.conn == c {
			s.conn = nil
		}
		observers := append([]func(error){}, s.closeObservers...)
		s.mu.Unlock()

		err := fmt.Errorf("%w: %v", ErrConnectionLost, cause)
		if !s.isStopped() {
			s.log.Warn("connection closed", "error", cause)
		}
		for _, fn := range observers {
			fn(err)
		}
	})
}

// Send writes one frame. Writes are serialized and never reordered.
func (s *Session) Send(frame []byte) error {
	s.mu.Lock()
	c, state := s.conn, s.state
	s.mu.Unlock()
	if c == nil || state != StateOpen {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.log.Debug("send", "frame", frameText(frame))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		// The read loop observes the close and notifies observers.
		c.ws.Close()
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return nil
}

// AddListener registers fn for every subsequent inbound message. Listeners
// added during a dispatch see only later frames.
func (s *Session) AddListener(fn Listener) ListenerID {
	return s.listeners.add(fn)
}

// RemoveListener unregisters a listener. It is safe to call from inside a
// listener, including the one being removed. It reports whether id was
// registered.
func (s *Session) RemoveListener(id ListenerID) bool {
	return s.listeners.remove(id)
}

// OnClose registers fn to be called once for every connection that closes.
// The error wraps ErrConnectionLost.
func (s *Session) OnClose(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeObservers = append(s.closeObservers, fn)
}

// OnStateChange registers fn to be called after every state transition.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateObservers = append(s.stateObservers, fn)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st || (s.stopped && st != StateClosed) {
		s.mu.Unlock()
		return
	}
	s.state = st
	observers := append([]func(State){}, s.stateObservers...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(st)
	}
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Stop closes the session. Close observers for the live connection run
// before Stop returns. Stop is idempotent and the session cannot be
// restarted.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	c := s.conn
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.setState(StateClosed)
	if c == nil {
		return
	}

	s.writeMu.Lock()
	if closeReq, err := envelope.EncodeCLOSE(s.subID); err == nil {
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.TextMessage, closeReq)
	}
	s.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.closeConn(c, errors.New("stopped"))
}

// frameText defers the string conversion of a frame to the log handler.
type frameText []byte

func (f frameText) LogValue() slog.Value { return slog.StringValue(string(f)) }
