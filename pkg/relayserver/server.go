// Package relayserver is a small development relay. It accepts signed
// events over WebSocket, keeps per-connection subscriptions, and answers
// audio submissions with a transcription and agent commands with an agent
// reply.
package relayserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haivivi/pushtalk/pkg/capture"
	"github.com/haivivi/pushtalk/pkg/envelope"
	"github.com/haivivi/pushtalk/pkg/identity"
	"github.com/haivivi/pushtalk/pkg/nostr"
)

// Config configures a Server.
type Config struct {
	// Kinds is the numbering the relay answers. Required.
	Kinds envelope.Kinds

	// Shape is the form of direct replies. Subscription deliveries always
	// use ["EVENT", subID, event].
	Shape envelope.Shape

	// Signer signs replies. Defaults to a fresh key.
	Signer nostr.Signer

	// Transcriber answers audio submissions. Without one, submissions get
	// a NOTICE.
	Transcriber Transcriber

	// Agent answers agent commands. Defaults to StaticAgent(DefaultReply).
	Agent Agent

	// SkipVerify accepts events with invalid ids or signatures.
	SkipVerify bool

	// JobTimeout bounds a transcription or agent call. Defaults to 60s.
	JobTimeout time.Duration

	// MaxFrameBytes limits inbound frames. Defaults to 16 MiB.
	MaxFrameBytes int64
}

// Server is an http.Handler speaking the relay protocol.
type Server struct {
	cfg      Config
	codec    *envelope.Codec
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	jobs   sync.WaitGroup

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	ws     *websocket.Conn
	remote string

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]nostr.Filters
}

func (c *client) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *client) notice(msg string) {
	if frame, err := envelope.EncodeNotice(msg); err == nil {
		c.write(frame)
	}
}

// New creates a Server.
func New(cfg Config) (*Server, error) {
	codec, err := envelope.New(envelope.Config{Kinds: cfg.Kinds, Shape: cfg.Shape})
	if err != nil {
		return nil, err
	}
	if cfg.Signer == nil {
		sk, err := nostr.GenerateSecretKey()
		if err != nil {
			return nil, err
		}
		cfg.Signer = identity.New(sk)
	}
	if cfg.Agent == nil {
		cfg.Agent = StaticAgent(DefaultReply)
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 16 << 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:   cfg,
		codec: codec,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*client]struct{}),
	}, nil
}

// PublicKey returns the relay's signing key.
func (s *Server) PublicKey() string {
	return s.cfg.Signer.PublicKey()
}

// ServeHTTP upgrades WebSocket requests; other requests get a banner.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "pushtalk relay")
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("relayserver: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxFrameBytes)
	c := &client{ws: ws, remote: r.RemoteAddr, subs: make(map[string]nostr.Filters)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	slog.Info("relayserver: client connected", "remote", c.remote)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		ws.Close()
		slog.Info("relayserver: client disconnected", "remote", c.remote)
	}()

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(c, frame)
	}
}

func (s *Server) handleFrame(c *client, frame []byte) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var parts []json.RawMessage
		if err := json.Unmarshal(trimmed, &parts); err != nil || len(parts) == 0 {
			c.notice("error: invalid message")
			return
		}
		var label string
		json.Unmarshal(parts[0], &label)
		switch label {
		case envelope.LabelReq:
			s.handleReq(c, parts[1:])
			return
		case envelope.LabelClose:
			s.handleClose(c, parts[1:])
			return
		case envelope.LabelEvent:
		default:
			c.notice(fmt.Sprintf("error: unsupported message %q", label))
			return
		}
	}

	msg, err := s.codec.Decode(trimmed)
	if err != nil || msg.Event == nil {
		c.notice("error: invalid event")
		return
	}
	s.handleEvent(c, msg)
}

func (s *Server) handleReq(c *client, args []json.RawMessage) {
	if len(args) == 0 {
		c.notice("error: REQ without subscription id")
		return
	}
	var subID string
	if err := json.Unmarshal(args[0], &subID); err != nil || subID == "" {
		c.notice("error: invalid subscription id")
		return
	}
	filters := make(nostr.Filters, 0, len(args)-1)
	for _, raw := range args[1:] {
		var f nostr.Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			c.notice("error: invalid filter")
			return
		}
		filters = append(filters, f)
	}
	c.mu.Lock()
	c.subs[subID] = filters
	c.mu.Unlock()
	slog.Debug("relayserver: subscribed", "remote", c.remote, "sub", subID, "filters", len(filters))

	if frame, err := envelope.EncodeEOSE(subID); err == nil {
		c.write(frame)
	}
}

func (s *Server) handleClose(c *client, args []json.RawMessage) {
	var subID string
	if len(args) > 0 {
		json.Unmarshal(args[0], &subID)
	}
	c.mu.Lock()
	delete(c.subs, subID)
	c.mu.Unlock()
}

func (s *Server) handleEvent(c *client, msg *envelope.Message) {
	ev := msg.Event
	if !s.cfg.SkipVerify {
		if err := nostr.Verify(ev); err != nil {
			if frame, err := envelope.EncodeOK(ev.ID, false, "invalid: "+err.Error()); err == nil {
				c.write(frame)
			}
			return
		}
	}
	if frame, err := envelope.EncodeOK(ev.ID, true, ""); err == nil {
		c.write(frame)
	}
	s.broadcast(ev, nil)

	switch msg.Role {
	case envelope.RoleAudioSubmit:
		s.run(func(ctx context.Context) { s.transcribe(ctx, c, ev, msg.Payload) })
	case envelope.RoleAgentCommand:
		s.run(func(ctx context.Context) { s.respond(ctx, c, ev, msg.Payload) })
	}
}

// run executes a job outside the connection's read loop. Jobs arriving
// after Close are dropped and run reports false.
func (s *Server) run(job func(ctx context.Context)) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		slog.Debug("relayserver: dropping job after close")
		return false
	}
	s.jobs.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.jobs.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
		defer cancel()
		job(ctx)
	}()
	return true
}

func (s *Server) transcribe(ctx context.Context, c *client, req *nostr.Event, payload envelope.Payload) {
	if s.cfg.Transcriber == nil {
		c.notice("error: transcription is not configured")
		return
	}
	audio, err := base64.StdEncoding.DecodeString(payload.String("audio"))
	if err != nil || len(audio) == 0 {
		c.notice("error: audio submission without audio")
		return
	}
	format := payload.String("format")
	if format == "" {
		format = capture.DefaultFormat
	}
	text, err := s.cfg.Transcriber.Transcribe(ctx, capture.Clip{Data: audio, Format: format})
	if err != nil {
		slog.Warn("relayserver: transcription failed", "event", req.ID, "error", err)
		c.notice("error: transcription failed")
		return
	}
	slog.Info("relayserver: transcribed", "event", req.ID, "text", text)
	s.reply(c, req, s.cfg.Kinds.TranscriptionReply, envelope.Payload{"transcription": text}, "")
}

func (s *Server) respond(ctx context.Context, c *client, req *nostr.Event, payload envelope.Payload) {
	cmd := Command{Text: CommandText(req, payload), Event: req}
	for _, t := range req.Tags {
		if len(t) >= 3 && t[0] == "param" && t[1] == "repo" {
			cmd.Repo = t[2]
		}
	}
	text, err := s.cfg.Agent.Respond(ctx, cmd)
	if err != nil {
		slog.Warn("relayserver: agent failed", "event", req.ID, "error", err)
		c.notice("error: agent failed")
		return
	}
	slog.Info("relayserver: agent replied", "event", req.ID, "command", cmd.Text)
	s.reply(c, req, s.cfg.Kinds.AgentReply, nil, text)
}

// CommandText extracts the command of an agent-command event: the "i" job
// input tag, else the command field of the content.
func CommandText(ev *nostr.Event, payload envelope.Payload) string {
	if t, ok := ev.Tags.Find("i"); ok && t.Value() != "" {
		return t.Value()
	}
	if cmd := payload.String("command"); cmd != "" {
		return cmd
	}
	return payload.String("text")
}

// reply signs a result for req and sends it to the requester and to any
// other matching subscription. JSON payloads take precedence over text.
func (s *Server) reply(c *client, req *nostr.Event, kind int, payload envelope.Payload, text string) {
	tags := nostr.Tags{{"e", req.ID}, {"p", req.PubKey}}
	var (
		frame []byte
		ev    *nostr.Event
		err   error
	)
	if payload != nil {
		frame, ev, err = s.codec.Encode(s.cfg.Signer, kind, payload, tags)
	} else {
		frame, ev, err = s.codec.EncodeText(s.cfg.Signer, kind, text, tags)
	}
	if err != nil {
		slog.Error("relayserver: encode reply", "error", err)
		return
	}
	if err := c.write(frame); err != nil {
		slog.Debug("relayserver: reply not delivered", "remote", c.remote, "error", err)
	}
	s.broadcast(ev, c)
}

// broadcast delivers ev to every matching subscription except those of
// skip.
func (s *Server) broadcast(ev *nostr.Event, skip *client) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if c != skip {
			clients = append(clients, c)
		}
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		var subIDs []string
		for id, filters := range c.subs {
			if filters.Match(ev) {
				subIDs = append(subIDs, id)
			}
		}
		c.mu.Unlock()
		for _, id := range subIDs {
			frame, err := json.Marshal([]any{envelope.LabelEvent, id, ev})
			if err != nil {
				continue
			}
			c.write(frame)
		}
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close cancels running jobs, disconnects every client and waits for the
// jobs to return.
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	s.closed = true
	for c := range s.clients {
		c.ws.Close()
	}
	s.mu.Unlock()
	s.jobs.Wait()
	return nil
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	slog.Info("relayserver: listening", "addr", ln.Addr().String(), "pubkey", s.PublicKey())

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Close()
	err := srv.Shutdown(shutdownCtx)
	<-errCh
	return err
}
