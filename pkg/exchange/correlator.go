package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haivivi/pushtalk/pkg/capture"
	"github.com/haivivi/pushtalk/pkg/envelope"
	"github.com/haivivi/pushtalk/pkg/eventlog"
	"github.com/haivivi/pushtalk/pkg/nostr"
	"github.com/haivivi/pushtalk/pkg/relay"
	"github.com/haivivi/pushtalk/pkg/storage"
)

// Default deadlines.
const (
	DefaultTranscriptionTimeout = 30 * time.Second
	DefaultAgentReplyTimeout    = 60 * time.Second
)

// Conn is the part of a relay session the correlator uses. *relay.Session
// implements it.
type Conn interface {
	Codec() *envelope.Codec
	Send(frame []byte) error
	AddListener(fn relay.Listener) relay.ListenerID
	RemoveListener(id relay.ListenerID) bool
	OnClose(fn func(error))
}

// Recorder keeps a history of sent events. *eventlog.Log implements it.
type Recorder interface {
	Record(ctx context.Context, ev *nostr.Event, dir eventlog.Direction, role envelope.Role, text string) error
}

// Options configures a Correlator.
type Options struct {
	// Signer signs outbound events. Required.
	Signer nostr.Signer

	// TranscriptionTimeout bounds the wait for the transcription reply.
	TranscriptionTimeout time.Duration

	// AgentReplyTimeout bounds the wait for the agent reply.
	AgentReplyTimeout time.Duration

	// RepoURL, when set, is attached to agent commands as
	// ["param", "repo", url].
	RepoURL string

	// Archive stores every submitted clip.
	Archive storage.ClipStore

	// Recorder records outbound events.
	Recorder Recorder

	// Now defaults to time.Now.
	Now func() time.Time
}

// Correlator runs exchanges over one relay session.
type Correlator struct {
	conn  Conn
	codec *envelope.Codec
	opts  Options

	mu     sync.Mutex
	active *Exchange

	archiving sync.WaitGroup
}

// New attaches a Correlator to conn. A connection loss fails the exchange
// in flight.
func New(conn Conn, opts Options) (*Correlator, error) {
	if opts.Signer == nil {
		return nil, errors.New("exchange: signer is required")
	}
	if opts.TranscriptionTimeout <= 0 {
		opts.TranscriptionTimeout = DefaultTranscriptionTimeout
	}
	if opts.AgentReplyTimeout <= 0 {
		opts.AgentReplyTimeout = DefaultAgentReplyTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Correlator{conn: conn, codec: conn.Codec(), opts: opts}
	conn.OnClose(c.connectionLost)
	return c, nil
}

// Active returns the exchange in flight, or nil.
func (c *Correlator) Active() *Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Submit sends clip as an audio-submit request and returns immediately.
// Replies and the eventual failure, if any, go to cb.
//
// Submit fails synchronously, without calling cb, with ErrBusy while
// another exchange is in flight and with relay.ErrNotConnected when the
// session is not open. A connection lost while sending is reported
// through cb like any later failure.
func (c *Correlator) Submit(clip capture.Clip, cb Callback) (*Exchange, error) {
	if err := clip.Validate(); err != nil {
		return nil, err
	}
	if cb == nil {
		cb = func(Reply) {}
	}

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	frame, ev, err := c.codec.EncodeAudioSubmit(c.opts.Signer, clip.Data, clip.Format)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	ex := &Exchange{
		id:       uuid.NewString(),
		clip:     clip,
		cb:       cb,
		done:     make(chan struct{}),
		mu:       &c.mu,
		stage:    StageAwaitingTranscription,
		eventIDs: []string{ev.ID},
	}
	// Listen before sending so a fast reply cannot be missed.
	c.listenLocked(ex, c.opts.TranscriptionTimeout)
	c.active = ex
	c.mu.Unlock()

	if err := c.conn.Send(frame); err != nil {
		if errors.Is(err, relay.ErrNotConnected) && c.abort(ex, err) {
			return nil, err
		}
		c.fail(ex, anyStage, err)
		return ex, nil
	}
	slog.Debug("exchange: submitted audio", "exchange", ex.id, "event", ev.ID, "bytes", len(clip.Data))

	c.record(ev, envelope.RoleAudioSubmit, fmt.Sprintf("[audio %s, %d bytes]", clip.Format, len(clip.Data)), true)
	if c.opts.Archive != nil {
		c.archiving.Add(1)
		go func() {
			defer c.archiving.Done()
			c.archive(ex)
		}()
	}
	return ex, nil
}

// Flush waits for clip archive writes still in progress.
func (c *Correlator) Flush() {
	c.archiving.Wait()
}

// listenLocked installs the one-shot listener and deadline for the stage
// ex is entering.
func (c *Correlator) listenLocked(ex *Exchange, timeout time.Duration) {
	stage := ex.stage
	ex.listener = c.conn.AddListener(func(msg *envelope.Message) {
		c.handle(ex, msg)
	})
	ex.listening = true
	ex.timer = time.AfterFunc(timeout, func() {
		c.expire(ex, stage, timeout)
	})
}

// releaseLocked removes the listener and stops the deadline.
func (c *Correlator) releaseLocked(ex *Exchange) {
	if ex.listening {
		c.conn.RemoveListener(ex.listener)
		ex.listening = false
	}
	if ex.timer != nil {
		ex.timer.Stop()
		ex.timer = nil
	}
}

func (c *Correlator) handle(ex *Exchange, msg *envelope.Message) {
	if msg.Event == nil {
		return
	}
	c.mu.Lock()
	if c.active != ex {
		c.mu.Unlock()
		return
	}
	switch {
	case ex.stage == StageAwaitingTranscription && msg.Role == envelope.RoleTranscriptionReply:
		if !ex.references(msg.Event) {
			c.mu.Unlock()
			slog.Debug("exchange: discarding transcription for another request", "event", msg.Event.ID)
			return
		}
		c.transcribedLocked(ex, msg)
	case ex.stage == StageAwaitingAgentReply && msg.Role == envelope.RoleAgentReply:
		if !ex.references(msg.Event) {
			c.mu.Unlock()
			slog.Debug("exchange: discarding agent reply for another request", "event", msg.Event.ID)
			return
		}
		c.answeredLocked(ex, msg)
	default:
		c.mu.Unlock()
	}
}

// transcribedLocked reports the transcription and chains the agent
// command. It is called with c.mu held and releases it.
func (c *Correlator) transcribedLocked(ex *Exchange, msg *envelope.Message) {
	c.releaseLocked(ex)
	ex.transcription = msg.Text
	ex.eventIDs = append(ex.eventIDs, msg.Event.ID)

	tags := nostr.Tags{{"e", msg.Event.ID}}
	if c.opts.RepoURL != "" {
		tags = append(tags, nostr.Tag{"param", "repo", c.opts.RepoURL})
	}
	frame, cmd, err := c.codec.EncodeAgentCommand(c.opts.Signer, msg.Text, tags)
	if err != nil {
		c.mu.Unlock()
		c.fail(ex, anyStage, err)
		return
	}
	ex.eventIDs = append(ex.eventIDs, cmd.ID)
	ex.stage = StageAwaitingAgentReply
	c.listenLocked(ex, c.opts.AgentReplyTimeout)
	c.mu.Unlock()

	ex.cb(Reply{Kind: ReplyTranscription, Text: msg.Text, Event: msg.Event})

	if err := c.conn.Send(frame); err != nil {
		c.fail(ex, anyStage, err)
		return
	}
	slog.Debug("exchange: sent agent command", "exchange", ex.id, "event", cmd.ID)
	c.record(cmd, envelope.RoleAgentCommand, msg.Text, false)
}

// answeredLocked completes the exchange. It is called with c.mu held and
// releases it.
func (c *Correlator) answeredLocked(ex *Exchange, msg *envelope.Message) {
	c.releaseLocked(ex)
	ex.agentReply = msg.Text
	ex.stage = StageDone
	c.active = nil
	c.mu.Unlock()

	ex.cb(Reply{Kind: ReplyAgent, Text: msg.Text, Event: msg.Event})
	close(ex.done)
}

func (c *Correlator) expire(ex *Exchange, stage Stage, after time.Duration) {
	c.fail(ex, stage, fmt.Errorf("%w: no %s reply within %v", ErrTimeout, replyKindOf(stage), after))
}

func (c *Correlator) connectionLost(err error) {
	c.mu.Lock()
	ex := c.active
	c.mu.Unlock()
	if ex != nil {
		c.fail(ex, anyStage, err)
	}
}

// anyStage makes fail apply regardless of the current stage.
const anyStage Stage = -1

// fail moves ex to StageFailed and reports err, unless ex already
// finished or, when stage is not anyStage, has moved past stage.
func (c *Correlator) fail(ex *Exchange, stage Stage, err error) {
	c.mu.Lock()
	if ex.terminal() || (stage != anyStage && ex.stage != stage) {
		c.mu.Unlock()
		return
	}
	kind := replyKindOf(ex.stage)
	c.releaseLocked(ex)
	ex.stage = StageFailed
	ex.err = err
	if c.active == ex {
		c.active = nil
	}
	c.mu.Unlock()

	slog.Debug("exchange: failed", "exchange", ex.id, "error", err)
	ex.cb(Reply{Kind: kind, Err: err})
	close(ex.done)
}

// abort withdraws an exchange whose request never left. It reports false
// when the exchange had already finished.
func (c *Correlator) abort(ex *Exchange, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ex.terminal() {
		return false
	}
	c.releaseLocked(ex)
	ex.stage = StageFailed
	ex.err = err
	if c.active == ex {
		c.active = nil
	}
	close(ex.done)
	return true
}

func (c *Correlator) record(ev *nostr.Event, role envelope.Role, text string, dropContent bool) {
	if c.opts.Recorder == nil {
		return
	}
	if dropContent {
		cp := *ev
		cp.Content = ""
		ev = &cp
	}
	if err := c.opts.Recorder.Record(context.Background(), ev, eventlog.Outbound, role, text); err != nil {
		slog.Warn("exchange: record event", "event", ev.ID, "error", err)
	}
}

func (c *Correlator) archive(ex *Exchange) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	key, err := c.opts.Archive.SaveClip(ctx, ex.id, c.opts.Now(), ex.clip)
	if err != nil {
		slog.Warn("exchange: archive clip", "exchange", ex.id, "error", err)
		return
	}
	c.mu.Lock()
	ex.archiveKey = key
	c.mu.Unlock()
}
