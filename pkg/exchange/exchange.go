// Package exchange correlates the two request/response hops of a
// push-to-talk exchange over a relay session: an audio clip is submitted,
// the transcription reply is reported and chained into an agent command,
// and the agent reply completes the exchange.
//
// Replies carry no per-request correlation id, so they are matched by kind.
// To keep that unambiguous a Correlator allows one exchange in flight at a
// time; Submit rejects a second one with ErrBusy. Replies that do name a
// request through an "e" tag are additionally required to name one of the
// exchange's own events.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haivivi/pushtalk/pkg/capture"
	"github.com/haivivi/pushtalk/pkg/nostr"
	"github.com/haivivi/pushtalk/pkg/relay"
)

var (
	// ErrBusy is returned by Submit while another exchange is in flight.
	ErrBusy = errors.New("exchange: another exchange is in flight")

	// ErrTimeout is reported when a reply does not arrive before its
	// deadline.
	ErrTimeout = errors.New("exchange: timed out waiting for reply")
)

// Stage is the progress of an exchange.
type Stage int

const (
	StageAwaitingTranscription Stage = iota
	StageAwaitingAgentReply
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageAwaitingTranscription:
		return "awaiting-transcription"
	case StageAwaitingAgentReply:
		return "awaiting-agent-reply"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// ReplyKind tells which hop a Reply belongs to.
type ReplyKind int

const (
	ReplyTranscription ReplyKind = iota
	ReplyAgent
)

func (k ReplyKind) String() string {
	if k == ReplyAgent {
		return "agent"
	}
	return "transcription"
}

// Reply is delivered to the Callback once per hop. A failed exchange
// delivers one final Reply with Err set and Kind naming the hop that
// failed.
type Reply struct {
	Kind  ReplyKind
	Text  string
	Event *nostr.Event
	Err   error
}

// Callback receives the replies of one exchange, and its failure as a
// Reply with Err set. It runs on the session's read goroutine, a timer
// goroutine, or the goroutine calling Stop, and must not block.
//
// Submit errors (ErrBusy, relay.ErrNotConnected, an empty clip) are
// returned synchronously instead: no exchange exists and the callback is
// never called.
type Callback func(Reply)

// Exchange is the handle of one submitted clip.
type Exchange struct {
	id   string
	clip capture.Clip
	cb   Callback
	done chan struct{}

	// mu is the owning Correlator's mutex; it guards the fields below.
	mu            *sync.Mutex
	stage         Stage
	err           error
	listener      relay.ListenerID
	listening     bool
	timer         *time.Timer
	eventIDs      []string
	transcription string
	agentReply    string
	archiveKey    string
}

// ID returns the exchange id.
func (ex *Exchange) ID() string {
	return ex.id
}

// Done is closed after the exchange completes or fails and its final
// callback has returned.
func (ex *Exchange) Done() <-chan struct{} {
	return ex.done
}

// Wait blocks until the exchange finishes or ctx is done. It returns the
// exchange error, if any.
func (ex *Exchange) Wait(ctx context.Context) error {
	select {
	case <-ex.done:
		return ex.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stage returns the current stage.
func (ex *Exchange) Stage() Stage {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.stage
}

// Err returns the failure reason of a failed exchange.
func (ex *Exchange) Err() error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.err
}

// Transcription returns the transcription text once received.
func (ex *Exchange) Transcription() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.transcription
}

// AgentReply returns the agent reply text once received.
func (ex *Exchange) AgentReply() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.agentReply
}

// ArchiveKey returns where the clip was archived, or "".
func (ex *Exchange) ArchiveKey() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.archiveKey
}

func (ex *Exchange) terminal() bool {
	return ex.stage == StageDone || ex.stage == StageFailed
}

// replyKindOf names the hop awaited in stage.
func replyKindOf(stage Stage) ReplyKind {
	if stage == StageAwaitingAgentReply {
		return ReplyAgent
	}
	return ReplyTranscription
}

// references reports whether ev may answer this exchange: it either names
// no event or names one of ours.
func (ex *Exchange) references(ev *nostr.Event) bool {
	named := false
	for _, t := range ev.Tags {
		if t.Key() != "e" {
			continue
		}
		named = true
		for _, id := range ex.eventIDs {
			if t.Value() == id {
				return true
			}
		}
	}
	return !named
}
