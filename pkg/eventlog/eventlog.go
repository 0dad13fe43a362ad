// Package eventlog keeps a bounded, persisted history of the events a
// session sent and received.
//
// Key layout (relative to the log prefix):
//
//	{prefix}:evt:{recorded_ns}  → msgpack-encoded Entry
//	{prefix}:eid:{event_id}     → recorded_ns (dedupe index)
//
// recorded_ns is zero padded so lexicographic order is arrival order.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/haivivi/pushtalk/pkg/envelope"
	"github.com/haivivi/pushtalk/pkg/kv"
	"github.com/haivivi/pushtalk/pkg/nostr"
)

// DefaultMaxEntries bounds a log when Options.MaxEntries is zero.
const DefaultMaxEntries = 500

// Direction tells whether an event was sent or received.
type Direction string

const (
	Outbound Direction = "out"
	Inbound  Direction = "in"
)

// Entry is one recorded event.
type Entry struct {
	EventID    string     `msgpack:"id" json:"id" yaml:"id"`
	PubKey     string     `msgpack:"pk" json:"pubkey" yaml:"pubkey"`
	Kind       int        `msgpack:"k" json:"kind" yaml:"kind"`
	CreatedAt  int64      `msgpack:"ca" json:"created_at" yaml:"created_at"`
	Tags       [][]string `msgpack:"tg,omitempty" json:"tags,omitempty" yaml:"tags,omitempty"`
	Content    string     `msgpack:"c" json:"content,omitempty" yaml:"content,omitempty"`
	Direction  Direction  `msgpack:"d" json:"direction" yaml:"direction"`
	Role       string     `msgpack:"r,omitempty" json:"role,omitempty" yaml:"role,omitempty"`
	Text       string     `msgpack:"t,omitempty" json:"text,omitempty" yaml:"text,omitempty"`
	RecordedAt int64      `msgpack:"ra" json:"recorded_at" yaml:"recorded_at"`
}

// Event rebuilds the nostr event (without signature).
func (e *Entry) Event() *nostr.Event {
	tags := make(nostr.Tags, len(e.Tags))
	for i, t := range e.Tags {
		tags[i] = nostr.Tag(t)
	}
	return &nostr.Event{
		ID:        e.EventID,
		PubKey:    e.PubKey,
		CreatedAt: nostr.Timestamp(e.CreatedAt),
		Kind:      e.Kind,
		Tags:      tags,
		Content:   e.Content,
	}
}

// Options configures a Log.
type Options struct {
	// Prefix namespaces the log in the store. Defaults to ["eventlog"].
	Prefix kv.Key

	// MaxEntries bounds the log; the oldest entries are pruned.
	MaxEntries int

	// Now defaults to time.Now.
	Now func() time.Time
}

// Log is a bounded event history on a kv.Store. It is safe for concurrent
// use.
type Log struct {
	store  kv.Store
	prefix kv.Key
	max    int
	now    func() time.Time

	mu     sync.Mutex
	count  int
	loaded bool
	lastNS int64
}

// New returns a Log over store.
func New(store kv.Store, opts Options) *Log {
	prefix := opts.Prefix
	if len(prefix) == 0 {
		prefix = kv.Key{"eventlog"}
	}
	limit := opts.MaxEntries
	if limit <= 0 {
		limit = DefaultMaxEntries
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Log{store: store, prefix: prefix, max: limit, now: now}
}

func (l *Log) entryKey(ns int64) kv.Key {
	return l.prefix.Append("evt", fmt.Sprintf("%020d", ns))
}

func (l *Log) idKey(id string) kv.Key {
	return l.prefix.Append("eid", id)
}

// Record appends ev. An event id already in the log is not recorded again.
func (l *Log) Record(ctx context.Context, ev *nostr.Event, dir Direction, role envelope.Role, text string) error {
	if ev == nil {
		return errors.New("eventlog: nil event")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.loadLocked(ctx); err != nil {
		return err
	}
	if ev.ID != "" {
		_, err := l.store.Get(ctx, l.idKey(ev.ID))
		if err == nil {
			return nil
		}
		if !errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("eventlog: %w", err)
		}
	}

	ns := l.now().UnixNano()
	if ns <= l.lastNS {
		ns = l.lastNS + 1
	}
	l.lastNS = ns

	entry := Entry{
		EventID:    ev.ID,
		PubKey:     ev.PubKey,
		Kind:       ev.Kind,
		CreatedAt:  int64(ev.CreatedAt),
		Content:    ev.Content,
		Direction:  dir,
		Text:       text,
		RecordedAt: ns,
	}
	if role != envelope.RoleUnknown {
		entry.Role = role.String()
	}
	for _, t := range ev.Tags {
		entry.Tags = append(entry.Tags, []string(t))
	}
	data, err := msgpack.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("eventlog: marshal: %w", err)
	}
	if err := l.store.Set(ctx, l.entryKey(ns), data); err != nil {
		return fmt.Errorf("eventlog: %w", err)
	}
	if ev.ID != "" {
		if err := l.store.Set(ctx, l.idKey(ev.ID), []byte(strconv.FormatInt(ns, 10))); err != nil {
			return fmt.Errorf("eventlog: %w", err)
		}
	}
	l.count++
	return l.pruneLocked(ctx)
}

// Observe records an inbound message. It matches relay.Listener.
func (l *Log) Observe(msg *envelope.Message) {
	if msg.Event == nil {
		return
	}
	if err := l.Record(context.Background(), msg.Event, Inbound, msg.Role, msg.Text); err != nil {
		slog.Warn("eventlog: record inbound event", "id", msg.Event.ID, "error", err)
	}
}

// List returns up to limit entries, newest first. limit <= 0 returns all.
func (l *Log) List(ctx context.Context, limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, err := l.scanLocked(ctx)
	if err != nil {
		return nil, err
	}
	slices.Reverse(entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Len returns the number of entries.
func (l *Log) Len(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.loadLocked(ctx); err != nil {
		return 0, err
	}
	return l.count, nil
}

// Clear removes every entry.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var keys []kv.Key
	for e, err := range l.store.List(ctx, l.prefix) {
		if err != nil {
			return fmt.Errorf("eventlog: %w", err)
		}
		keys = append(keys, e.Key)
	}
	if len(keys) > 0 {
		if err := l.store.BatchDelete(ctx, keys); err != nil {
			return fmt.Errorf("eventlog: %w", err)
		}
	}
	l.count = 0
	l.loaded = true
	return nil
}

func (l *Log) loadLocked(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	n := 0
	for _, err := range l.store.List(ctx, l.prefix.Append("evt")) {
		if err != nil {
			return fmt.Errorf("eventlog: %w", err)
		}
		n++
	}
	l.count = n
	l.loaded = true
	return nil
}

func (l *Log) scanLocked(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	for e, err := range l.store.List(ctx, l.prefix.Append("evt")) {
		if err != nil {
			return nil, fmt.Errorf("eventlog: %w", err)
		}
		var entry Entry
		if err := msgpack.Unmarshal(e.Value, &entry); err != nil {
			slog.Warn("eventlog: skipping corrupt entry", "key", e.Key.String(), "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// pruneLocked deletes the oldest entries beyond the bound.
func (l *Log) pruneLocked(ctx context.Context) error {
	excess := l.count - l.max
	if excess <= 0 {
		return nil
	}
	var keys []kv.Key
	for e, err := range l.store.List(ctx, l.prefix.Append("evt")) {
		if err != nil {
			return fmt.Errorf("eventlog: %w", err)
		}
		keys = append(keys, e.Key)
		var entry Entry
		if msgpack.Unmarshal(e.Value, &entry) == nil && entry.EventID != "" {
			keys = append(keys, l.idKey(entry.EventID))
		}
		excess--
		if excess == 0 {
			break
		}
	}
	if err := l.store.BatchDelete(ctx, keys); err != nil {
		return fmt.Errorf("eventlog: prune: %w", err)
	}
	l.count = l.max
	return nil
}
