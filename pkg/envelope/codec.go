package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haivivi/pushtalk/pkg/nostr"
)

// ErrParse is wrapped by every Decode failure.
var ErrParse = errors.New("envelope: parse failure")

// Frame labels.
const (
	LabelEvent  = "EVENT"
	LabelReq    = "REQ"
	LabelClose  = "CLOSE"
	LabelNotice = "NOTICE"
	LabelEOSE   = "EOSE"
	LabelOK     = "OK"
	LabelClosed = "CLOSED"
)

// Config configures a Codec.
type Config struct {
	// Kinds is the kind numbering in use. Required.
	Kinds Kinds

	// Shape is the outbound EVENT form. Defaults to ShapeArray.
	Shape Shape

	// TextQuery is the jq expression extracting reply text from payloads.
	// Defaults to DefaultTextQuery.
	TextQuery string

	// Now stamps created_at. Defaults to time.Now.
	Now func() time.Time
}

// Codec encodes and decodes relay frames. It is safe for concurrent use.
type Codec struct {
	kinds Kinds
	shape Shape
	text  *TextQuery
	now   func() time.Time
}

// New validates cfg and returns a Codec.
func New(cfg Config) (*Codec, error) {
	if err := cfg.Kinds.Validate(); err != nil {
		return nil, err
	}
	q, err := ParseTextQuery(cfg.TextQuery)
	if err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Codec{kinds: cfg.Kinds, shape: cfg.Shape, text: q, now: now}, nil
}

// Kinds returns the kind numbering.
func (c *Codec) Kinds() Kinds {
	return c.kinds
}

// Shape returns the outbound shape.
func (c *Codec) Shape() Shape {
	return c.shape
}

// Encode builds a signed event whose content is payload encoded as JSON and
// wraps it in the outbound envelope.
func (c *Codec) Encode(signer nostr.Signer, kind int, payload Payload, tags nostr.Tags) ([]byte, *nostr.Event, error) {
	content := ""
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("envelope: encode payload: %w", err)
		}
		content = string(b)
	}
	return c.EncodeText(signer, kind, content, tags)
}

// EncodeText is Encode with raw string content.
func (c *Codec) EncodeText(signer nostr.Signer, kind int, content string, tags nostr.Tags) ([]byte, *nostr.Event, error) {
	if tags == nil {
		tags = nostr.Tags{}
	}
	ev := &nostr.Event{
		CreatedAt: nostr.At(c.now()),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := signer.Sign(ev); err != nil {
		return nil, nil, fmt.Errorf("envelope: sign: %w", err)
	}
	frame, err := c.EncodeEvent(ev)
	if err != nil {
		return nil, nil, err
	}
	return frame, ev, nil
}

// EncodeEvent wraps an already signed event in the outbound envelope.
func (c *Codec) EncodeEvent(ev *nostr.Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode event: %w", err)
	}
	var v any = []any{LabelEvent, json.RawMessage(raw)}
	if c.shape == ShapeObject {
		v = objectEnvelope{Type: LabelEvent, Data: raw}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode event: %w", err)
	}
	return b, nil
}

// EncodeAudioSubmit builds the audio-submit request for a clip.
func (c *Codec) EncodeAudioSubmit(signer nostr.Signer, audio []byte, format string) ([]byte, *nostr.Event, error) {
	return c.Encode(signer, c.kinds.AudioSubmit, Payload{
		"audio":  base64.StdEncoding.EncodeToString(audio),
		"format": format,
	}, nil)
}

// EncodeAgentCommand builds the agent-command request. The command text is
// carried both in the content and as the ["i", text, "text"] job input.
func (c *Codec) EncodeAgentCommand(signer nostr.Signer, command string, extra nostr.Tags) ([]byte, *nostr.Event, error) {
	tags := append(nostr.Tags{{"i", command, "text"}}, extra...)
	return c.Encode(signer, c.kinds.AgentCommand, Payload{"command": command}, tags)
}

// EncodeREQ builds a subscription request.
func EncodeREQ(subID string, filters ...nostr.Filter) ([]byte, error) {
	v := make([]any, 0, 2+len(filters))
	v = append(v, LabelReq, subID)
	for _, f := range filters {
		v = append(v, f)
	}
	return json.Marshal(v)
}

// EncodeCLOSE ends a subscription.
func EncodeCLOSE(subID string) ([]byte, error) {
	return json.Marshal([]any{LabelClose, subID})
}

// EncodeNotice builds a relay NOTICE.
func EncodeNotice(msg string) ([]byte, error) {
	return json.Marshal([]any{LabelNotice, msg})
}

// EncodeEOSE builds a relay end-of-stored-events marker.
func EncodeEOSE(subID string) ([]byte, error) {
	return json.Marshal([]any{LabelEOSE, subID})
}

// EncodeOK builds a relay command result.
func EncodeOK(eventID string, accepted bool, msg string) ([]byte, error) {
	return json.Marshal([]any{LabelOK, eventID, accepted, msg})
}

type objectEnvelope struct {
	Type           string          `json:"type"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// OK is the body of an OK frame.
type OK struct {
	EventID  string
	Accepted bool
	Message  string
}

// Message is a decoded inbound frame.
type Message struct {
	// Label is the frame label (EVENT, NOTICE, ...).
	Label string

	// SubscriptionID is set for EVENT frames in the NIP-01 relay form and
	// for EOSE and CLOSED.
	SubscriptionID string

	// Event, Role, Payload and Text are set for EVENT frames.
	Event   *nostr.Event
	Role    Role
	Payload Payload
	Text    string

	// Notice is the text of NOTICE and CLOSED frames.
	Notice string

	// OK is set for OK frames.
	OK *OK
}

// Decode parses one inbound frame. Failures wrap ErrParse.
func (c *Codec) Decode(frame []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrParse)
	}
	switch trimmed[0] {
	case '[':
		return c.decodeArray(trimmed)
	case '{':
		return c.decodeObject(trimmed)
	default:
		return nil, fmt.Errorf("%w: frame is neither array nor object", ErrParse)
	}
}

func (c *Codec) decodeArray(frame []byte) (*Message, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(frame, &parts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty array", ErrParse)
	}
	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		return nil, fmt.Errorf("%w: label: %v", ErrParse, err)
	}

	msg := &Message{Label: label}
	switch label {
	case LabelEvent:
		switch len(parts) {
		case 2:
			return c.fillEvent(msg, parts[1])
		case 3:
			if err := json.Unmarshal(parts[1], &msg.SubscriptionID); err != nil {
				return nil, fmt.Errorf("%w: subscription id: %v", ErrParse, err)
			}
			return c.fillEvent(msg, parts[2])
		}
		return nil, fmt.Errorf("%w: EVENT with %d elements", ErrParse, len(parts))
	case LabelNotice:
		if len(parts) < 2 || json.Unmarshal(parts[1], &msg.Notice) != nil {
			return nil, fmt.Errorf("%w: malformed NOTICE", ErrParse)
		}
	case LabelEOSE:
		if len(parts) < 2 || json.Unmarshal(parts[1], &msg.SubscriptionID) != nil {
			return nil, fmt.Errorf("%w: malformed EOSE", ErrParse)
		}
	case LabelClosed:
		if len(parts) < 2 || json.Unmarshal(parts[1], &msg.SubscriptionID) != nil {
			return nil, fmt.Errorf("%w: malformed CLOSED", ErrParse)
		}
		if len(parts) > 2 {
			_ = json.Unmarshal(parts[2], &msg.Notice)
		}
	case LabelOK:
		ok := &OK{}
		if len(parts) < 3 || json.Unmarshal(parts[1], &ok.EventID) != nil || json.Unmarshal(parts[2], &ok.Accepted) != nil {
			return nil, fmt.Errorf("%w: malformed OK", ErrParse)
		}
		if len(parts) > 3 {
			_ = json.Unmarshal(parts[3], &ok.Message)
		}
		msg.OK = ok
	default:
		return nil, fmt.Errorf("%w: unknown label %q", ErrParse, label)
	}
	return msg, nil
}

func (c *Codec) decodeObject(frame []byte) (*Message, error) {
	var obj objectEnvelope
	if err := json.Unmarshal(frame, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	msg := &Message{Label: obj.Type, SubscriptionID: obj.SubscriptionID}
	switch obj.Type {
	case LabelEvent:
		if len(obj.Data) == 0 {
			return nil, fmt.Errorf("%w: EVENT object without data", ErrParse)
		}
		return c.fillEvent(msg, obj.Data)
	case LabelNotice:
		if json.Unmarshal(obj.Data, &msg.Notice) != nil {
			return nil, fmt.Errorf("%w: malformed NOTICE", ErrParse)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("%w: unknown object type %q", ErrParse, obj.Type)
	}
}

func (c *Codec) fillEvent(msg *Message, raw json.RawMessage) (*Message, error) {
	var ev nostr.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: event: %v", ErrParse, err)
	}
	msg.Event = &ev
	msg.Role = c.kinds.RoleOf(ev.Kind)
	msg.Payload = normalizeContent(ev.Content)
	text, err := c.text.Run(msg.Payload)
	if err != nil {
		text = ev.Content
	}
	msg.Text = text
	return msg, nil
}
