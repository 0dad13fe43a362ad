package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// Event is a signed relay event.
type Event struct {
	ID        string    `json:"id"`
	PubKey    string    `json:"pubkey"`
	CreatedAt Timestamp `json:"created_at"`
	Kind      int       `json:"kind"`
	Tags      Tags      `json:"tags"`
	Content   string    `json:"content"`
	Sig       string    `json:"sig"`
}

// Tag is one tag array, e.g. ["e", "<event id>"] or ["i", "text", "text"].
type Tag []string

// Key returns the first element of the tag, or "".
func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the second element of the tag, or "".
func (t Tag) Value() string {
	if len(t) < 2 {
		return ""
	}
	return t[1]
}

// Tags is the ordered tag list of an event.
type Tags []Tag

// Find returns the first tag with the given key.
func (tags Tags) Find(key string) (Tag, bool) {
	for _, t := range tags {
		if t.Key() == key {
			return t, true
		}
	}
	return nil, false
}

// MarshalJSON encodes nil tags as [] since relays reject null.
func (tags Tags) MarshalJSON() ([]byte, error) {
	out := make([][]string, len(tags))
	for i, t := range tags {
		if t == nil {
			t = Tag{}
		}
		out[i] = t
	}
	return json.Marshal(out)
}

// Serialize returns the canonical form hashed into the event id:
//
//	[0,"<pubkey>",<created_at>,<kind>,<tags>,"<content>"]
//
// Strings are escaped the NIP-01 way. Only quote, backslash and control
// characters are escaped; every other byte, including U+2028, U+2029 and
// invalid UTF-8, is written as is, so ids agree with other relays and
// clients.
func (ev *Event) Serialize() ([]byte, error) {
	b := make([]byte, 0, 96+len(ev.Content))
	b = append(b, `[0,`...)
	b = appendString(b, ev.PubKey)
	b = append(b, ',')
	b = strconv.AppendInt(b, int64(ev.CreatedAt), 10)
	b = append(b, ',')
	b = strconv.AppendInt(b, int64(ev.Kind), 10)
	b = append(b, ",["...)
	for i, tag := range ev.Tags {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '[')
		for j, v := range tag {
			if j > 0 {
				b = append(b, ',')
			}
			b = appendString(b, v)
		}
		b = append(b, ']')
	}
	b = append(b, "],"...)
	b = appendString(b, ev.Content)
	return append(b, ']'), nil
}

func appendString(b []byte, s string) []byte {
	const hexDigits = "0123456789abcdef"
	b = append(b, '"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"', '\\':
			b = append(b, '\\', c)
		case '\n':
			b = append(b, '\\', 'n')
		case '\r':
			b = append(b, '\\', 'r')
		case '\t':
			b = append(b, '\\', 't')
		case '\b':
			b = append(b, '\\', 'b')
		case '\f':
			b = append(b, '\\', 'f')
		default:
			if c < 0x20 {
				b = append(b, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
				continue
			}
			b = append(b, c)
		}
	}
	return append(b, '"')
}

// ComputeID returns the hex id the event should carry.
func (ev *Event) ComputeID() (string, error) {
	b, err := ev.Serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// String implements fmt.Stringer for logs.
func (ev *Event) String() string {
	id := ev.ID
	if len(id) > 12 {
		id = id[:12]
	}
	return fmt.Sprintf("event(kind=%d id=%s len=%d)", ev.Kind, id, len(ev.Content))
}
