package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
	"github.com/kaptinlin/jsonrepair"
)

// Payload is event content normalized to a JSON object.
type Payload map[string]any

// String returns the string field key, or "".
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// normalizeContent turns event content into a Payload. Objects are used as
// is (repairing malformed JSON first); any other content becomes
// {"text": content}.
func normalizeContent(content string) Payload {
	trimmed := strings.TrimSpace(content)
	switch {
	case strings.HasPrefix(trimmed, "{"):
		if p, ok := unmarshalObject(trimmed); ok {
			return p
		}
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err == nil {
			return Payload{"text": s}
		}
	}
	return Payload{"text": content}
}

func unmarshalObject(s string) (Payload, bool) {
	var p Payload
	err := json.Unmarshal([]byte(s), &p)
	if err == nil {
		return p, true
	}
	if _, ok := err.(*json.SyntaxError); !ok {
		return nil, false
	}
	fixed, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(fixed), &p); err != nil {
		return nil, false
	}
	return p, true
}

// DefaultTextQuery picks the human-readable text out of a reply payload.
// Relays have used "transcription", "text" and "content" for it.
const DefaultTextQuery = `.transcription // .text // .content // .command // empty`

// TextQuery is a compiled jq expression that extracts reply text.
type TextQuery struct {
	expr  string
	query *gojq.Query
}

// ParseTextQuery compiles expr; empty means DefaultTextQuery.
func ParseTextQuery(expr string) (*TextQuery, error) {
	if expr == "" {
		expr = DefaultTextQuery
	}
	q, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("envelope: invalid text query %q: %w", expr, err)
	}
	return &TextQuery{expr: expr, query: q}, nil
}

// String returns the source expression.
func (q *TextQuery) String() string {
	return q.expr
}

// Run returns the first result of the query as text. Non-string results are
// JSON encoded; no result yields "".
func (q *TextQuery) Run(p Payload) (string, error) {
	it := q.query.Run(map[string]any(p))
	v, ok := it.Next()
	if !ok || v == nil {
		return "", nil
	}
	switch v := v.(type) {
	case error:
		return "", fmt.Errorf("envelope: text query: %w", v)
	case string:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("envelope: text query result: %w", err)
		}
		return string(b), nil
	}
}
