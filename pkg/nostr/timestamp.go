package nostr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Timestamp is a unix-seconds time as carried in created_at.
//
// It always encodes as a JSON integer. Decoding also accepts floats and
// strings (decimal seconds or RFC 3339), which some relays emit.
type Timestamp int64

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp(time.Now().Unix())
}

// At converts t to a Timestamp.
func At(t time.Time) Timestamp {
	return Timestamp(t.Unix())
}

// Time returns the timestamp as time.Time.
func (ts Timestamp) Time() time.Time {
	return time.Unix(int64(ts), 0)
}

// MarshalJSON implements json.Marshaler.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, int64(ts), 10), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		*ts = Timestamp(int64(v))
	case string:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			*ts = Timestamp(i)
			return nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("nostr: invalid timestamp %q", v)
		}
		*ts = At(t)
	default:
		return fmt.Errorf("nostr: invalid timestamp type %T", v)
	}
	return nil
}
