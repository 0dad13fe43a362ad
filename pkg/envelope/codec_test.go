package envelope_test

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/haivivi/pushtalk/pkg/envelope"
	"github.com/haivivi/pushtalk/pkg/identity"
	"github.com/haivivi/pushtalk/pkg/nostr"
)

var fixedNow = time.Unix(1700000000, 0)

func newSigner(t *testing.T) *identity.Identity {
	t.Helper()
	sk, err := nostr.GenerateSecretKey()
	if err != nil {
		t.Fatalf("GenerateSecretKey: %v", err)
	}
	return identity.New(sk)
}

func newCodec(t *testing.T, shape envelope.Shape) *envelope.Codec {
	t.Helper()
	c, err := envelope.New(envelope.Config{
		Kinds: envelope.KindsNIP90,
		Shape: shape,
		Now:   func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	signer := newSigner(t)
	for _, shape := range []envelope.Shape{envelope.ShapeArray, envelope.ShapeObject} {
		t.Run(shape.String(), func(t *testing.T) {
			c := newCodec(t, shape)
			tags := nostr.Tags{{"e", "abc"}, {"param", "repo", "https://github.com/a/b"}}
			frame, sent, err := c.Encode(signer, 5838, envelope.Payload{"command": "list files"}, tags)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			msg, err := c.Decode(frame)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			got := msg.Event
			if got.Kind != sent.Kind || got.Content != sent.Content || got.CreatedAt != nostr.At(fixedNow) {
				t.Fatalf("decoded %+v, sent %+v", got, sent)
			}
			if !reflect.DeepEqual(got.Tags, tags) {
				t.Fatalf("tags = %v, want %v", got.Tags, tags)
			}
			if err := nostr.Verify(got); err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if msg.Role != envelope.RoleAgentCommand || msg.Text != "list files" {
				t.Fatalf("role=%v text=%q", msg.Role, msg.Text)
			}
		})
	}
}

func TestOutboundShape(t *testing.T) {
	signer := newSigner(t)

	frame, _, err := newCodec(t, envelope.ShapeArray).EncodeText(signer, 1, "x", nil)
	if err != nil {
		t.Fatalf("EncodeText: %v", err)
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(frame, &arr); err != nil || len(arr) != 2 || string(arr[0]) != `"EVENT"` {
		t.Fatalf("array frame = %s", frame)
	}

	frame, _, err = newCodec(t, envelope.ShapeObject).EncodeText(signer, 1, "x", nil)
	if err != nil {
		t.Fatalf("EncodeText: %v", err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(frame, &obj); err != nil || string(obj["type"]) != `"EVENT"` || obj["data"] == nil {
		t.Fatalf("object frame = %s", frame)
	}
}

func TestDecodeShapesAgree(t *testing.T) {
	signer := newSigner(t)
	ev := &nostr.Event{CreatedAt: 1700000000, Kind: 6252, Tags: nostr.Tags{}, Content: `{"transcription":"hello"}`}
	if err := signer.Sign(ev); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	raw, _ := json.Marshal(ev)

	c := newCodec(t, envelope.ShapeArray)
	frames := map[string]string{
		"array":  `["EVENT",` + string(raw) + `]`,
		"object": `{"type":"EVENT","data":` + string(raw) + `}`,
	}
	var first *envelope.Message
	for name, f := range frames {
		msg, err := c.Decode([]byte(f))
		if err != nil {
			t.Fatalf("%s: Decode: %v", name, err)
		}
		if msg.Text != "hello" || msg.Role != envelope.RoleTranscriptionReply {
			t.Fatalf("%s: text=%q role=%v", name, msg.Text, msg.Role)
		}
		if first == nil {
			first = msg
			continue
		}
		if !reflect.DeepEqual(first, msg) {
			t.Fatalf("shapes decode differently:\n%+v\n%+v", first, msg)
		}
	}
}

func TestDecodeRelayForm(t *testing.T) {
	c := newCodec(t, envelope.ShapeArray)
	msg, err := c.Decode([]byte(`["EVENT","sub-1",{"kind":6838,"content":"Acknowledged.","created_at":"1700000000","tags":[]}]`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.SubscriptionID != "sub-1" || msg.Role != envelope.RoleAgentReply || msg.Text != "Acknowledged." {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.Event.CreatedAt != 1700000000 {
		t.Fatalf("created_at = %d", msg.Event.CreatedAt)
	}
}

func TestDecodeContentNormalization(t *testing.T) {
	c := newCodec(t, envelope.ShapeArray)
	tests := []struct {
		name    string
		content string
		text    string
	}{
		{"raw string", "hello there", "hello there"},
		{"json object", `{"transcription":"from json"}`, "from json"},
		{"json string literal", `"quoted"`, "quoted"},
		{"truncated object", `{"transcription": "repaired"`, "repaired"},
		{"object without text", `{"audio":"AAAA"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := map[string]any{"kind": 6252, "content": tt.content, "created_at": 1, "tags": []any{}}
			raw, _ := json.Marshal([]any{"EVENT", ev})
			msg, err := c.Decode(raw)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if msg.Text != tt.text {
				t.Fatalf("Text = %q, want %q", msg.Text, tt.text)
			}
			if msg.Payload == nil {
				t.Fatal("Payload is nil")
			}
		})
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	c := newCodec(t, envelope.ShapeArray)
	msg, err := c.Decode([]byte(`["EVENT",{"kind":1,"content":"note","created_at":1,"tags":[]}]`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Role != envelope.RoleUnknown {
		t.Fatalf("Role = %v, want unknown", msg.Role)
	}
}

func TestDecodeParseFailures(t *testing.T) {
	c := newCodec(t, envelope.ShapeArray)
	frames := []string{
		``,
		`not json`,
		`42`,
		`[]`,
		`["FOO", 1]`,
		`["EVENT"]`,
		`["EVENT", 5]`,
		`["EVENT", {"kind": "five"}]`,
		`{"type":"FOO","data":{}}`,
		`{"type":"EVENT"}`,
		`{"kind":6252}`,
		`["OK", "id"]`,
	}
	for _, f := range frames {
		t.Run(f, func(t *testing.T) {
			_, err := c.Decode([]byte(f))
			if !errors.Is(err, envelope.ErrParse) {
				t.Fatalf("Decode(%q) err = %v, want ErrParse", f, err)
			}
		})
	}
}

func TestDecodeControlFrames(t *testing.T) {
	c := newCodec(t, envelope.ShapeArray)

	msg, err := c.Decode([]byte(`["NOTICE","slow down"]`))
	if err != nil || msg.Notice != "slow down" || msg.Event != nil {
		t.Fatalf("NOTICE: %+v %v", msg, err)
	}
	msg, err = c.Decode([]byte(`["EOSE","sub"]`))
	if err != nil || msg.SubscriptionID != "sub" {
		t.Fatalf("EOSE: %+v %v", msg, err)
	}
	msg, err = c.Decode([]byte(`["OK","abc",false,"blocked: rate"]`))
	if err != nil || msg.OK == nil || msg.OK.Accepted || msg.OK.Message != "blocked: rate" {
		t.Fatalf("OK: %+v %v", msg, err)
	}
	msg, err = c.Decode([]byte(`["CLOSED","sub","error: gone"]`))
	if err != nil || msg.SubscriptionID != "sub" || msg.Notice != "error: gone" {
		t.Fatalf("CLOSED: %+v %v", msg, err)
	}
}

func TestEncodeAudioSubmit(t *testing.T) {
	c := newCodec(t, envelope.ShapeArray)
	frame, ev, err := c.EncodeAudioSubmit(newSigner(t), []byte{1, 2, 3}, "m4a")
	if err != nil {
		t.Fatalf("EncodeAudioSubmit: %v", err)
	}
	if ev.Kind != envelope.KindsNIP90.AudioSubmit {
		t.Fatalf("kind = %d", ev.Kind)
	}
	msg, err := c.Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	audio, err := base64.StdEncoding.DecodeString(msg.Payload.String("audio"))
	if err != nil || string(audio) != "\x01\x02\x03" {
		t.Fatalf("audio = %v %v", audio, err)
	}
	if msg.Payload.String("format") != "m4a" {
		t.Fatalf("format = %q", msg.Payload.String("format"))
	}
}

func TestEncodeAgentCommandTags(t *testing.T) {
	c := newCodec(t, envelope.ShapeArray)
	_, ev, err := c.EncodeAgentCommand(newSigner(t), "open the README", nostr.Tags{{"param", "repo", "x"}})
	if err != nil {
		t.Fatalf("EncodeAgentCommand: %v", err)
	}
	in, ok := ev.Tags.Find("i")
	if !ok || in.Value() != "open the README" || len(in) != 3 || in[2] != "text" {
		t.Fatalf("input tag = %v", in)
	}
	if _, ok := ev.Tags.Find("param"); !ok {
		t.Fatal("extra tag missing")
	}
}

func TestEncodeREQ(t *testing.T) {
	b, err := envelope.EncodeREQ("user_events", nostr.Filter{Authors: []string{"ab"}})
	if err != nil {
		t.Fatalf("EncodeREQ: %v", err)
	}
	if want := `["REQ","user_events",{"authors":["ab"]}]`; string(b) != want {
		t.Fatalf("REQ = %s, want %s", b, want)
	}
	b, _ = envelope.EncodeCLOSE("user_events")
	if want := `["CLOSE","user_events"]`; string(b) != want {
		t.Fatalf("CLOSE = %s, want %s", b, want)
	}
}

func TestCustomTextQuery(t *testing.T) {
	c, err := envelope.New(envelope.Config{Kinds: envelope.KindsNIP90, TextQuery: ".result.text"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	msg, err := c.Decode([]byte(`["EVENT",{"kind":6838,"content":"{\"result\":{\"text\":\"deep\"}}","created_at":1,"tags":[]}]`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Text != "deep" {
		t.Fatalf("Text = %q", msg.Text)
	}

	if _, err := envelope.New(envelope.Config{Kinds: envelope.KindsNIP90, TextQuery: ".[["}); err == nil {
		t.Fatal("invalid jq should fail")
	}
}

func TestKinds(t *testing.T) {
	if err := envelope.KindsNIP90.Validate(); err != nil {
		t.Fatalf("NIP90: %v", err)
	}
	dup := envelope.Kinds{AudioSubmit: 1, TranscriptionReply: 2, AgentCommand: 2, AgentReply: 3}
	if err := dup.Validate(); err == nil {
		t.Fatal("duplicate kinds should fail")
	}
	if err := (envelope.Kinds{}).Validate(); err == nil {
		t.Fatal("zero kinds should fail")
	}
	if _, err := envelope.New(envelope.Config{Kinds: dup}); err == nil {
		t.Fatal("New should reject invalid kinds")
	}

	k, err := envelope.KindsPreset("legacy")
	if err != nil || k.AudioSubmit != 1234 {
		t.Fatalf("legacy = %+v %v", k, err)
	}
	if _, err := envelope.KindsPreset("v9"); err == nil {
		t.Fatal("unknown preset should fail")
	}
	for _, r := range []envelope.Role{envelope.RoleAudioSubmit, envelope.RoleTranscriptionReply, envelope.RoleAgentCommand, envelope.RoleAgentReply} {
		if got := k.RoleOf(k.KindOf(r)); got != r {
			t.Errorf("RoleOf(KindOf(%v)) = %v", r, got)
		}
	}
}

func TestParseShape(t *testing.T) {
	for in, want := range map[string]envelope.Shape{"": envelope.ShapeArray, "array": envelope.ShapeArray, "Object": envelope.ShapeObject} {
		got, err := envelope.ParseShape(in)
		if err != nil || got != want {
			t.Errorf("ParseShape(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := envelope.ParseShape("tuple"); err == nil {
		t.Error("ParseShape(tuple) should fail")
	}
}
