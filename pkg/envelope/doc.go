// Package envelope builds and parses the frames exchanged with the relay.
//
// Outbound events are wrapped in one canonical shape chosen when the Codec
// is created:
//
//	["EVENT", <event>]                 (ShapeArray, default)
//	{"type": "EVENT", "data": <event>} (ShapeObject)
//
// Inbound frames may use either shape, and the NIP-01 relay form
// ["EVENT", <subscription id>, <event>] is accepted too. Control frames
// (NOTICE, EOSE, OK, CLOSED) decode into label-only messages. Anything else
// fails with ErrParse and should be dropped by the caller.
//
// Event kinds are configuration. Deployments have renumbered the four
// conversation roles more than once, so a Codec is built from a Kinds value
// rather than compiled constants:
//
//	codec, err := envelope.New(envelope.Config{Kinds: envelope.KindsNIP90})
//	frame, ev, err := codec.EncodeAudioSubmit(id, clip, "m4a")
//	msg, err := codec.Decode(frame)
//	if msg.Role == envelope.RoleTranscriptionReply {
//	    fmt.Println(msg.Text)
//	}
package envelope
