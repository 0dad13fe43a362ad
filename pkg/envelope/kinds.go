package envelope

import (
	"fmt"
	"sort"
	"strings"
)

// Kinds assigns event kind numbers to the four conversation roles.
type Kinds struct {
	AudioSubmit        int `yaml:"audio_submit" json:"audio_submit"`
	TranscriptionReply int `yaml:"transcription_reply" json:"transcription_reply"`
	AgentCommand       int `yaml:"agent_command" json:"agent_command"`
	AgentReply         int `yaml:"agent_reply" json:"agent_reply"`
}

var (
	// KindsNIP90 follows the NIP-90 job request/result numbering used by
	// current relays.
	KindsNIP90 = Kinds{AudioSubmit: 5252, TranscriptionReply: 6252, AgentCommand: 5838, AgentReply: 6838}

	// KindsLegacy is the numbering of early relay builds.
	KindsLegacy = Kinds{AudioSubmit: 1234, TranscriptionReply: 1235, AgentCommand: 5838, AgentReply: 6838}
)

var presets = map[string]Kinds{
	"nip90":  KindsNIP90,
	"legacy": KindsLegacy,
}

// KindsPreset looks up a named numbering scheme.
func KindsPreset(name string) (Kinds, error) {
	if name == "" {
		return KindsNIP90, nil
	}
	k, ok := presets[strings.ToLower(name)]
	if !ok {
		return Kinds{}, fmt.Errorf("envelope: unknown kinds preset %q (have %s)", name, strings.Join(PresetNames(), ", "))
	}
	return k, nil
}

// PresetNames lists the known presets, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks that all four kinds are positive and distinct.
func (k Kinds) Validate() error {
	vals := []int{k.AudioSubmit, k.TranscriptionReply, k.AgentCommand, k.AgentReply}
	seen := make(map[int]bool, len(vals))
	for _, v := range vals {
		if v <= 0 {
			return fmt.Errorf("envelope: kind %d must be positive", v)
		}
		if seen[v] {
			return fmt.Errorf("envelope: kind %d assigned twice", v)
		}
		seen[v] = true
	}
	return nil
}

// Role is the conversation role of an event kind.
type Role int

const (
	RoleUnknown Role = iota
	RoleAudioSubmit
	RoleTranscriptionReply
	RoleAgentCommand
	RoleAgentReply
)

func (r Role) String() string {
	switch r {
	case RoleAudioSubmit:
		return "audio-submit"
	case RoleTranscriptionReply:
		return "transcription-reply"
	case RoleAgentCommand:
		return "agent-command"
	case RoleAgentReply:
		return "agent-reply"
	default:
		return "unknown"
	}
}

// RoleOf maps a kind number to its role.
func (k Kinds) RoleOf(kind int) Role {
	switch kind {
	case k.AudioSubmit:
		return RoleAudioSubmit
	case k.TranscriptionReply:
		return RoleTranscriptionReply
	case k.AgentCommand:
		return RoleAgentCommand
	case k.AgentReply:
		return RoleAgentReply
	default:
		return RoleUnknown
	}
}

// KindOf is the inverse of RoleOf. It returns 0 for RoleUnknown.
func (k Kinds) KindOf(r Role) int {
	switch r {
	case RoleAudioSubmit:
		return k.AudioSubmit
	case RoleTranscriptionReply:
		return k.TranscriptionReply
	case RoleAgentCommand:
		return k.AgentCommand
	case RoleAgentReply:
		return k.AgentReply
	default:
		return 0
	}
}

// Shape is the outer form of an outbound EVENT frame.
type Shape int

const (
	ShapeArray Shape = iota
	ShapeObject
)

func (s Shape) String() string {
	if s == ShapeObject {
		return "object"
	}
	return "array"
}

// ParseShape parses "array" or "object"; empty means array.
func ParseShape(s string) (Shape, error) {
	switch strings.ToLower(s) {
	case "", "array":
		return ShapeArray, nil
	case "object":
		return ShapeObject, nil
	default:
		return 0, fmt.Errorf("envelope: unknown shape %q", s)
	}
}
