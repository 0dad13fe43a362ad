package relayserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/haivivi/pushtalk/pkg/capture"
	"github.com/haivivi/pushtalk/pkg/nostr"
	"github.com/haivivi/pushtalk/pkg/storage"
)

// DefaultReply answers agent commands when no agent is configured.
const DefaultReply = "Acknowledged. Will respond shortly."

// Transcriber turns a clip into text.
type Transcriber interface {
	Transcribe(ctx context.Context, clip capture.Clip) (string, error)
}

// TranscriberFunc adapts a function to Transcriber.
type TranscriberFunc func(ctx context.Context, clip capture.Clip) (string, error)

// Transcribe calls f.
func (f TranscriberFunc) Transcribe(ctx context.Context, clip capture.Clip) (string, error) {
	return f(ctx, clip)
}

// StaticTranscriber transcribes every clip as the same text.
type StaticTranscriber string

// Transcribe returns t.
func (t StaticTranscriber) Transcribe(context.Context, capture.Clip) (string, error) {
	return string(t), nil
}

// Command is an agent command received by the relay.
type Command struct {
	Text  string
	Repo  string
	Event *nostr.Event
}

// Agent answers commands.
type Agent interface {
	Respond(ctx context.Context, cmd Command) (string, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, cmd Command) (string, error)

// Respond calls f.
func (f AgentFunc) Respond(ctx context.Context, cmd Command) (string, error) {
	return f(ctx, cmd)
}

// StaticAgent answers every command with the same text.
type StaticAgent string

// Respond returns a.
func (a StaticAgent) Respond(context.Context, Command) (string, error) {
	return string(a), nil
}

// OpenAIConfig configures OpenAI. Any OpenAI-compatible endpoint works,
// e.g. Groq for transcription.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"`

	// TranscribeModel defaults to whisper-1.
	TranscribeModel string `yaml:"transcribe_model,omitempty"`

	// Language hints the transcription language (ISO-639-1).
	Language string `yaml:"language,omitempty"`

	// ChatModel answers agent commands. Empty disables the agent.
	ChatModel string `yaml:"chat_model,omitempty"`

	// SystemPrompt is sent before each command.
	SystemPrompt string `yaml:"system_prompt,omitempty"`
}

const defaultSystemPrompt = "You are a coding agent driven by short voice commands. " +
	"Reply in one or two sentences describing what you will do."

// OpenAI implements Transcriber and Agent with the OpenAI API.
type OpenAI struct {
	client openai.Client
	cfg    OpenAIConfig
}

// NewOpenAI creates the client.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("relayserver: openai api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.TranscribeModel == "" {
		cfg.TranscribeModel = string(openai.AudioModelWhisper1)
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	return &OpenAI{client: openai.NewClient(opts...), cfg: cfg}, nil
}

// Transcribe uploads the clip to the transcription endpoint.
func (o *OpenAI) Transcribe(ctx context.Context, clip capture.Clip) (string, error) {
	format := clip.Format
	if format == "" {
		format = capture.DefaultFormat
	}
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(clip.Data), "clip."+format, storage.ContentType(format)),
		Model: openai.AudioModel(o.cfg.TranscribeModel),
	}
	if o.cfg.Language != "" {
		params.Language = openai.String(o.cfg.Language)
	}
	res, err := o.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai transcription: %w", err)
	}
	return strings.TrimSpace(res.Text), nil
}

// Respond asks the chat model. Without a chat model it returns
// DefaultReply.
func (o *OpenAI) Respond(ctx context.Context, cmd Command) (string, error) {
	if o.cfg.ChatModel == "" {
		return DefaultReply, nil
	}
	system := o.cfg.SystemPrompt
	if cmd.Repo != "" {
		system += "\nActive repository: " + cmd.Repo
	}
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: o.cfg.ChatModel,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(cmd.Text),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai chat: no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
