package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/haivivi/pushtalk/pkg/envelope"
	"github.com/haivivi/pushtalk/pkg/relay"
	"github.com/haivivi/pushtalk/pkg/relayserver"
	"github.com/haivivi/pushtalk/pkg/storage"
)

// DefaultEventLogSize bounds the per-context event history.
const DefaultEventLogSize = 500

var (
	// ErrNoContext is returned when no context is named and none is current.
	ErrNoContext = errors.New("no context selected; run 'config use-context'")

	// ErrContextNotFound is returned for an unknown context name.
	ErrContextNotFound = errors.New("context not found")
)

// Config is the CLI configuration: a set of named contexts, one of which
// is current.
type Config struct {
	// AppName is the application name (e.g., "pushtalk")
	AppName string `yaml:"-"`

	// CurrentContext is the name of the currently active context
	CurrentContext string `yaml:"current_context,omitempty"`

	// Contexts is a map of context name to context configuration
	Contexts map[string]*Context `yaml:"contexts,omitempty"`

	// configPath is the path to the config file
	configPath string
}

// Context is one relay setup.
type Context struct {
	// Name is the context name
	Name string `yaml:"name"`

	// RelayURL is the WebSocket URL of the relay
	RelayURL string `yaml:"relay_url"`

	// Kinds names a kind preset (nip90, legacy). Ignored when CustomKinds
	// is set.
	Kinds string `yaml:"kinds,omitempty"`

	// CustomKinds gives explicit kind numbers
	CustomKinds *envelope.Kinds `yaml:"custom_kinds,omitempty"`

	// Shape is the outbound event form: array or object
	Shape string `yaml:"shape,omitempty"`

	// TextQuery is a jq expression extracting reply text from payloads
	TextQuery string `yaml:"text_query,omitempty"`

	// RepoURL is the active repository attached to agent commands
	RepoURL string `yaml:"repo_url,omitempty"`

	TranscriptionTimeout time.Duration `yaml:"transcription_timeout,omitempty"`
	AgentReplyTimeout    time.Duration `yaml:"agent_reply_timeout,omitempty"`

	// Reconnect enables automatic reconnection when set
	Reconnect *relay.ReconnectPolicy `yaml:"reconnect,omitempty"`

	// EventLogSize bounds the event history (default 500)
	EventLogSize int `yaml:"event_log_size,omitempty"`

	// Archive stores every submitted clip when set
	Archive *ArchiveConfig `yaml:"archive,omitempty"`

	// OpenAI backs the development relay's transcription and agent
	OpenAI *relayserver.OpenAIConfig `yaml:"openai,omitempty"`

	// Extra stores free-form settings
	Extra map[string]string `yaml:"extra,omitempty"`
}

// ArchiveConfig selects where clips are archived. S3 wins when both are
// set.
type ArchiveConfig struct {
	Dir string            `yaml:"dir,omitempty"`
	S3  *storage.S3Config `yaml:"s3,omitempty"`
}

// DefaultConfigPath returns ~/.giztoy/<app>/config.yaml.
func DefaultConfigPath(app string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".giztoy", app, "config.yaml"), nil
}

// LoadConfig reads the config at path, or at DefaultConfigPath when path
// is empty. A missing file gives an empty config; the file is written on
// the first Save.
func LoadConfig(app, path string) (*Config, error) {
	if path == "" {
		p, err := DefaultConfigPath(app)
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg := &Config{AppName: app, configPath: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	if cfg.Contexts == nil {
		cfg.Contexts = make(map[string]*Context)
	}
	for name, ctx := range cfg.Contexts {
		if ctx == nil {
			return nil, fmt.Errorf("parse %s: context %q is empty", path, name)
		}
		ctx.Name = name
	}
	return cfg, nil
}

// Save writes the config, creating its directory when needed.
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(c.Dir(), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(c.configPath, data, 0600)
}

// Path is the config file location.
func (c *Config) Path() string { return c.configPath }

// Dir is the directory holding the config file and its data.
func (c *Config) Dir() string { return filepath.Dir(c.configPath) }

// AddContext validates ctx and stores it under name, replacing any
// context of that name. The first context added becomes current.
func (c *Config) AddContext(name string, ctx *Context) error {
	ctx.Name = name
	if err := ctx.Validate(); err != nil {
		return fmt.Errorf("context %q: %w", name, err)
	}
	c.Contexts[name] = ctx
	if c.CurrentContext == "" {
		c.CurrentContext = name
	}
	return c.Save()
}

// DeleteContext removes a context. Deleting the current context leaves
// none selected.
func (c *Config) DeleteContext(name string) error {
	if _, err := c.GetContext(name); err != nil {
		return err
	}
	delete(c.Contexts, name)
	if c.CurrentContext == name {
		c.CurrentContext = ""
	}
	return c.Save()
}

// UseContext selects the current context.
func (c *Config) UseContext(name string) error {
	if _, err := c.GetContext(name); err != nil {
		return err
	}
	c.CurrentContext = name
	return c.Save()
}

// GetContext looks a context up by name.
func (c *Config) GetContext(name string) (*Context, error) {
	if ctx, ok := c.Contexts[name]; ok {
		return ctx, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrContextNotFound, name)
}

// ResolveContext returns the named context, or the current one when name
// is empty.
func (c *Config) ResolveContext(name string) (*Context, error) {
	if name == "" {
		name = c.CurrentContext
	}
	if name == "" {
		return nil, ErrNoContext
	}
	return c.GetContext(name)
}

// ListContexts returns the context names in order.
func (c *Config) ListContexts() []string {
	return slices.Sorted(maps.Keys(c.Contexts))
}

// Validate checks the relay URL and that the codec settings parse.
func (ctx *Context) Validate() error {
	if ctx.RelayURL == "" {
		return errors.New("relay_url is required")
	}
	if !strings.HasPrefix(ctx.RelayURL, "ws://") && !strings.HasPrefix(ctx.RelayURL, "wss://") {
		return fmt.Errorf("relay_url %q must be a ws:// or wss:// URL", ctx.RelayURL)
	}
	_, err := ctx.CodecConfig()
	return err
}

// CodecConfig builds the envelope configuration of the context.
func (ctx *Context) CodecConfig() (envelope.Config, error) {
	var cfg envelope.Config
	if ctx.CustomKinds != nil {
		if err := ctx.CustomKinds.Validate(); err != nil {
			return cfg, err
		}
		cfg.Kinds = *ctx.CustomKinds
	} else {
		kinds, err := envelope.KindsPreset(ctx.Kinds)
		if err != nil {
			return cfg, err
		}
		cfg.Kinds = kinds
	}
	shape, err := envelope.ParseShape(ctx.Shape)
	if err != nil {
		return cfg, err
	}
	cfg.Shape = shape
	if _, err := envelope.ParseTextQuery(ctx.TextQuery); err != nil {
		return cfg, err
	}
	cfg.TextQuery = ctx.TextQuery
	return cfg, nil
}

// Codec builds the envelope codec of the context.
func (ctx *Context) Codec() (*envelope.Codec, error) {
	cfg, err := ctx.CodecConfig()
	if err != nil {
		return nil, err
	}
	return envelope.New(cfg)
}

// LogSize returns EventLogSize or its default.
func (ctx *Context) LogSize() int {
	if ctx.EventLogSize > 0 {
		return ctx.EventLogSize
	}
	return DefaultEventLogSize
}

// OpenArchive returns the clip archive of the context, or nil when
// archiving is off.
func (ctx *Context) OpenArchive() (*storage.Archive, error) {
	a := ctx.Archive
	switch {
	case a == nil:
		return nil, nil
	case a.S3 != nil:
		if a.S3.Bucket == "" {
			return nil, errors.New("archive.s3.bucket is required")
		}
		client := storage.NewS3Client(*a.S3)
		return storage.NewArchive(storage.NewS3(client, a.S3.Bucket, a.S3.Prefix)), nil
	case a.Dir != "":
		local, err := storage.NewLocal(expandHome(a.Dir))
		if err != nil {
			return nil, err
		}
		return storage.NewArchive(local), nil
	default:
		return nil, nil
	}
}

// GetExtra returns an extra value for the context
func (ctx *Context) GetExtra(key string) string {
	if ctx.Extra == nil {
		return ""
	}
	return ctx.Extra[key]
}

// SetExtra sets an extra value for the context
func (ctx *Context) SetExtra(key, value string) {
	if ctx.Extra == nil {
		ctx.Extra = make(map[string]string)
	}
	ctx.Extra[key] = value
}

// MaskAPIKey masks the API key for display
func MaskAPIKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}
