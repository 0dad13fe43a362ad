package cli

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haivivi/pushtalk/pkg/envelope"
	"github.com/haivivi/pushtalk/pkg/relay"
	"github.com/haivivi/pushtalk/pkg/relayserver"
	"github.com/haivivi/pushtalk/pkg/storage"
)

func loadTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadConfig("pushtalk", filepath.Join(t.TempDir(), "pushtalk", "config.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	return cfg
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", ""},
		{"1234", "****"},
		{"12345678", "********"},
		{"123456789", "1234*6789"},
		{"sk-1234567890abcdef", "sk-1***********cdef"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := MaskAPIKey(tt.key); got != tt.want {
				t.Errorf("MaskAPIKey(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	cfg := loadTestConfig(t)
	if cfg.AppName != "pushtalk" || cfg.Contexts == nil {
		t.Fatalf("cfg = %+v", cfg)
	}
	if _, err := os.Stat(cfg.Path()); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("config file should not exist before Save: %v", err)
	}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if _, err := os.Stat(cfg.Path()); err != nil {
		t.Errorf("config file should exist after Save: %v", err)
	}
}

func TestConfig_AddContextValidates(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want string
	}{
		{"missing url", Context{}, "relay_url is required"},
		{"http url", Context{RelayURL: "http://relay"}, "ws:// or wss://"},
		{"bad preset", Context{RelayURL: "ws://relay", Kinds: "v3"}, "unknown kinds preset"},
		{"bad shape", Context{RelayURL: "ws://relay", Shape: "tuple"}, "unknown shape"},
		{"bad custom kinds", Context{RelayURL: "ws://relay", CustomKinds: &envelope.Kinds{AudioSubmit: 1}}, "kind"},
		{"bad text query", Context{RelayURL: "ws://relay", TextQuery: ".[["}, ""},
	}
	cfg := loadTestConfig(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := tt.ctx
			err := cfg.AddContext("x", &ctx)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("AddContext error = %v, want %q", err, tt.want)
			}
		})
	}
	if len(cfg.Contexts) != 0 {
		t.Errorf("invalid contexts were stored: %v", cfg.ListContexts())
	}
}

func TestConfig_Contexts(t *testing.T) {
	cfg := loadTestConfig(t)

	if err := cfg.AddContext("prod", &Context{RelayURL: "wss://relay.example.com"}); err != nil {
		t.Fatalf("AddContext error: %v", err)
	}
	if err := cfg.AddContext("dev", &Context{RelayURL: "ws://localhost:8080"}); err != nil {
		t.Fatalf("AddContext error: %v", err)
	}
	if cfg.CurrentContext != "prod" {
		t.Errorf("first context should become current, got %q", cfg.CurrentContext)
	}
	if got := cfg.ListContexts(); len(got) != 2 || got[0] != "dev" || got[1] != "prod" {
		t.Errorf("ListContexts() = %v", got)
	}

	if err := cfg.UseContext("dev"); err != nil {
		t.Fatalf("UseContext error: %v", err)
	}
	ctx, err := cfg.ResolveContext("")
	if err != nil || ctx.Name != "dev" {
		t.Fatalf("ResolveContext(\"\") = %v, %v", ctx, err)
	}
	if _, err := cfg.ResolveContext("missing"); !errors.Is(err, ErrContextNotFound) {
		t.Errorf("ResolveContext(missing) error = %v, want ErrContextNotFound", err)
	}
	if err := cfg.UseContext("missing"); err == nil {
		t.Error("UseContext(missing) should fail")
	}

	if err := cfg.DeleteContext("dev"); err != nil {
		t.Fatalf("DeleteContext error: %v", err)
	}
	if cfg.CurrentContext != "" {
		t.Errorf("CurrentContext should be cleared, got %q", cfg.CurrentContext)
	}
	if _, err := cfg.ResolveContext(""); !errors.Is(err, ErrNoContext) {
		t.Errorf("ResolveContext(\"\") error = %v, want ErrNoContext", err)
	}
	if err := cfg.DeleteContext("dev"); err == nil {
		t.Error("DeleteContext should fail for a missing context")
	}
}

func TestConfig_SaveAndReload(t *testing.T) {
	cfg := loadTestConfig(t)
	ctx := &Context{
		RelayURL:             "wss://relay.example.com",
		Kinds:                "legacy",
		Shape:                "object",
		RepoURL:              "https://github.com/example/repo",
		TranscriptionTimeout: 45 * time.Second,
		AgentReplyTimeout:    2 * time.Minute,
		Reconnect:            &relay.ReconnectPolicy{InitialInterval: time.Second, MaxAttempts: 7},
		EventLogSize:         50,
		Archive:              &ArchiveConfig{S3: &storage.S3Config{Bucket: "clips", Region: "us-east-1"}},
		OpenAI:               &relayserver.OpenAIConfig{APIKey: "sk-test", ChatModel: "gpt-4o-mini"},
	}
	if err := cfg.AddContext("prod", ctx); err != nil {
		t.Fatalf("AddContext error: %v", err)
	}

	reloaded, err := LoadConfig("pushtalk", cfg.Path())
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	got, err := reloaded.GetContext("prod")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "prod" || got.RelayURL != ctx.RelayURL || got.RepoURL != ctx.RepoURL {
		t.Errorf("reloaded = %+v", got)
	}
	if got.TranscriptionTimeout != 45*time.Second || got.AgentReplyTimeout != 2*time.Minute {
		t.Errorf("timeouts = %v / %v", got.TranscriptionTimeout, got.AgentReplyTimeout)
	}
	if got.Reconnect == nil || got.Reconnect.InitialInterval != time.Second || got.Reconnect.MaxAttempts != 7 {
		t.Errorf("reconnect = %+v", got.Reconnect)
	}
	if got.Archive == nil || got.Archive.S3 == nil || got.Archive.S3.Bucket != "clips" {
		t.Errorf("archive = %+v", got.Archive)
	}
	if got.OpenAI == nil || got.OpenAI.ChatModel != "gpt-4o-mini" {
		t.Errorf("openai = %+v", got.OpenAI)
	}
	if got.LogSize() != 50 {
		t.Errorf("LogSize() = %d", got.LogSize())
	}
}

func TestContext_Codec(t *testing.T) {
	custom := envelope.Kinds{AudioSubmit: 1, TranscriptionReply: 2, AgentCommand: 3, AgentReply: 4}
	tests := []struct {
		name  string
		ctx   Context
		kinds envelope.Kinds
		shape envelope.Shape
	}{
		{"defaults", Context{}, envelope.KindsNIP90, envelope.ShapeArray},
		{"legacy object", Context{Kinds: "legacy", Shape: "object"}, envelope.KindsLegacy, envelope.ShapeObject},
		{"custom wins", Context{Kinds: "legacy", CustomKinds: &custom}, custom, envelope.ShapeArray},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec, err := tt.ctx.Codec()
			if err != nil {
				t.Fatalf("Codec error: %v", err)
			}
			if codec.Kinds() != tt.kinds || codec.Shape() != tt.shape {
				t.Errorf("codec = %v / %v, want %v / %v", codec.Kinds(), codec.Shape(), tt.kinds, tt.shape)
			}
		})
	}
}

func TestContext_OpenArchive(t *testing.T) {
	none := &Context{}
	if a, err := none.OpenArchive(); a != nil || err != nil {
		t.Errorf("no archive = %v, %v", a, err)
	}

	dir := t.TempDir()
	local := &Context{Archive: &ArchiveConfig{Dir: dir}}
	a, err := local.OpenArchive()
	if err != nil || a == nil {
		t.Fatalf("local archive = %v, %v", a, err)
	}

	noBucket := &Context{Archive: &ArchiveConfig{S3: &storage.S3Config{Region: "us-east-1"}}}
	if _, err := noBucket.OpenArchive(); err == nil {
		t.Error("S3 archive without bucket should fail")
	}

	s3 := &Context{Archive: &ArchiveConfig{Dir: dir, S3: &storage.S3Config{Bucket: "b", Region: "us-east-1"}}}
	if a, err := s3.OpenArchive(); err != nil || a == nil {
		t.Errorf("s3 archive = %v, %v", a, err)
	}
}

func TestContext_Extra(t *testing.T) {
	ctx := &Context{}
	if got := ctx.GetExtra("key"); got != "" {
		t.Errorf("GetExtra on nil map = %q", got)
	}
	ctx.SetExtra("key", "value")
	if got := ctx.GetExtra("key"); got != "value" {
		t.Errorf("GetExtra(key) = %q", got)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("contexts: [1, 2"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig("pushtalk", path); err == nil {
		t.Error("invalid YAML should fail")
	}
}
