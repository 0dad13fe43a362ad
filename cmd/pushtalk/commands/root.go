package commands

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haivivi/pushtalk/pkg/cli"
	"github.com/haivivi/pushtalk/pkg/eventlog"
	"github.com/haivivi/pushtalk/pkg/identity"
	"github.com/haivivi/pushtalk/pkg/kv"
)

const appName = "pushtalk"

var (
	cfgFile     string
	contextName string
	outputFile  string
	outputJSON  bool
	verbose     bool

	// loaded is set by setup before any command runs.
	loaded *cli.Config
)

var rootCmd = &cobra.Command{
	Use:   "pushtalk",
	Short: "Push-to-talk client for a coding agent behind a Nostr relay",
	Long: `pushtalk publishes a recorded clip to a Nostr relay as a signed audio
submission, forwards the transcription it gets back as an agent command,
and prints the agent's answer.

Relays are configured as named contexts in ~/.giztoy/pushtalk/config.yaml.
The client key and per-context event history live next to that file.

Examples:
  pushtalk config add-context local --relay ws://localhost:7447
  pushtalk relay serve --transcript "list the open issues"
  pushtalk talk clip.m4a
  pushtalk log -n 5
`,
	PersistentPreRunE: setup,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Command returns the root command for mounting into a parent CLI.
func Command() *cobra.Command {
	return rootCmd
}

// Execute runs the command line.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ~/.giztoy/pushtalk/config.yaml)")
	pf.StringVarP(&contextName, "context", "c", "", "context to use instead of the current one")
	pf.StringVarP(&outputFile, "output", "o", "", "write results to a file")
	pf.BoolVar(&outputJSON, "json", false, "write results as JSON")
	pf.BoolVarP(&verbose, "verbose", "v", false, "log debug details to stderr")

	rootCmd.AddCommand(configCmd, identityCmd, talkCmd, listenCmd, logCmd, relayCmd)
}

// setup installs the logger and loads the config.
func setup(cmd *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := cli.LoadConfig(appName, cfgFile)
	if err != nil {
		return err
	}
	loaded = cfg
	return nil
}

func getConfig() (*cli.Config, error) {
	if loaded == nil {
		return nil, errors.New("config not loaded")
	}
	return loaded, nil
}

// getContext returns the context named by -c, or the current one.
func getContext() (*cli.Context, error) {
	cfg, err := getConfig()
	if err != nil {
		return nil, err
	}
	return cfg.ResolveContext(contextName)
}

// loadIdentity returns the client identity, creating it on first use.
func loadIdentity(ctx context.Context) (*identity.Identity, error) {
	cfg, err := getConfig()
	if err != nil {
		return nil, err
	}
	dir, err := cli.EnsureDir(cli.PathsFor(cfg).IdentityDir())
	if err != nil {
		return nil, err
	}
	store, err := kv.NewBadger(kv.BadgerOptions{Dir: dir, SyncWrites: true})
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return identity.NewStore(identity.KVSecrets(store)).GetOrCreate(ctx)
}

// openEventLog opens the event history of c. The returned function closes
// its store.
func openEventLog(c *cli.Context) (*eventlog.Log, func() error, error) {
	cfg, err := getConfig()
	if err != nil {
		return nil, nil, err
	}
	dir, err := cli.EnsureDir(cli.PathsFor(cfg).EventLogDir(c.Name))
	if err != nil {
		return nil, nil, err
	}
	store, err := kv.NewBadger(kv.BadgerOptions{Dir: dir})
	if err != nil {
		return nil, nil, err
	}
	return eventlog.New(store, eventlog.Options{MaxEntries: c.LogSize()}), store.Close, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// machineOutput reports whether results should be written for programs
// rather than people.
func machineOutput() bool {
	return outputJSON || outputFile != ""
}

// printer writes results per --json and -o. stream selects JSON lines.
func printer(stream bool) (*cli.Printer, error) {
	format := cli.FormatYAML
	switch {
	case outputJSON && stream:
		format = cli.FormatLines
	case outputJSON:
		format = cli.FormatJSON
	}
	return cli.NewPrinter(format, outputFile)
}

func outputResult(result any) error {
	p, err := printer(false)
	if err != nil {
		return err
	}
	if err := p.Print(result); err != nil {
		p.Close()
		return err
	}
	return p.Close()
}
