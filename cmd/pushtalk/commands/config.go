package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haivivi/pushtalk/pkg/cli"
	"github.com/haivivi/pushtalk/pkg/relay"
	"github.com/haivivi/pushtalk/pkg/relayserver"
	"github.com/haivivi/pushtalk/pkg/storage"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long: `Manage pushtalk configuration.

Configuration is stored in ~/.giztoy/pushtalk/config.yaml.
Each context names a relay and how to talk to it.`,
}

var configAddContextCmd = &cobra.Command{
	Use:   "add-context <name>",
	Short: "Add a new context",
	Long: `Add a new context.

Examples:
  pushtalk config add-context local --relay ws://localhost:7447
  pushtalk config add-context prod --relay wss://relay.example.com --kinds legacy --reconnect
  pushtalk config add-context prod --relay wss://relay.example.com --archive-s3-bucket clips`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		flags := cmd.Flags()
		relayURL, _ := flags.GetString("relay")
		kinds, _ := flags.GetString("kinds")
		shape, _ := flags.GetString("shape")
		repo, _ := flags.GetString("repo")
		transcriptionTimeout, _ := flags.GetDuration("transcription-timeout")
		agentTimeout, _ := flags.GetDuration("agent-timeout")
		reconnect, _ := flags.GetBool("reconnect")
		logSize, _ := flags.GetInt("log-size")
		archiveDir, _ := flags.GetString("archive-dir")
		bucket, _ := flags.GetString("archive-s3-bucket")
		region, _ := flags.GetString("archive-s3-region")
		endpoint, _ := flags.GetString("archive-s3-endpoint")
		openaiKey, _ := flags.GetString("openai-key")
		openaiURL, _ := flags.GetString("openai-base-url")
		chatModel, _ := flags.GetString("chat-model")

		ctx := &cli.Context{
			RelayURL:             relayURL,
			Kinds:                kinds,
			Shape:                shape,
			RepoURL:              repo,
			TranscriptionTimeout: transcriptionTimeout,
			AgentReplyTimeout:    agentTimeout,
			EventLogSize:         logSize,
		}
		if reconnect {
			ctx.Reconnect = &relay.ReconnectPolicy{}
		}
		switch {
		case bucket != "":
			ctx.Archive = &cli.ArchiveConfig{S3: &storage.S3Config{
				Bucket:    bucket,
				Region:    region,
				Endpoint:  endpoint,
				PathStyle: endpoint != "",
				AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
				SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			}}
		case archiveDir != "":
			ctx.Archive = &cli.ArchiveConfig{Dir: archiveDir}
		}
		if openaiKey != "" {
			ctx.OpenAI = &relayserver.OpenAIConfig{APIKey: openaiKey, BaseURL: openaiURL, ChatModel: chatModel}
		}

		cfg, err := getConfig()
		if err != nil {
			return err
		}
		if err := cfg.AddContext(name, ctx); err != nil {
			return err
		}
		cli.PrintSuccess("Context '%s' added successfully", name)
		return nil
	},
}

var configSetRepoCmd = &cobra.Command{
	Use:   "set-repo [url]",
	Short: "Set the active repository of the context",
	Long: `Set the repository attached to agent commands.

Without an argument the active repository is cleared.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		ctx, err := getContext()
		if err != nil {
			return err
		}
		ctx.RepoURL = ""
		if len(args) == 1 {
			ctx.RepoURL = args[0]
		}
		if err := cfg.Save(); err != nil {
			return err
		}
		if ctx.RepoURL == "" {
			cli.PrintSuccess("Cleared the active repository of '%s'", ctx.Name)
		} else {
			cli.PrintSuccess("Active repository of '%s' is %s", ctx.Name, ctx.RepoURL)
		}
		return nil
	},
}

var configDeleteContextCmd = &cobra.Command{
	Use:   "delete-context <name>",
	Short: "Delete a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		if err := cfg.DeleteContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("Context '%s' deleted", args[0])
		return nil
	},
}

var configUseContextCmd = &cobra.Command{
	Use:   "use-context <name>",
	Short: "Set the default context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		if err := cfg.UseContext(args[0]); err != nil {
			return err
		}
		cli.PrintSuccess("Switched to context '%s'", args[0])
		return nil
	},
}

var configGetContextCmd = &cobra.Command{
	Use:   "get-context",
	Short: "Show the current context",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		if cfg.CurrentContext == "" {
			fmt.Println("No current context set")
		} else {
			fmt.Println(cfg.CurrentContext)
		}
		return nil
	},
}

var configListContextsCmd = &cobra.Command{
	Use:   "list-contexts",
	Short: "List all contexts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		if len(cfg.Contexts) == 0 {
			fmt.Println("No contexts configured")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CURRENT\tNAME\tRELAY\tKINDS\tREPO")
		for _, name := range cfg.ListContexts() {
			ctx := cfg.Contexts[name]
			current := ""
			if name == cfg.CurrentContext {
				current = "*"
			}
			kinds := ctx.Kinds
			if ctx.CustomKinds != nil {
				kinds = "custom"
			} else if kinds == "" {
				kinds = "nip90"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", current, name, ctx.RelayURL, kinds, ctx.RepoURL)
		}
		return w.Flush()
	},
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View the configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig()
		if err != nil {
			return err
		}
		view := cli.Config{CurrentContext: cfg.CurrentContext, Contexts: make(map[string]*cli.Context, len(cfg.Contexts))}
		for name, ctx := range cfg.Contexts {
			masked := *ctx
			if ctx.OpenAI != nil {
				o := *ctx.OpenAI
				o.APIKey = cli.MaskAPIKey(o.APIKey)
				masked.OpenAI = &o
			}
			if ctx.Archive != nil && ctx.Archive.S3 != nil {
				s3 := *ctx.Archive.S3
				s3.SecretKey = cli.MaskAPIKey(s3.SecretKey)
				masked.Archive = &cli.ArchiveConfig{Dir: ctx.Archive.Dir, S3: &s3}
			}
			view.Contexts[name] = &masked
		}
		fmt.Fprintf(os.Stderr, "# %s\n", cfg.Path())
		return outputResult(&view)
	},
}

func init() {
	f := configAddContextCmd.Flags()
	f.String("relay", "", "relay WebSocket URL (required)")
	f.String("kinds", "", "kind preset: nip90 or legacy (default nip90)")
	f.String("shape", "", "outbound event shape: array or object (default array)")
	f.String("repo", "", "active repository attached to agent commands")
	f.Duration("transcription-timeout", 0, "transcription deadline (default 30s)")
	f.Duration("agent-timeout", 0, "agent reply deadline (default 60s)")
	f.Bool("reconnect", false, "reconnect with backoff after a connection loss")
	f.Int("log-size", 0, "event history size (default 500)")
	f.String("archive-dir", "", "archive submitted clips in this directory")
	f.String("archive-s3-bucket", "", "archive submitted clips in this S3 bucket")
	f.String("archive-s3-region", "us-east-1", "S3 region")
	f.String("archive-s3-endpoint", "", "S3-compatible endpoint (enables path-style)")
	f.String("openai-key", "", "OpenAI API key for 'pushtalk relay serve'")
	f.String("openai-base-url", "", "OpenAI-compatible base URL")
	f.String("chat-model", "", "chat model answering agent commands")

	configCmd.AddCommand(configAddContextCmd)
	configCmd.AddCommand(configSetRepoCmd)
	configCmd.AddCommand(configDeleteContextCmd)
	configCmd.AddCommand(configUseContextCmd)
	configCmd.AddCommand(configGetContextCmd)
	configCmd.AddCommand(configListContextsCmd)
	configCmd.AddCommand(configViewCmd)
}
