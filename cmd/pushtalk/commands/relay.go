package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/haivivi/pushtalk/pkg/cli"
	"github.com/haivivi/pushtalk/pkg/envelope"
	"github.com/haivivi/pushtalk/pkg/relayserver"
)

var (
	relayAddr       string
	relayKinds      string
	relayShape      string
	relayTranscript string
	relayReply      string
	relaySkipVerify bool
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Development relay",
}

var relayServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a development relay",
	Long: `Run a relay that answers audio submissions with a transcription and
agent commands with an agent reply.

Transcription and replies come from the OpenAI settings of the selected
context (or OPENAI_API_KEY). Without them, --transcript gives a fixed
transcription and agent commands get a fixed acknowledgement.

Examples:
  pushtalk relay serve --transcript "run the tests"
  OPENAI_API_KEY=sk-... pushtalk relay serve --addr :7447
  pushtalk -c prod relay serve --kinds legacy`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds, err := envelope.KindsPreset(relayKinds)
		if err != nil {
			return err
		}
		shape, err := envelope.ParseShape(relayShape)
		if err != nil {
			return err
		}
		cfg := relayserver.Config{
			Kinds:      kinds,
			Shape:      shape,
			SkipVerify: relaySkipVerify,
			Agent:      relayserver.StaticAgent(relayReply),
		}

		openaiCfg, err := relayOpenAIConfig()
		if err != nil {
			return err
		}
		switch {
		case openaiCfg != nil:
			o, err := relayserver.NewOpenAI(*openaiCfg)
			if err != nil {
				return err
			}
			cfg.Transcriber = o
			if openaiCfg.ChatModel != "" {
				cfg.Agent = o
			}
			if relayTranscript != "" {
				cfg.Transcriber = relayserver.StaticTranscriber(relayTranscript)
			}
		case relayTranscript != "":
			cfg.Transcriber = relayserver.StaticTranscriber(relayTranscript)
		default:
			cli.PrintWarning("no transcriber: set --transcript or OpenAI credentials")
		}

		srv, err := relayserver.New(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		cli.PrintInfo("relay on ws://%s (kinds %v)", displayAddr(relayAddr), kinds)
		return srv.ListenAndServe(ctx, relayAddr)
	},
}

// relayOpenAIConfig takes OpenAI settings from the selected context, else
// from OPENAI_API_KEY.
func relayOpenAIConfig() (*relayserver.OpenAIConfig, error) {
	if ctx, err := getContext(); err == nil {
		if ctx.OpenAI != nil {
			return ctx.OpenAI, nil
		}
	} else if contextName != "" {
		return nil, err
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return &relayserver.OpenAIConfig{
			APIKey:  key,
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
		}, nil
	}
	return nil, nil
}

func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}

func init() {
	f := relayServeCmd.Flags()
	f.StringVar(&relayAddr, "addr", ":7447", "listen address")
	f.StringVar(&relayKinds, "kinds", "nip90", "kind preset: nip90 or legacy")
	f.StringVar(&relayShape, "shape", "array", "direct reply shape: array or object")
	f.StringVar(&relayTranscript, "transcript", "", "fixed transcription for every clip")
	f.StringVar(&relayReply, "reply", relayserver.DefaultReply, "fixed agent reply")
	f.BoolVar(&relaySkipVerify, "skip-verify", false, "accept events with bad signatures")

	relayCmd.AddCommand(relayServeCmd)
}
