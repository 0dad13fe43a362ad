package commands

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/haivivi/pushtalk/pkg/capture"
	"github.com/haivivi/pushtalk/pkg/cli"
	"github.com/haivivi/pushtalk/pkg/exchange"
)

var (
	talkFormat  string
	talkRepo    string
	talkRequest string
	talkMaxSize string
)

// talkResult is printed with --json.
type talkResult struct {
	Exchange      string `json:"exchange" yaml:"exchange"`
	Stage         string `json:"stage" yaml:"stage"`
	Transcription string `json:"transcription,omitempty" yaml:"transcription,omitempty"`
	AgentReply    string `json:"agent_reply,omitempty" yaml:"agent_reply,omitempty"`
	ArchiveKey    string `json:"archive_key,omitempty" yaml:"archive_key,omitempty"`
	Error         string `json:"error,omitempty" yaml:"error,omitempty"`
	Elapsed       string `json:"elapsed" yaml:"elapsed"`
}

var talkCmd = &cobra.Command{
	Use:   "talk [clip]",
	Short: "Submit a voice clip and wait for the agent's reply",
	Long: `Submit a recorded clip to the relay.

The relay transcribes the clip; the transcription is sent back as an agent
command and the agent's reply is printed. Use "-" to read the clip from
stdin.

Examples:
  pushtalk talk clip.m4a
  pushtalk talk --repo https://github.com/example/repo clip.wav
  ffmpeg -f avfoundation -i ":0" -t 5 -f ipod - | pushtalk talk --format m4a -
  pushtalk talk -f talk.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTalk,
}

func init() {
	talkCmd.Flags().StringVar(&talkFormat, "format", "", "clip format (default: from the file extension)")
	talkCmd.Flags().StringVar(&talkRepo, "repo", "", "active repository for this request")
	talkCmd.Flags().StringVarP(&talkRequest, "file", "f", "", "request file (YAML or JSON)")
	talkCmd.Flags().StringVar(&talkMaxSize, "max-size", "25MiB", "largest accepted clip file")
}

func talkSource(arg string) (capture.Source, string, error) {
	path, format, repo := arg, talkFormat, talkRepo
	if talkRequest != "" {
		if arg != "" {
			return nil, "", errors.New("give either a clip or -f, not both")
		}
		req, err := cli.LoadTalkRequest(talkRequest)
		if err != nil {
			return nil, "", err
		}
		path = req.Audio
		if format == "" {
			format = req.Format
		}
		if repo == "" {
			repo = req.Repo
		}
	}
	if path == "" {
		return nil, "", errors.New("a clip file or -f request is required")
	}
	if path == "-" {
		return &capture.ReaderSource{R: os.Stdin, Format: format}, repo, nil
	}
	limit, err := humanize.ParseBytes(talkMaxSize)
	if err != nil {
		return nil, "", fmt.Errorf("--max-size: %w", err)
	}
	return &capture.FileSource{Path: path, Format: format, MaxBytes: int64(limit)}, repo, nil
}

func runTalk(cmd *cobra.Command, args []string) error {
	var arg string
	if len(args) == 1 {
		arg = args[0]
	}
	src, repo, err := talkSource(arg)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	clip, err := src.Capture(ctx)
	if err != nil {
		return err
	}

	c, err := dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if repo == "" {
		repo = c.ctx.RepoURL
	}
	opts := exchange.Options{
		Signer:               c.id,
		TranscriptionTimeout: c.ctx.TranscriptionTimeout,
		AgentReplyTimeout:    c.ctx.AgentReplyTimeout,
		RepoURL:              repo,
		Recorder:             c.log,
	}
	archive, err := c.ctx.OpenArchive()
	if err != nil {
		return err
	}
	if archive != nil {
		opts.Archive = archive
	}
	corr, err := exchange.New(c.session, opts)
	if err != nil {
		return err
	}

	if err := c.session.Start(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", c.ctx.RelayURL, err)
	}

	s := cli.DefaultStyles
	quiet := machineOutput()
	started := time.Now()
	ex, err := corr.Submit(clip, func(r exchange.Reply) {
		if quiet {
			return
		}
		switch {
		case r.Err != nil:
			fmt.Println(s.Error.Render("✗ "+r.Kind.String()) + " " + r.Err.Error())
		case r.Kind == exchange.ReplyTranscription:
			fmt.Println(s.Label.Render("you said") + r.Text)
		default:
			fmt.Println(s.Label.Render("agent") + r.Text)
		}
	})
	if err != nil {
		return err
	}
	if !quiet {
		cli.PrintInfo("sent %s clip (%s), waiting for the relay", clip.Format, humanize.IBytes(uint64(len(clip.Data))))
	}

	if err := ex.Wait(ctx); err != nil && ctx.Err() != nil {
		// Interrupted: stopping the session fails the exchange.
		c.session.Stop()
		<-ex.Done()
	}
	corr.Flush()

	result := talkResult{
		Exchange:      ex.ID(),
		Stage:         ex.Stage().String(),
		Transcription: ex.Transcription(),
		AgentReply:    ex.AgentReply(),
		ArchiveKey:    ex.ArchiveKey(),
		Elapsed:       time.Since(started).Round(time.Millisecond).String(),
	}
	if ex.Err() != nil {
		result.Error = ex.Err().Error()
	}
	if quiet {
		if err := outputResult(result); err != nil {
			return err
		}
	} else if result.ArchiveKey != "" {
		cli.PrintInfo("archived as %s", result.ArchiveKey)
	}
	if ex.Err() != nil {
		return ex.Err()
	}
	if !quiet {
		cli.PrintSuccess("done in %s", result.Elapsed)
	}
	return nil
}
