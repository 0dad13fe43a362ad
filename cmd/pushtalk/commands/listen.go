package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/pushtalk/pkg/cli"
	"github.com/haivivi/pushtalk/pkg/envelope"
	"github.com/haivivi/pushtalk/pkg/relay"
)

var listenAll bool

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Follow the relay and print conversation events",
	Long: `Subscribe to the relay and print every event it delivers, along with
connection status changes. Events are also added to the event history.

With --json each event is printed as one JSON line.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		c, err := dial(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		s := cli.DefaultStyles
		closed := make(chan struct{})
		c.session.OnStateChange(func(st relay.State) {
			if !outputJSON {
				fmt.Fprintln(os.Stderr, s.StateLabel(st))
			}
			if st == relay.StateClosed {
				select {
				case <-closed:
				default:
					close(closed)
				}
			}
		})
		c.session.OnClose(func(err error) {
			if !outputJSON {
				cli.PrintWarning("%v", err)
			}
		})
		var out *cli.Printer
		if outputJSON {
			if out, err = printer(true); err != nil {
				return err
			}
			defer out.Close()
		}
		c.session.AddListener(func(msg *envelope.Message) {
			if msg.Event == nil || (!listenAll && msg.Role == envelope.RoleUnknown) {
				return
			}
			if out != nil {
				err := out.Print(map[string]any{
					"role":  msg.Role.String(),
					"text":  msg.Text,
					"event": msg.Event,
				})
				if err != nil {
					slog.Warn("listen: write event", "error", err)
				}
				return
			}
			at := msg.Event.CreatedAt.Time().Format(time.TimeOnly)
			text := msg.Text
			if msg.Role == envelope.RoleAudioSubmit {
				text = fmt.Sprintf("[%s audio]", msg.Payload.String("format"))
			}
			fmt.Printf("%s %s%s\n", s.Help.Render(at), s.RoleLabel(msg.Role), text)
		})

		if err := c.session.Start(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", c.ctx.RelayURL, err)
		}
		if !outputJSON {
			cli.PrintInfo("listening on %s as %s (Ctrl-C to stop)", c.ctx.RelayURL, c.id.NPub())
		}

		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			if ctx.Err() != nil {
				return nil
			}
			return errors.New("relay connection closed")
		}
	},
}

func init() {
	listenCmd.Flags().BoolVar(&listenAll, "all", false, "also print events of unknown kinds")
}
