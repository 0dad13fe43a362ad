package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/pushtalk/pkg/cli"
	"github.com/haivivi/pushtalk/pkg/envelope"
	"github.com/haivivi/pushtalk/pkg/eventlog"
)

var (
	logLimit int
	logClear bool
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show recent conversation events",
	Long: `Show the event history of the context, newest first.

Sent events and events received by talk and listen are recorded, up to the
context's event_log_size.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := getContext()
		if err != nil {
			return err
		}
		log, closeLog, err := openEventLog(c)
		if err != nil {
			return err
		}
		defer closeLog()

		ctx := cmd.Context()
		if logClear {
			if err := log.Clear(ctx); err != nil {
				return err
			}
			cli.PrintSuccess("Cleared the event history of '%s'", c.Name)
			return nil
		}

		entries, err := log.List(ctx, logLimit)
		if err != nil {
			return err
		}
		if machineOutput() {
			if entries == nil {
				entries = []eventlog.Entry{}
			}
			return outputResult(entries)
		}
		if len(entries) == 0 {
			fmt.Println("No events recorded")
			return nil
		}
		s := cli.DefaultStyles
		for _, e := range entries {
			at := time.Unix(0, e.RecordedAt).Format(time.DateTime)
			role := envelope.RoleUnknown.String()
			if e.Role != "" {
				role = e.Role
			}
			arrow := "←"
			if e.Direction == eventlog.Outbound {
				arrow = "→"
			}
			fmt.Printf("%s %s %s%s\n", s.Help.Render(at), arrow, s.Label.Render(role), e.Text)
		}
		return nil
	},
}

func init() {
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 20, "number of events to show (0 for all)")
	logCmd.Flags().BoolVar(&logClear, "clear", false, "delete the event history")
}
