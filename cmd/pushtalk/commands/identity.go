package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/pushtalk/pkg/cli"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show the client's public key",
	Long: `Show the client's Nostr identity.

The key pair is generated on first use and kept in
~/.giztoy/pushtalk/data/identity. Every context shares it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := loadIdentity(cmd.Context())
		if err != nil {
			return err
		}
		if machineOutput() {
			return outputResult(map[string]string{
				"npub":   id.NPub(),
				"pubkey": id.PublicKey(),
			})
		}
		s := cli.DefaultStyles
		fmt.Println(s.Label.Render("npub") + id.NPub())
		fmt.Println(s.Label.Render("pubkey") + id.PublicKey())
		return nil
	},
}
