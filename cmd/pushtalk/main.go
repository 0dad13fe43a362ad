// Package main provides the pushtalk CLI.
//
// Usage:
//
//	pushtalk [flags] <command> [args]
//
// Commands:
//
//	talk     - Submit a voice clip and wait for the agent's reply
//	listen   - Follow the relay and print conversation events
//	identity - Show the client's public key
//	log      - Show recent conversation events
//	relay    - Run a development relay
//	config   - Configuration management
//
// Configuration:
//
//	The CLI stores configuration in ~/.giztoy/pushtalk/
//	Use 'pushtalk config' commands to manage contexts.
package main

import (
	"fmt"
	"os"

	"github.com/haivivi/pushtalk/cmd/pushtalk/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
