package main

import (
	"os"

	"webrtc-signal-relay/cmd/relay-peer/commands"
)

func main() {
	rootCmd := commands.RootCmd
	rootCmd.AddCommand(
		commands.NewRunCmd(),
		commands.NewSessionCmd(),
	)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
