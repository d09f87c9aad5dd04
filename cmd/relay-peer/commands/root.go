package commands

import (
	"github.com/spf13/cobra"

	"webrtc-signal-relay/pkg/logger"
)

var (
	relayURL string
	logLevel string
	console  bool
)

// RootCmd is the root command for relay-peer.
var RootCmd = &cobra.Command{
	Use:              "relay-peer",
	Short:            "WebRTC peer that signals through a signal relay",
	TraverseChildren: true,
	SilenceUsage:     true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&relayURL, "relay", "http://localhost:8080", "signal relay base URL")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "trace, debug, info, warn, error")
	RootCmd.PersistentFlags().BoolVar(&console, "console", true, "human readable logs")
}

func newLogger() (*logger.Logger, error) {
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	if console {
		return logger.NewConsole(level, "peer", false), nil
	}
	return logger.New(level), nil
}
