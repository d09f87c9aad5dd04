package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"webrtc-signal-relay/internal/peer"
	"webrtc-signal-relay/pkg/client"
	"webrtc-signal-relay/pkg/signaling"
	"webrtc-signal-relay/pkg/webrtc/ice"
)

type runConfig struct {
	session     string
	role        string
	label       string
	dialTimeout time.Duration
	pionLevel   string
	loopback    bool
}

// NewRunCmd returns the command that joins a session and bridges stdin and
// stdout over a data channel.
func NewRunCmd() *cobra.Command {
	var rc runConfig
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join a session and chat over a data channel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, rc)
		},
	}
	cmd.Flags().StringVarP(&rc.session, "session", "s", "", "session to join (required)")
	cmd.Flags().StringVar(&rc.role, "role", "auto", "auto, caller or callee")
	cmd.Flags().StringVar(&rc.label, "label", peer.DefaultLabel, "data channel label")
	cmd.Flags().DurationVar(&rc.dialTimeout, "timeout", 2*time.Minute, "time to wait for the other participant")
	cmd.Flags().StringVar(&rc.pionLevel, "pion-log-level", "warn", "level for WebRTC stack logs")
	cmd.Flags().BoolVar(&rc.loopback, "loopback", false, "offer loopback candidates")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func run(cmd *cobra.Command, rc runConfig) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	pionLevel, err := zerolog.ParseLevel(rc.pionLevel)
	if err != nil {
		return fmt.Errorf("pion-log-level: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.New(relayURL, rc.session, nil)
	if err != nil {
		return err
	}
	if rc.role == "auto" {
		role, _, err := c.AssignRole(ctx)
		if err != nil {
			return fmt.Errorf("assign role: %w", err)
		}
		log.Info().Str("role", role.String()).Msg("role assigned by relay")
	} else {
		role, err := signaling.ParseRole(rc.role)
		if err != nil {
			return err
		}
		c.SetRole(role)
	}

	settings, err := c.Settings(ctx)
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, rc.dialTimeout)
	defer cancel()
	p, err := peer.Dial(dialCtx, peer.Options{
		Client:       c,
		Config:       ice.ToWebRTC(settings.ICEMode, settings.ICEServers),
		Label:        rc.label,
		PollInterval: settings.Interval(),
		Log:          log,
		PionLevel:    pionLevel,
		Loopback:     rc.loopback,
	})
	if err != nil {
		return err
	}
	defer p.Close()

	out := cmd.OutOrStdout()
	dc := p.DataChannel()
	dc.OnMessage(func(m webrtc.DataChannelMessage) {
		fmt.Fprintf(out, "< %s\n", m.Data)
	})
	closed := make(chan struct{})
	dc.OnClose(func() { close(closed) })

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			log.Info().Msg("data channel closed by peer")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := dc.SendText(line); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}
