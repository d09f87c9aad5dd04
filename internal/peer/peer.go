// Package peer runs one side of a WebRTC data channel session, signaling
// through the relay.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"webrtc-signal-relay/pkg/client"
	"webrtc-signal-relay/pkg/logger"
	"webrtc-signal-relay/pkg/signaling"
	"webrtc-signal-relay/pkg/webrtc/protocol"
)

const DefaultLabel = "relay"

type Options struct {
	Client *client.Client
	Config webrtc.Configuration
	// Label names the data channel the initiator opens.
	Label        string
	PollInterval time.Duration
	Log          *logger.Logger
	// PionLevel is the level pion's own logs are emitted at.
	PionLevel zerolog.Level
	// Loopback gathers 127.0.0.1 candidates, for peers on one host.
	Loopback bool
}

// Peer is a connected PeerConnection with an open data channel.
type Peer struct {
	pc   *webrtc.PeerConnection
	dc   *webrtc.DataChannel
	role signaling.Role

	cancel context.CancelFunc
	done   chan error
}

// NewAPI builds a pion API whose logs go through log.
func NewAPI(log *logger.Logger, level zerolog.Level, loopback bool) *webrtc.API {
	se := webrtc.SettingEngine{LoggerFactory: logger.NewPionLogger(log, level)}
	se.SetIncludeLoopbackCandidate(loopback)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// Dial negotiates a connection with the other participant of the client's
// session and returns once the data channel is open. The client must have a
// role.
func Dial(ctx context.Context, opts Options) (*Peer, error) {
	role, ok := opts.Client.Role()
	if !ok {
		return nil, client.ErrNoRole
	}
	log := opts.Log
	if log == nil {
		log = logger.Default()
	}
	log = log.Extend(log.With().Str("session", opts.Client.Session()).Str("role", role.String()))
	label := opts.Label
	if label == "" {
		label = DefaultLabel
	}

	api := NewAPI(log, opts.PionLevel, opts.Loopback)
	pc, err := api.NewPeerConnection(opts.Config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	n := &negotiator{pc: pc, client: opts.Client, log: log, opened: make(chan *webrtc.DataChannel, 1)}
	pollCtx, cancel := context.WithCancel(context.Background())
	p := &Peer{pc: pc, role: role, cancel: cancel, done: make(chan error, 1)}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := opts.Client.PublishCandidate(pollCtx, c.ToJSON()); err != nil && pollCtx.Err() == nil {
			log.Warn().Err(err).Msg("publish candidate")
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("state", s.String()).Msg("peer connection state")
	})

	if role == signaling.Initiator {
		dc, err := pc.CreateDataChannel(label, nil)
		if err != nil {
			_ = pc.Close()
			cancel()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		dc.OnOpen(func() { n.open(dc) })
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			dc.OnOpen(func() { n.open(dc) })
		})
	}

	go func() {
		p.done <- opts.Client.Poll(pollCtx, opts.PollInterval, n.handle)
	}()

	if role == signaling.Initiator {
		if err := n.offer(pollCtx); err != nil {
			p.Close()
			return nil, err
		}
	}

	select {
	case dc := <-n.opened:
		p.dc = dc
		log.Info().Str("label", dc.Label()).Msg("data channel open")
		return p, nil
	case err := <-p.done:
		p.Close()
		if err == nil {
			err = errors.New("signaling stopped")
		}
		return nil, fmt.Errorf("signaling: %w", err)
	case <-ctx.Done():
		p.Close()
		return nil, ctx.Err()
	}
}

func (p *Peer) Role() signaling.Role { return p.role }

func (p *Peer) DataChannel() *webrtc.DataChannel { return p.dc }

// Close stops signaling and tears the connection down.
func (p *Peer) Close() error {
	p.cancel()
	return p.pc.Close()
}

// negotiator applies signals from the other participant. Candidates that
// arrive before the remote description are held back.
type negotiator struct {
	pc     *webrtc.PeerConnection
	client *client.Client
	log    *logger.Logger

	mu      sync.Mutex
	pending []webrtc.ICECandidateInit

	openOnce sync.Once
	opened   chan *webrtc.DataChannel
}

func (n *negotiator) open(dc *webrtc.DataChannel) {
	n.openOnce.Do(func() { n.opened <- dc })
}

func (n *negotiator) offer(ctx context.Context) error {
	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := n.client.PublishDescription(ctx, offer); err != nil {
		return fmt.Errorf("publish offer: %w", err)
	}
	n.log.Debug().Msg("offer sent")
	return nil
}

func (n *negotiator) handle(msg protocol.Message) error {
	switch msg.Kind() {
	case protocol.KindDescription:
		desc, err := msg.Description()
		if err != nil {
			return err
		}
		return n.remoteDescription(desc)
	case protocol.KindCandidate:
		cand, err := msg.Candidate()
		if err != nil {
			return err
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.pc.RemoteDescription() == nil {
			n.pending = append(n.pending, cand)
			return nil
		}
		return n.pc.AddICECandidate(cand)
	}
	return nil
}

func (n *negotiator) remoteDescription(desc webrtc.SessionDescription) error {
	n.mu.Lock()
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, c := range pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.log.Warn().Err(err).Msg("add buffered candidate")
		}
	}
	n.log.Debug().Str("type", desc.Type.String()).Msg("remote description set")

	if desc.Type != webrtc.SDPTypeOffer {
		return nil
	}
	answer, err := n.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := n.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return n.client.PublishDescription(context.Background(), answer)
}
