package peer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"webrtc-signal-relay/internal/app/httpapi"
	"webrtc-signal-relay/pkg/client"
	"webrtc-signal-relay/pkg/logger"
	"webrtc-signal-relay/pkg/signaling"
)

func newRelay(t *testing.T) *httptest.Server {
	t.Helper()
	svc := signaling.NewService(signaling.NewRegistry(signaling.RegistryOptions{}),
		signaling.ServiceOptions{RolePolicy: signaling.RolePolicyClaim, Logger: logger.Nop()})
	mux := http.NewServeMux()
	httpapi.Register(mux, httpapi.Deps{Service: svc, Log: logger.Nop(), Settings: httpapi.Settings{MaxBodyBytes: 1 << 16}})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDialOpensDataChannel(t *testing.T) {
	srv := newRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	type result struct {
		peer *Peer
		err  error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		c, err := client.New(srv.URL, "dc-test", srv.Client())
		if err != nil {
			t.Fatalf("client: %v", err)
		}
		if _, _, err := c.AssignRole(ctx); err != nil {
			t.Fatalf("assign: %v", err)
		}
		go func() {
			p, err := Dial(ctx, Options{
				Client:       c,
				PollInterval: 20 * time.Millisecond,
				Log:          logger.Nop(),
				PionLevel:    zerolog.Disabled,
				Loopback:     true,
			})
			results <- result{p, err}
		}()
	}

	peers := map[signaling.Role]*Peer{}
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("dial: %v", r.err)
		}
		t.Cleanup(func() { _ = r.peer.Close() })
		peers[r.peer.Role()] = r.peer
	}
	caller, callee := peers[signaling.Initiator], peers[signaling.Responder]
	if caller == nil || callee == nil {
		t.Fatalf("roles not split: %v", peers)
	}

	got := make(chan string, 1)
	callee.DataChannel().OnMessage(func(m webrtc.DataChannelMessage) { got <- string(m.Data) })
	if err := caller.DataChannel().SendText("hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case msg := <-got:
		if msg != "hello" {
			t.Fatalf("got %q", msg)
		}
	case <-ctx.Done():
		t.Fatalf("message not delivered")
	}
}

func TestDialRequiresRole(t *testing.T) {
	srv := newRelay(t)
	c, err := client.New(srv.URL, "norole", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Dial(context.Background(), Options{Client: c}); err != client.ErrNoRole {
		t.Fatalf("err = %v", err)
	}
}
