package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"webrtc-signal-relay/pkg/logger"
	"webrtc-signal-relay/pkg/webrtc/protocol"
)

const offerBody = `{"sdp":{"type":"offer","sdp":"v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"}}`

func newTestService(t *testing.T, policy RolePolicy) (*Service, *Metrics) {
	t.Helper()
	m := NewMetrics(prometheus.NewRegistry())
	svc := NewService(NewRegistry(RegistryOptions{}), ServiceOptions{
		RolePolicy: policy,
		Metrics:    m,
		Logger:     logger.Nop(),
	})
	return svc, m
}

func TestService_ScenarioFirstProbeIsInitiator(t *testing.T) {
	svc, _ := newTestService(t, RolePolicyProbe)
	a, err := svc.AssignRole(context.Background(), "demo")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.Role != Initiator {
		t.Fatalf("role = %s, want initiator", a.Role)
	}
	if a.Policy != RolePolicyProbe {
		t.Fatalf("policy = %s", a.Policy)
	}
	if a.Messages == nil || len(a.Messages) != 0 {
		t.Fatalf("messages = %#v", a.Messages)
	}
}

// Both arrivals see an empty initiator queue and both become initiator.
func TestService_ScenarioProbeRaceBothInitiator(t *testing.T) {
	svc, m := newTestService(t, RolePolicyProbe)
	ctx := context.Background()

	first, err := svc.AssignRole(ctx, "demo")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := svc.AssignRole(ctx, "demo")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.Role != Initiator || second.Role != Initiator {
		t.Fatalf("roles = %s, %s; want initiator twice", first.Role, second.Role)
	}
	got := testutil.ToFloat64(m.assignments.WithLabelValues("initiator", "probe"))
	if got != 2 {
		t.Fatalf("assignment counter = %v, want 2", got)
	}
}

func TestService_ProbeSeesPublishedResponderMessages(t *testing.T) {
	svc, _ := newTestService(t, RolePolicyProbe)
	ctx := context.Background()

	// The responder publishes into the initiator queue; a later probe drains it.
	if _, err := svc.Publish(ctx, "demo", Responder, []byte(`{"ice":{"candidate":""}}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	a, err := svc.AssignRole(ctx, "demo")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.Role != Responder {
		t.Fatalf("role = %s, want responder", a.Role)
	}
	if len(a.Messages) != 1 {
		t.Fatalf("probe returned %d drained messages, want 1", len(a.Messages))
	}
	left, err := svc.Fetch(ctx, "demo", Initiator)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("probe left %d messages behind", len(left))
	}
}

func TestService_ClaimPolicyAssignsResponderToSecondArrival(t *testing.T) {
	svc, m := newTestService(t, RolePolicyClaim)
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		roles []Role
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := svc.AssignRole(ctx, "demo")
			if err != nil {
				t.Errorf("assign: %v", err)
				return
			}
			mu.Lock()
			roles = append(roles, a.Role)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(roles) != 2 || roles[0] == roles[1] {
		t.Fatalf("roles = %v, want one initiator and one responder", roles)
	}
	if got := testutil.ToFloat64(m.assignments.WithLabelValues("responder", "claim")); got != 1 {
		t.Fatalf("responder claims = %v", got)
	}
}

func TestService_ScenarioOfferDeliveredOnce(t *testing.T) {
	svc, m := newTestService(t, RolePolicyProbe)
	ctx := context.Background()

	if _, err := svc.Publish(ctx, "demo", Initiator, []byte(offerBody)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, err := svc.Fetch(ctx, "demo", Responder)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("fetched %d messages, want 1", len(got))
	}
	out, err := json.Marshal(got[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !jsonEqual(t, out, []byte(offerBody)) {
		t.Fatalf("payload changed:\n got %s\nwant %s", out, offerBody)
	}

	again, err := svc.Fetch(ctx, "demo", Responder)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second fetch returned %d messages", len(again))
	}
	if got := testutil.ToFloat64(m.published.WithLabelValues("sdp")); got != 1 {
		t.Fatalf("published counter = %v", got)
	}
	if got := testutil.ToFloat64(m.delivered); got != 1 {
		t.Fatalf("delivered counter = %v", got)
	}
}

func TestService_ScenarioCandidatesKeepOrder(t *testing.T) {
	svc, _ := newTestService(t, RolePolicyProbe)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := svc.PublishMessage(ctx, "demo", Initiator, candidate(t, i)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	got, err := svc.Fetch(ctx, "demo", Responder)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("fetched %d, want 3", len(got))
	}
	for i, msg := range got {
		if n := candidateIndex(t, msg); n != i {
			t.Fatalf("position %d holds candidate %d", i, n)
		}
	}
}

func TestService_PublishTargetsOppositeRole(t *testing.T) {
	svc, _ := newTestService(t, RolePolicyProbe)
	ctx := context.Background()

	if err := svc.PublishMessage(ctx, "demo", Responder, candidate(t, 7)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	own, err := svc.Fetch(ctx, "demo", Responder)
	if err != nil {
		t.Fatalf("fetch own: %v", err)
	}
	if len(own) != 0 {
		t.Fatalf("sender received its own message")
	}
	peer, err := svc.Fetch(ctx, "demo", Initiator)
	if err != nil {
		t.Fatalf("fetch peer: %v", err)
	}
	if len(peer) != 1 || candidateIndex(t, peer[0]) != 7 {
		t.Fatalf("peer got %v", peer)
	}
}

func TestService_MalformedPublishWritesNothing(t *testing.T) {
	svc, m := newTestService(t, RolePolicyProbe)
	ctx := context.Background()

	for _, body := range []string{`not json`, `{}`, `{"sdp":{"type":"pranswer","sdp":""}}`} {
		if _, err := svc.Publish(ctx, "demo", Initiator, []byte(body)); !errors.Is(err, protocol.ErrMalformedMessage) {
			t.Fatalf("%s: err = %v, want ErrMalformedMessage", body, err)
		}
	}
	got, err := svc.Fetch(ctx, "demo", Responder)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("malformed publish wrote %d messages", len(got))
	}
	if got := testutil.ToFloat64(m.rejected.WithLabelValues(RejectMalformed)); got != 3 {
		t.Fatalf("malformed rejections = %v", got)
	}
}

func TestService_InvalidSession(t *testing.T) {
	svc, _ := newTestService(t, RolePolicyProbe)
	ctx := context.Background()
	if _, err := svc.Publish(ctx, "", Initiator, []byte(offerBody)); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("publish err = %v", err)
	}
	if _, err := svc.AssignRole(ctx, ""); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("assign err = %v", err)
	}
	if _, err := svc.Fetch(ctx, "", Responder); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("fetch err = %v", err)
	}
}

func TestService_WaitReturnsWhenMessageArrives(t *testing.T) {
	svc, _ := newTestService(t, RolePolicyProbe)
	ctx := context.Background()

	result := make(chan []protocol.Message, 1)
	go func() {
		msgs, err := svc.Wait(ctx, "demo", Responder, 5*time.Second)
		if err != nil {
			t.Errorf("wait: %v", err)
		}
		result <- msgs
	}()

	time.Sleep(20 * time.Millisecond)
	if err := svc.PublishMessage(ctx, "demo", Initiator, candidate(t, 1)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msgs := <-result:
		if len(msgs) != 1 {
			t.Fatalf("wait returned %d messages", len(msgs))
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("wait did not wake up")
	}
}

func TestService_WaitTimesOutEmpty(t *testing.T) {
	svc, _ := newTestService(t, RolePolicyProbe)
	start := time.Now()
	msgs, err := svc.Wait(context.Background(), "quiet", Responder, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Fatalf("msgs = %#v", msgs)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("wait returned before timeout")
	}
}

func TestService_WaitHonorsCancel(t *testing.T) {
	svc, _ := newTestService(t, RolePolicyProbe)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.Wait(ctx, "quiet", Responder, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestService_WaitOverRedis(t *testing.T) {
	store, _ := newTestRedisStore(t, time.Minute)
	svc := NewService(store, ServiceOptions{Logger: logger.Nop()})
	ctx := context.Background()

	result := make(chan []protocol.Message, 1)
	go func() {
		msgs, err := svc.Wait(ctx, "demo", Initiator, 5*time.Second)
		if err != nil {
			t.Errorf("wait: %v", err)
		}
		result <- msgs
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := svc.Publish(ctx, "demo", Responder, []byte(`{"sdp":{"type":"answer","sdp":"v=0\r\n"}}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msgs := <-result:
		if len(msgs) != 1 || msgs[0].Kind() != protocol.KindDescription {
			t.Fatalf("wait returned %v", msgs)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("wait did not wake up")
	}
}

func TestService_CreateSession(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	svc := NewService(reg, ServiceOptions{Logger: logger.Nop()})
	id, err := svc.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(id) != 8 {
		t.Fatalf("id %q has length %d", id, len(id))
	}
	if _, ok := reg.Lookup(id); !ok {
		t.Fatalf("created session not registered")
	}
	a, err := svc.AssignRole(context.Background(), id)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.Role != Initiator {
		t.Fatalf("first arrival in new session = %s", a.Role)
	}
}

func TestNewSessionIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewSessionID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func jsonEqual(t *testing.T, a, b []byte) bool {
	t.Helper()
	var ca, cb bytes.Buffer
	if err := json.Compact(&ca, a); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if err := json.Compact(&cb, b); err != nil {
		t.Fatalf("compact: %v", err)
	}
	return bytes.Equal(ca.Bytes(), cb.Bytes())
}
