package broker

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tradeflow/ctrlplane/clock"
	"github.com/tradeflow/ctrlplane/discovery"
)

type stubResolver struct {
	instance discovery.Instance
	err      error
}

func (s stubResolver) FindService(context.Context, string) (discovery.Instance, error) {
	return s.instance, s.err
}

func insecureClient() *http.Client {
	return &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}}
}

func instanceFor(t *testing.T, srv *httptest.Server) discovery.Instance {
	t.Helper()
	port := srv.Listener.Addr().(*net.TCPAddr).Port
	return discovery.Instance{ServiceName: "billing", IP: "127.0.0.1", Port: port}
}

func testSub() Subscription {
	return Subscription{Topic: "orders", CallbackPath: "cb", Consumer: ConsumerIdentity{ServiceName: "billing", InstanceID: "i1"}}
}

func TestDeliver_ImplicitAckOn2xx(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	engine := NewDeliveryEngine(EngineConfig{
		Discovery:  stubResolver{instance: instanceFor(t, srv)},
		HTTPClient: insecureClient(),
		Clock:      clock.NewFake(time.Unix(0, 0)),
	})

	env := NewEnvelope(Metadata{Topic: "orders"}, "payload", time.Unix(0, 0))
	outcome := engine.Deliver(context.Background(), env, testSub())
	if outcome.State != Acked {
		t.Fatalf("expected ACKED, got %s", outcome.State)
	}
}

func TestDeliver_AtMostOnceTerminatesOnFirstFailure(t *testing.T) {
	attempts := 0
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	engine := NewDeliveryEngine(EngineConfig{
		Discovery:  stubResolver{instance: instanceFor(t, srv)},
		HTTPClient: insecureClient(),
		Clock:      clock.NewFake(time.Unix(0, 0)),
	})

	meta := Metadata{Topic: "orders", Delivery: &Delivery{Mode: AtMostOnce}}
	env := NewEnvelope(meta, "payload", time.Unix(0, 0))
	outcome := engine.Deliver(context.Background(), env, testSub())

	if outcome.State != Nacked {
		t.Fatalf("expected NACKED, got %s", outcome.State)
	}
	if attempts != 1 {
		t.Fatalf("AT_MOST_ONCE must not retry, got %d attempts", attempts)
	}
}

func TestDeliver_TTLExpiryDuringRetryDeadLetters(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var sunk bool
	sink := sinkFunc(func(ctx context.Context, env Envelope, sub Subscription, reason string) error {
		sunk = reason == "TTL_EXPIRED"
		return nil
	})

	fake := clock.NewFake(time.Unix(0, 0))
	engine := NewDeliveryEngine(EngineConfig{
		Discovery:      stubResolver{instance: instanceFor(t, srv)},
		HTTPClient:     insecureClient(),
		Clock:          fake,
		DeadLetterSink: sink,
	})

	// emittedAt is set to "now" (fake's epoch); advance the clock past
	// ttl before Deliver ever calls e.now() for its TTL check by
	// pre-advancing, since AT_LEAST_ONCE's first SENDING failure
	// already crosses emittedAt+ttl on this fake clock.
	meta := Metadata{Topic: "orders", Delivery: &Delivery{Mode: AtLeastOnce, TTL: 500 * time.Millisecond}}
	env := NewEnvelope(meta, "payload", fake.Now())
	fake.Advance(600 * time.Millisecond)

	outcome := engine.Deliver(context.Background(), env, testSub())
	if outcome.State != Expired {
		t.Fatalf("expected EXPIRED, got %s", outcome.State)
	}
	if outcome.Reason != "TTL_EXPIRED" {
		t.Fatalf("expected TTL_EXPIRED reason, got %q", outcome.Reason)
	}
	if !sunk {
		t.Fatal("expected the dead-letter sink to receive TTL_EXPIRED")
	}
}

type sinkFunc func(ctx context.Context, env Envelope, sub Subscription, reason string) error

func (f sinkFunc) Send(ctx context.Context, env Envelope, sub Subscription, reason string) error {
	return f(ctx, env, sub, reason)
}
