package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	sentinel "github.com/alibaba/sentinel-golang/api"

	"github.com/tradeflow/ctrlplane/clock"
	"github.com/tradeflow/ctrlplane/discovery"
	"github.com/tradeflow/ctrlplane/errs"
	"github.com/tradeflow/ctrlplane/flog"
)

// State is one of the Delivery Engine's per-subscription states.
type State string

const (
	Pending      State = "PENDING"
	Resolving    State = "RESOLVING"
	Sending      State = "SENDING"
	RetryWait    State = "RETRY_WAIT"
	Acked        State = "ACKED"
	Nacked       State = "NACKED"
	DeadLettered State = "DEAD_LETTERED"
	Expired      State = "EXPIRED"
)

func (s State) terminal() bool {
	switch s {
	case Acked, Nacked, DeadLettered, Expired:
		return true
	default:
		return false
	}
}

// Outcome is the result of one Deliver call.
type Outcome struct {
	State  State
	Reason string
}

// subscriberAck is the shape a subscriber's callback response takes:
// 2xx with no body is an implicit ACK; an explicit body can name
// "nack" or "deadLetter".
type subscriberAck struct {
	Ack    string `json:"ack"`
	Reason string `json:"reason"`
}

const (
	minBackoff = 50 * time.Millisecond
	maxBackoff = 30 * time.Second
)

func backoff(attempt int) time.Duration {
	d := minBackoff << uint(attempt)
	if d <= 0 || d > maxBackoff { // overflow or cap
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	if wait := d/2 + jitter; wait > minBackoff {
		return wait
	}
	return minBackoff
}

// Resolver is the subset of discovery.Client the Delivery Engine
// depends on; narrowed to an interface so tests can substitute a
// stub instead of standing up a real Registry HTTP Surface.
type Resolver interface {
	FindService(ctx context.Context, name string) (discovery.Instance, error)
}

// DeliveryEngine runs the per-subscription delivery state machine,
// resolving the subscriber's current address on each attempt and
// POSTing the envelope to its callback.
type DeliveryEngine struct {
	discovery Resolver
	http      *http.Client
	dlq       DeadLetterSink
	dedup     Deduplicator
	clk       clock.Clock
	log       *flog.Logger

	deliverTimeout time.Duration
}

type EngineConfig struct {
	Discovery      Resolver
	HTTPClient     *http.Client
	DeadLetterSink DeadLetterSink
	Dedup          Deduplicator
	Clock          clock.Clock
	Log            *flog.Logger
	DeliverTimeout time.Duration
}

func NewDeliveryEngine(cfg EngineConfig) *DeliveryEngine {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.DeadLetterSink == nil {
		cfg.DeadLetterSink = NoopSink{}
	}
	if cfg.Dedup == nil {
		cfg.Dedup = NoopDeduplicator{}
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 10 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = flog.Default()
	}
	return &DeliveryEngine{
		discovery:      cfg.Discovery,
		http:           cfg.HTTPClient,
		dlq:            cfg.DeadLetterSink,
		dedup:          cfg.Dedup,
		clk:            cfg.Clock,
		log:            log.With("delivery-engine"),
		deliverTimeout: cfg.DeliverTimeout,
	}
}

func (e *DeliveryEngine) now() time.Time {
	if e.clk != nil {
		return e.clk.Now()
	}
	return time.Now()
}

// Deliver drives sub's state machine for env from PENDING to a
// terminal state.
func (e *DeliveryEngine) Deliver(ctx context.Context, env Envelope, sub Subscription) Outcome {
	if dedupID := env.Metadata.Delivery.dedupIDOrEmpty(); dedupID != "" && env.Metadata.Delivery.mode() == ExactlyOnce {
		fresh, err := e.dedup.Reserve(ctx, dedupID+"|"+sub.Consumer.InstanceID, env.Metadata.Delivery.ttl())
		if err == nil && !fresh {
			return Outcome{State: Acked, Reason: "deduplicated"}
		}
	}

	state := Pending
	attempt := 0
	var resolved discovery.Instance

	for !state.terminal() {
		switch state {
		case Pending:
			state = Resolving

		case Resolving:
			inst, err := e.discovery.FindService(ctx, sub.Consumer.ServiceName)
			if err != nil {
				state = e.afterFailure(env, attempt, err)
				continue
			}
			resolved = inst
			state = Sending

		case Sending:
			attempt++
			outcome, err := e.send(ctx, env, sub, resolved, attempt)
			if err != nil {
				state = e.afterFailure(env, attempt, err)
				continue
			}
			state = outcome

		case RetryWait:
			select {
			case <-ctx.Done():
				return Outcome{State: Nacked, Reason: "cancelled during retry wait"}
			case <-e.after(backoff(attempt)):
			}
			state = Resolving
		}
	}

	reason := ""
	if state == Expired {
		reason = "TTL_EXPIRED"
	}
	if state == DeadLettered || state == Expired {
		if sendErr := e.dlq.Send(ctx, env, sub, reasonOr(reason, "delivery exhausted")); sendErr != nil {
			e.log.Error("dead-letter sink send failed", flog.Err(sendErr))
		}
	}
	return Outcome{State: state, Reason: reason}
}

func (e *DeliveryEngine) after(d time.Duration) <-chan time.Time {
	if e.clk != nil {
		return e.clk.After(d)
	}
	return time.After(d)
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

// afterFailure implements the shared post-failure branch: TTL check
// first, then dead-letter error, then delivery.mode.
func (e *DeliveryEngine) afterFailure(env Envelope, attempt int, err error) State {
	ttl := env.Metadata.Delivery.ttl()
	if ttl > 0 && !e.now().Before(env.Metadata.EmittedAt.Add(ttl)) {
		return Expired
	}

	if errs.KindOf(err) == errs.DeadLetter {
		return DeadLettered
	}

	switch env.Metadata.Delivery.mode() {
	case AtMostOnce:
		return Nacked
	case ExactlyOnce:
		if attempt >= 2 {
			return Nacked
		}
		return RetryWait
	default: // AT_LEAST_ONCE
		return RetryWait
	}
}

// send implements the SENDING state: POST the envelope plus a context
// block to the subscriber's callback inside a sentinel resource keyed
// by the target service, tracing failures on it. This repository loads
// no circuit-breaker rule for that resource, so the entry only blocks
// when a deployment loads one.
func (e *DeliveryEngine) send(ctx context.Context, env Envelope, sub Subscription, inst discovery.Instance, attempt int) (State, error) {
	resource := "broker:deliver:" + sub.Consumer.ServiceName
	entry, blockErr := sentinel.Entry(resource)
	if blockErr != nil {
		return Pending, errs.New(errs.Timeout, "circuit open for "+sub.Consumer.ServiceName)
	}
	defer entry.Exit()

	sendCtx, cancel := context.WithTimeout(ctx, e.deliverTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"message": env,
		"context": map[string]any{
			"receivedAt":      e.now(),
			"consumerGroup":   sub.Consumer.ServiceName,
			"deliveryAttempt": attempt,
		},
	})
	if err != nil {
		return Pending, errs.New(errs.Unknown, "envelope marshal failed", err)
	}

	url := fmt.Sprintf("https://%s:%d/%s", inst.IP, inst.Port, sub.CallbackPath)
	req, err := http.NewRequestWithContext(sendCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Pending, errs.New(errs.Unknown, "build delivery request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		sentinel.TraceError(entry, err)
		return Pending, errs.New(errs.Timeout, "delivery transport error", err)
	}
	defer resp.Body.Close()

	var ack subscriberAck
	_ = json.NewDecoder(resp.Body).Decode(&ack)

	switch ack.Ack {
	case "deadLetter":
		return Pending, errs.New(errs.DeadLetter, reasonOr(ack.Reason, "subscriber requested dead-letter"))
	case "nack":
		return Pending, errs.New(errs.Nack, reasonOr(ack.Reason, "subscriber nacked"))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Acked, nil
	}

	sentinel.TraceError(entry, fmt.Errorf("subscriber returned status %d", resp.StatusCode))
	return Pending, errs.New(errs.Nack, fmt.Sprintf("subscriber returned status %d", resp.StatusCode))
}

func (d *Delivery) dedupIDOrEmpty() string {
	if d == nil {
		return ""
	}
	return d.DeduplicationID
}
