package broker

import (
	"context"
	"sync"

	"github.com/tradeflow/ctrlplane/flog"
)

// DispatchEngine fans a published envelope out to every subscriber of
// its topic.
type DispatchEngine struct {
	subs     *SubscriptionTable
	delivery *DeliveryEngine
	log      *flog.Logger

	// partitionMu serializes deliveries to a single subscriber when
	// the message carries routing.partitionKey, so two deliveries for
	// the same subscriber/partition pair never run at once. Waiting
	// deliveries take the mutex in no defined order, so publish order
	// is not preserved.
	partitionMu sync.Map // key: subscriberInstanceId+partitionKey -> *sync.Mutex
}

func NewDispatchEngine(subs *SubscriptionTable, delivery *DeliveryEngine, log *flog.Logger) *DispatchEngine {
	if log == nil {
		log = flog.Default()
	}
	return &DispatchEngine{subs: subs, delivery: delivery, log: log.With("dispatch-engine")}
}

// Dispatch snapshots subscribersOf(topic), dedups by instanceId
// (last occurrence wins), and fans out in parallel with failure
// isolation.
func (d *DispatchEngine) Dispatch(ctx context.Context, env Envelope) []Outcome {
	topic := env.Metadata.Topic
	snapshot := d.subs.SubscribersOf(topic)
	deduped := dedupByInstanceID(snapshot)

	outcomes := make([]Outcome, len(deduped))
	var wg sync.WaitGroup
	wg.Add(len(deduped))
	for i, sub := range deduped {
		i, sub := i, sub
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("delivery panicked", flog.String("subscriber", sub.Consumer.InstanceID))
					outcomes[i] = Outcome{State: Nacked, Reason: "delivery panicked"}
				}
			}()
			outcomes[i] = d.deliverOrdered(ctx, env, sub)
		}()
	}
	wg.Wait()
	return outcomes
}

// deliverOrdered holds a per-(subscriber,partitionKey) mutex across
// the delivery so partitioned messages to the same subscriber are
// delivered one at a time; the order among waiting messages is not
// defined. Unpartitioned messages skip the lock entirely.
func (d *DispatchEngine) deliverOrdered(ctx context.Context, env Envelope, sub Subscription) Outcome {
	if env.Metadata.Routing == nil || env.Metadata.Routing.PartitionKey == "" {
		return d.delivery.Deliver(ctx, env, sub)
	}

	key := sub.Consumer.InstanceID + "|" + env.Metadata.Routing.PartitionKey
	lockAny, _ := d.partitionMu.LoadOrStore(key, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()
	return d.delivery.Deliver(ctx, env, sub)
}

// dedupByInstanceID keeps one Subscription per instanceId (the last
// occurrence in subs wins) while preserving first-seen order.
func dedupByInstanceID(subs []Subscription) []Subscription {
	seen := make(map[string]bool, len(subs))
	latest := make(map[string]Subscription, len(subs))
	var order []string
	for _, sub := range subs {
		if !seen[sub.Consumer.InstanceID] {
			seen[sub.Consumer.InstanceID] = true
			order = append(order, sub.Consumer.InstanceID)
		}
		latest[sub.Consumer.InstanceID] = sub
	}

	out := make([]Subscription, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out
}
