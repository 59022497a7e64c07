package broker

import (
	"sync"

	"github.com/tradeflow/ctrlplane/errs"
)

// ConsumerIdentity names the subscriber instance a Subscription
// resolves and delivers to.
type ConsumerIdentity struct {
	ServiceName string `json:"serviceName"`
	InstanceID  string `json:"instanceId"`
}

// Subscription is one entry of the Subscription Table.
type Subscription struct {
	Topic        string           `json:"topic"`
	CallbackPath string           `json:"callbackPath"`
	Consumer     ConsumerIdentity `json:"consumerIdentity"`
}

// SubscriptionTable is the in-memory topic -> ordered subscription
// list the Dispatch Engine fans out against.
type SubscriptionTable struct {
	mu      sync.RWMutex
	byTopic map[string][]Subscription
}

func NewSubscriptionTable() *SubscriptionTable {
	return &SubscriptionTable{byTopic: make(map[string][]Subscription)}
}

// Subscribe appends sub to its topic's list unless an entry with the
// same instanceId already exists, in which case it's a no-op.
func (t *SubscriptionTable) Subscribe(sub Subscription) error {
	if sub.Topic == "" {
		return errs.New(errs.BadRequest, "topic must not be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, existing := range t.byTopic[sub.Topic] {
		if existing.Consumer.InstanceID == sub.Consumer.InstanceID {
			return nil
		}
	}
	t.byTopic[sub.Topic] = append(t.byTopic[sub.Topic], sub)
	return nil
}

// Unsubscribe removes the entry matching instanceId under topic,
// dropping the topic bucket if it becomes empty.
func (t *SubscriptionTable) Unsubscribe(topic, instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.byTopic[topic]
	out := list[:0:0]
	for _, sub := range list {
		if sub.Consumer.InstanceID != instanceID {
			out = append(out, sub)
		}
	}
	if len(out) == 0 {
		delete(t.byTopic, topic)
		return
	}
	t.byTopic[topic] = out
}

// SubscribersOf returns a snapshot slice for topic, safe to iterate
// without holding the table lock.
func (t *SubscriptionTable) SubscribersOf(topic string) []Subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	src := t.byTopic[topic]
	out := make([]Subscription, len(src))
	copy(out, src)
	return out
}
