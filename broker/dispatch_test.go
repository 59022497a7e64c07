package broker

import "testing"

func TestDedupByInstanceID_LastOccurrenceWins(t *testing.T) {
	subs := []Subscription{
		{Topic: "orders", CallbackPath: "/v1", Consumer: ConsumerIdentity{InstanceID: "i1"}},
		{Topic: "orders", CallbackPath: "/v2", Consumer: ConsumerIdentity{InstanceID: "i1"}},
		{Topic: "orders", CallbackPath: "/v1", Consumer: ConsumerIdentity{InstanceID: "i2"}},
	}

	out := dedupByInstanceID(subs)
	if len(out) != 2 {
		t.Fatalf("expected 2 deduped subscriptions, got %d", len(out))
	}
	for _, sub := range out {
		if sub.Consumer.InstanceID == "i1" && sub.CallbackPath != "/v2" {
			t.Fatalf("expected the last occurrence for i1, got %s", sub.CallbackPath)
		}
	}
}
