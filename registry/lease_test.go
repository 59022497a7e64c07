package registry

import (
	"testing"
	"time"

	"github.com/tradeflow/ctrlplane/clock"
)

func TestSweep_EvictsInstancesPastTTL(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	store := NewStore(fake, time.Second, nil)
	inst, _, err := store.Register(RegisterInput{ServiceName: "billing", IP: "127.0.0.1", Port: 1})
	if err != nil {
		t.Fatal(err)
	}

	lm := NewLeaseManager(store, fake, time.Minute, 0, nil)
	fake.Advance(2 * time.Second)
	lm.Sweep()

	if _, ok := store.Get("billing", inst.InstanceID); ok {
		t.Fatal("expected the expired instance to be evicted by Sweep")
	}
}

func TestSweep_LeavesFreshInstancesAlone(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	store := NewStore(fake, 10*time.Second, nil)
	inst, _, err := store.Register(RegisterInput{ServiceName: "billing", IP: "127.0.0.1", Port: 1})
	if err != nil {
		t.Fatal(err)
	}

	lm := NewLeaseManager(store, fake, time.Minute, 0, nil)
	fake.Advance(2 * time.Second)
	lm.Sweep()

	if _, ok := store.Get("billing", inst.InstanceID); !ok {
		t.Fatal("expected the still-fresh instance to survive Sweep")
	}
}
