package registry

import (
	"testing"
	"time"

	"github.com/tradeflow/ctrlplane/clock"
	"github.com/tradeflow/ctrlplane/errs"
)

func newTestStore() (*Store, *clock.Fake) {
	fake := clock.NewFake(time.Unix(0, 0))
	return NewStore(fake, time.Second, nil), fake
}

func TestRegister_NewInstanceIssuesToken(t *testing.T) {
	store, _ := newTestStore()
	inst, token, err := store.Register(RegisterInput{ServiceName: "billing", IP: "127.0.0.1", Port: 8080})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token == "" {
		t.Fatal("expected a non-empty token")
	}
	if inst.InstanceID == "" {
		t.Fatal("expected a generated instanceId")
	}
}

func TestRegister_SameInstanceMergesMetadata(t *testing.T) {
	store, _ := newTestStore()
	inst, _, err := store.Register(RegisterInput{ServiceName: "billing", IP: "127.0.0.1", Port: 8080, Metadata: map[string]string{"region": "us"}})
	if err != nil {
		t.Fatal(err)
	}

	again, _, err := store.Register(RegisterInput{
		ServiceName: "billing", InstanceID: inst.InstanceID, IP: "127.0.0.1", Port: 8080,
		Metadata: map[string]string{"weight": "5"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if again.Metadata["region"] != "us" || again.Metadata["weight"] != "5" {
		t.Fatalf("expected merged metadata, got %+v", again.Metadata)
	}
}

func TestHeartbeat_ObservesPriorRegister(t *testing.T) {
	store, _ := newTestStore()
	inst, _, err := store.Register(RegisterInput{ServiceName: "billing", IP: "127.0.0.1", Port: 8080})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.Heartbeat("billing", inst.InstanceID); err != nil {
		t.Fatalf("heartbeat should observe the registration: %v", err)
	}
}

func TestResolve_EvictsExpiredOnScan(t *testing.T) {
	store, fake := newTestStore()
	if _, _, err := store.Register(RegisterInput{ServiceName: "billing", IP: "127.0.0.1", Port: 8080}); err != nil {
		t.Fatal(err)
	}

	fake.Advance(2 * time.Second) // ttl is 1s

	_, err := store.Resolve("billing")
	if errs.KindOf(err) != errs.Gone {
		t.Fatalf("expected Gone after ttl expiry, got %v", err)
	}
	if names := store.Names(); len(names) != 0 {
		t.Fatalf("expected the empty bucket to be dropped, got %v", names)
	}
}

func TestResolveOne_RoundRobinsAcrossInstances(t *testing.T) {
	store, _ := newTestStore()
	a, _, _ := store.Register(RegisterInput{ServiceName: "billing", IP: "127.0.0.1", Port: 1})
	b, _, _ := store.Register(RegisterInput{ServiceName: "billing", IP: "127.0.0.1", Port: 2})

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		inst, err := store.ResolveOne("billing", Filter{})
		if err != nil {
			t.Fatal(err)
		}
		seen[inst.InstanceID] = true
	}
	if !seen[a.InstanceID] || !seen[b.InstanceID] {
		t.Fatalf("expected round-robin to visit both instances, saw %v", seen)
	}
}

func TestValidateToken_RotationInvalidatesPrevious(t *testing.T) {
	store, _ := newTestStore()
	inst, token, _ := store.Register(RegisterInput{ServiceName: "billing", IP: "127.0.0.1", Port: 1})

	rotated, err := store.RotateToken(inst.InstanceID)
	if err != nil {
		t.Fatal(err)
	}
	if store.ValidateToken(inst.InstanceID, token) {
		t.Fatal("expected the pre-rotation token to be invalid")
	}
	if !store.ValidateToken(inst.InstanceID, rotated) {
		t.Fatal("expected the rotated token to validate")
	}
}

func TestRegister_UnknownServiceNameRejected(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	store := NewStore(fake, time.Second, []string{"billing"})
	_, _, err := store.Register(RegisterInput{ServiceName: "ghost", IP: "127.0.0.1", Port: 1})
	if errs.KindOf(err) != errs.BadRequest {
		t.Fatalf("expected BadRequest for a disallowed name, got %v", err)
	}
}
