package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/tradeflow/ctrlplane/clock"
	"github.com/tradeflow/ctrlplane/errs"
)

func TestRegister_AfterStartRejected(t *testing.T) {
	s := New(clock.Real(), nil)
	s.Start(context.Background())
	defer s.Stop()

	err := s.Register(Job{Name: "late", Interval: time.Minute, Execute: func(context.Context) error { return nil }})
	if errs.KindOf(err) != errs.Conflict {
		t.Fatalf("expected Conflict for post-start registration, got %v", err)
	}
}

func TestStart_RunsJobAtLeastOnce(t *testing.T) {
	s := New(clock.Real(), nil)
	ran := make(chan struct{}, 1)

	err := s.Register(Job{
		Name:     "ticker",
		Interval: time.Hour,
		Execute: func(context.Context) error {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the job to run at least once shortly after Start")
	}
}

func TestStop_PreventsFurtherRuns(t *testing.T) {
	s := New(clock.Real(), nil)
	runs := make(chan struct{}, 8)

	_ = s.Register(Job{
		Name:     "frequent",
		Interval: 20 * time.Millisecond,
		Execute: func(context.Context) error {
			runs <- struct{}{}
			return nil
		},
	})

	s.Start(context.Background())
	<-runs // wait for the first execution
	s.Stop()

	// Drain anything already in flight, then make sure nothing new
	// arrives once Stop has returned.
	for {
		select {
		case <-runs:
			continue
		case <-time.After(100 * time.Millisecond):
			goto done
		}
	}
done:
	select {
	case <-runs:
		t.Fatal("expected no further executions after Stop")
	case <-time.After(100 * time.Millisecond):
	}
}
