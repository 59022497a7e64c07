package scheduler

import (
	"context"
	"time"

	retry "github.com/avast/retry-go/v4"
)

// RegistryClient is the narrow surface the refresh jobs need against
// the Registry HTTP Surface; a composition root supplies a concrete
// HTTP-backed implementation.
type RegistryClient interface {
	RotateToken(ctx context.Context, instanceID, currentToken string) (newToken string, err error)
	Heartbeat(ctx context.Context, serviceName, instanceID, token string) error
}

// TokenRefresherJob rotates the instance's token on each tick. It
// owns its own retry policy, since the scheduler swallows Execute
// errors at its boundary.
type TokenRefresherJob struct {
	client     RegistryClient
	instanceID string
	token      func() string
	onRotated  func(newToken string)
}

func NewTokenRefresherJob(client RegistryClient, instanceID string, currentToken func() string, onRotated func(string)) *TokenRefresherJob {
	return &TokenRefresherJob{client: client, instanceID: instanceID, token: currentToken, onRotated: onRotated}
}

func (j *TokenRefresherJob) Execute(ctx context.Context) error {
	return retry.Do(
		func() error {
			newToken, err := j.client.RotateToken(ctx, j.instanceID, j.token())
			if err != nil {
				return err
			}
			j.onRotated(newToken)
			return nil
		},
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.Context(ctx),
	)
}

// TtlRefresherJob sends a heartbeat on each tick.
type TtlRefresherJob struct {
	client      RegistryClient
	serviceName string
	instanceID  string
	token       func() string
}

func NewTtlRefresherJob(client RegistryClient, serviceName, instanceID string, token func() string) *TtlRefresherJob {
	return &TtlRefresherJob{client: client, serviceName: serviceName, instanceID: instanceID, token: token}
}

func (j *TtlRefresherJob) Execute(ctx context.Context) error {
	return retry.Do(
		func() error {
			return j.client.Heartbeat(ctx, j.serviceName, j.instanceID, j.token())
		},
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.Context(ctx),
	)
}
