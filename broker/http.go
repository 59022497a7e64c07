package broker

import (
	"context"
	"time"

	sentinel "github.com/alibaba/sentinel-golang/api"
	"github.com/alibaba/sentinel-golang/core/flow"
	"github.com/gin-gonic/gin"

	"github.com/tradeflow/ctrlplane/errs"
	"github.com/tradeflow/ctrlplane/flog"
	"github.com/tradeflow/ctrlplane/fres"
)

type publishRequest struct {
	Payload  any      `json:"payload"`
	Metadata Metadata `json:"metadata" binding:"required"`
}

type subscribeRequest struct {
	Topic            string           `json:"topic" binding:"required"`
	CallbackPath     string           `json:"callbackPath" binding:"required"`
	ConsumerIdentity ConsumerIdentity `json:"consumerIdentity" binding:"required"`
}

type unsubscribeRequest struct {
	Topic      string `json:"topic" binding:"required"`
	InstanceID string `json:"instanceId" binding:"required"`
}

// Server exposes the Message Broker plane's publish/subscribe
// surface over HTTP.
type Server struct {
	subs     *SubscriptionTable
	dispatch *DispatchEngine
	log      *flog.Logger
}

func NewServer(subs *SubscriptionTable, dispatch *DispatchEngine, log *flog.Logger) *Server {
	return &Server{subs: subs, dispatch: dispatch, log: log.With("broker-http")}
}

func (s *Server) Register(engine *gin.Engine) {
	engine.POST("/message", s.handlePublish)
	engine.POST("/subscription", s.handleSubscribe)
	engine.DELETE("/subscription", s.handleUnsubscribe)
}

func (s *Server) handlePublish(c *gin.Context) {
	entry, blockErr := sentinel.Entry("broker:/message")
	if blockErr != nil {
		fres.Fail(c, errs.New(errs.Unknown, "rate limited"))
		return
	}
	defer entry.Exit()

	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fres.Fail(c, errs.New(errs.BadRequest, err.Error()))
		return
	}
	if req.Metadata.Topic == "" {
		fres.Fail(c, errs.New(errs.BadRequest, "metadata.topic is required"))
		return
	}

	env := NewEnvelope(req.Metadata, req.Payload, time.Now())

	// Dispatch asynchronously: the publish call only guarantees the
	// subscription snapshot observed the subscribe, not that delivery
	// has completed by the time /message returns 204.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		outcomes := s.dispatch.Dispatch(ctx, env)
		for _, o := range outcomes {
			if o.State != Acked {
				s.log.Warn("delivery did not ack", flog.String("topic", env.Metadata.Topic), flog.String("state", string(o.State)))
			}
		}
	}()

	fres.NoContent(c)
}

func (s *Server) handleSubscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fres.Fail(c, errs.New(errs.BadRequest, err.Error()))
		return
	}

	if err := s.subs.Subscribe(Subscription{
		Topic:        req.Topic,
		CallbackPath: req.CallbackPath,
		Consumer:     req.ConsumerIdentity,
	}); err != nil {
		fres.Fail(c, err)
		return
	}
	fres.NoContent(c)
}

func (s *Server) handleUnsubscribe(c *gin.Context) {
	var req unsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fres.Fail(c, errs.New(errs.BadRequest, err.Error()))
		return
	}
	s.subs.Unsubscribe(req.Topic, req.InstanceID)
	fres.NoContent(c)
}

// InitRateLimits installs a conservative default flow rule for /message.
func InitRateLimits() error {
	_, err := flow.LoadRules([]*flow.Rule{
		{
			Resource:               "broker:/message",
			TokenCalculateStrategy: flow.Direct,
			ControlBehavior:        flow.Reject,
			Threshold:              200,
			StatIntervalInMs:       1000,
		},
	})
	return err
}
