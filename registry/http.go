package registry

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/golang-module/carbon"

	sentinel "github.com/alibaba/sentinel-golang/api"
	"github.com/alibaba/sentinel-golang/core/flow"

	"github.com/tradeflow/ctrlplane/errs"
	"github.com/tradeflow/ctrlplane/flog"
	"github.com/tradeflow/ctrlplane/fres"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("ipv4dotted", func(fl validator.FieldLevel) bool {
		return isIPv4Dotted(fl.Field().String())
	})
	_ = v.RegisterValidation("tcpport", func(fl validator.FieldLevel) bool {
		p := fl.Field().Int()
		return p >= 1 && p <= 65535
	})
	return v
}

func isIPv4Dotted(s string) bool {
	parts := 0
	num := 0
	digits := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			if digits == 0 || digits > 3 || num > 255 {
				return false
			}
			parts++
			num, digits = 0, 0
			continue
		}
		c := s[i]
		if c < '0' || c > '9' {
			return false
		}
		num = num*10 + int(c-'0')
		digits++
	}
	return parts == 4
}

// registerRequest mirrors the POST /register body.
type registerRequest struct {
	Name     string            `json:"name" binding:"required"`
	Address  string            `json:"address" binding:"required" validate:"ipv4dotted"`
	Port     int               `json:"port" binding:"required" validate:"tcpport"`
	Protocol string            `json:"protocol"`
	Metadata map[string]string `json:"metadata"`
	Env      string            `json:"env"`
	Role     string            `json:"role"`
}

type heartbeatRequest struct {
	ServiceName string `json:"serviceName" binding:"required"`
	InstanceID  string `json:"instanceId" binding:"required"`
	AuthToken   string `json:"authToken" binding:"required"`
}

type rotateRequest struct {
	InstanceID string `json:"instanceId" binding:"required"`
}

type queryRequest struct {
	ServiceName  string            `json:"serviceName"`
	ServiceNames []string          `json:"services"`
	Metadata     map[string]string `json:"metadata"`
	OnlyAlive    *bool             `json:"onlyAlive"`
}

// Server exposes the Registry Store's register/heartbeat/resolve
// operations over HTTP.
type Server struct {
	store *Store
	log   *flog.Logger
}

func NewServer(store *Store, log *flog.Logger) *Server {
	return &Server{store: store, log: log.With("registry-http")}
}

// Register wires every route onto engine, including the /ping probe
// endpoint the Discovery Client polls.
func (s *Server) Register(engine *gin.Engine) {
	engine.POST("/register", s.handleRegister)
	engine.POST("/heartbeat", s.handleHeartbeat)
	engine.POST("/registry/token/rotate", s.handleRotate)
	engine.GET("/services/:serviceName", s.handleGetByName)
	engine.GET("/services/:serviceName/resolve-one", s.handleResolveOne)
	engine.GET("/services/:serviceName/:instanceId", s.handleGetOne)
	engine.POST("/services", s.handleQuery)
	engine.GET("/ping", s.handlePing)
}

func (s *Server) handlePing(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

func (s *Server) handleRegister(c *gin.Context) {
	entry, blockErr := sentinel.Entry("registry:/register")
	if blockErr != nil {
		fres.Fail(c, errs.New(errs.Unknown, "rate limited"))
		return
	}
	defer entry.Exit()

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fres.Fail(c, errs.New(errs.BadRequest, err.Error()))
		return
	}
	if err := validate.Struct(req); err != nil {
		fres.Fail(c, errs.New(errs.BadRequest, err.Error()))
		return
	}
	if req.Protocol == "" {
		req.Protocol = "mtls"
	}

	inst, token, err := s.store.Register(RegisterInput{
		ServiceName: req.Name,
		IP:          req.Address,
		Port:        req.Port,
		Protocol:    req.Protocol,
		Env:         req.Env,
		Role:        req.Role,
		Metadata:    req.Metadata,
	})
	if err != nil {
		fres.Fail(c, err)
		return
	}

	fres.JSON(c, http.StatusCreated, gin.H{
		"instanceId":     inst.InstanceID,
		"service":        inst,
		"leaseExpiresAt": carbon.CreateFromStdTime(inst.LastHeartbeat.Add(inst.TTL)).ToIso8601String(),
		"ttl":            inst.TTL.Milliseconds(),
		"token":          token,
		"message":        "registered",
	})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fres.Fail(c, errs.New(errs.BadRequest, err.Error()))
		return
	}

	if !s.store.ValidateToken(req.InstanceID, req.AuthToken) {
		fres.Fail(c, errs.New(errs.Unauthorized, "invalid token"))
		return
	}

	ttl, err := s.store.Heartbeat(req.ServiceName, req.InstanceID)
	if err != nil {
		fres.Fail(c, err)
		return
	}

	rotated, err := s.store.RotateToken(req.InstanceID)
	if err != nil {
		fres.Fail(c, err)
		return
	}

	fres.JSON(c, http.StatusOK, gin.H{
		"status":  "ok",
		"token":   rotated,
		"ttl":     ttl.Milliseconds(),
		"message": "heartbeat accepted",
	})
}

func (s *Server) handleRotate(c *gin.Context) {
	var req rotateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fres.Fail(c, errs.New(errs.BadRequest, err.Error()))
		return
	}

	current := bearerOrHeaderToken(c)
	if current == "" || !s.store.ValidateToken(req.InstanceID, current) {
		fres.Fail(c, errs.New(errs.Unauthorized, "invalid token"))
		return
	}

	token, err := s.store.RotateToken(req.InstanceID)
	if err != nil {
		fres.Fail(c, err)
		return
	}
	fres.JSON(c, http.StatusOK, gin.H{"token": token})
}

func bearerOrHeaderToken(c *gin.Context) string {
	if t := c.GetHeader("x-instance-token"); t != "" {
		return t
	}
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func (s *Server) handleGetByName(c *gin.Context) {
	name := c.Param("serviceName")
	instances, err := s.store.Resolve(name)
	if err != nil {
		fres.Fail(c, err)
		return
	}
	fres.JSON(c, http.StatusOK, gin.H{"instances": instances})
}

// handleResolveOne hands back a single load-balanced instance for the
// named service, optionally narrowed by role/env query parameters, so
// a caller that just wants one address doesn't have to fetch the
// whole instance list and balance client-side.
func (s *Server) handleResolveOne(c *gin.Context) {
	name := c.Param("serviceName")
	filter := Filter{Role: c.Query("role"), Env: c.Query("env")}

	inst, err := s.store.ResolveOne(name, filter)
	if err != nil {
		fres.Fail(c, err)
		return
	}
	fres.JSON(c, http.StatusOK, inst)
}

func (s *Server) handleGetOne(c *gin.Context) {
	name := c.Param("serviceName")
	id := c.Param("instanceId")
	inst, ok := s.store.Get(name, id)
	if !ok {
		fres.Fail(c, errs.New(errs.NotFound, "instance not found"))
		return
	}
	fres.JSON(c, http.StatusOK, inst)
}

func (s *Server) handleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fres.Fail(c, errs.New(errs.BadRequest, err.Error()))
		return
	}

	names := req.ServiceNames
	if len(names) == 0 && req.ServiceName != "" {
		names = []string{req.ServiceName}
	}
	if len(names) == 0 {
		names = s.store.Names()
	}

	onlyAlive := true
	if req.OnlyAlive != nil {
		onlyAlive = *req.OnlyAlive
	}

	result := s.store.Query(names, Filter{Metadata: req.Metadata}, onlyAlive)
	fres.JSON(c, http.StatusOK, gin.H{"services": result})
}

// InitRateLimits installs a conservative default flow rule for the
// /register endpoint; /heartbeat is not rate limited.
func InitRateLimits() error {
	_, err := flow.LoadRules([]*flow.Rule{
		{
			Resource:               "registry:/register",
			TokenCalculateStrategy: flow.Direct,
			ControlBehavior:        flow.Reject,
			Threshold:              50,
			StatIntervalInMs:       1000,
		},
	})
	return err
}
