package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/haasonsaas/warden/pkg/executor"
	"github.com/haasonsaas/warden/pkg/health"
	"github.com/haasonsaas/warden/pkg/protocol"
)

const maxRequestBytes = 1 << 20

// Server is the local HTTP front end of the executor.
type Server struct {
	exec     *executor.Executor
	checker  *health.Checker
	limiter  *RateLimiter
	deviceID string
	log      zerolog.Logger
}

func newRouter(s *Server) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), withRequestContext(s.log))

	v1 := r.Group("/v1")
	v1.POST("/commands", s.handleCommand)
	v1.POST("/policy", s.handlePolicyUpdate)
	v1.GET("/policy", s.handlePolicyInfo)
	v1.GET("/health", s.handleHealth)
	return r
}

func (s *Server) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, "request body too large", s.log)
		} else {
			respondError(c, http.StatusBadRequest, "failed to read request body", s.log)
		}
		return nil, false
	}
	return body, true
}

// rateKey picks the device a request claims to come from. The claim is not
// trusted for anything but throttling.
func rateKey(c *gin.Context, body []byte) string {
	var peek struct {
		Payload struct {
			DeviceID string `json:"deviceId"`
		} `json:"payload"`
	}
	if json.Unmarshal(body, &peek) == nil && peek.Payload.DeviceID != "" {
		return "device:" + peek.Payload.DeviceID
	}
	return "addr:" + c.Request.RemoteAddr
}

func (s *Server) handleCommand(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}
	if !s.limiter.Allow(rateKey(c, body)) {
		respondError(c, http.StatusTooManyRequests, "rate limit exceeded", s.log)
		return
	}

	resp := s.exec.ExecuteRaw(c.Request.Context(), s.deviceID, body)
	c.JSON(statusFor(resp.Code), resp)
}

func (s *Server) handlePolicyUpdate(c *gin.Context) {
	body, ok := s.readBody(c)
	if !ok {
		return
	}
	if !s.limiter.Allow("policy") {
		respondError(c, http.StatusTooManyRequests, "rate limit exceeded", s.log)
		return
	}

	resp := s.exec.ExecuteUpdateRaw(c.Request.Context(), body)
	c.JSON(statusFor(resp.Code), resp)
}

func (s *Server) handlePolicyInfo(c *gin.Context) {
	info, err := s.exec.PolicyInfo()
	if err != nil {
		code := protocol.CodePolicyNotFound
		var perr *protocol.Error
		if errors.As(err, &perr) {
			code = perr.Code
		}
		c.JSON(statusFor(code), gin.H{"code": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleHealth(c *gin.Context) {
	status := s.checker.Check(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
		logger := requestLogger(c, s.log)
		logger.Warn().Strs("issues", status.Issues).Msg("health check failed")
	}
	c.JSON(code, status)
}
