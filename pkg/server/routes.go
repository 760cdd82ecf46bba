package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/entrhq/steward/pkg/metrics"
)

type promptRequest struct {
	Prompt string `json:"prompt" validate:"required"`
}

type applyRequest struct {
	ID string `json:"id" validate:"required"`
}

var validate = validator.New()

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), countRequests())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	trigger := r.Group("/", s.authorize(), s.rateLimit())
	{
		trigger.POST("/nudge", s.handleNudge)
		trigger.POST("/propose", s.handlePropose)
		trigger.POST("/apply", s.handleApply)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}

func (s *Server) handleNudge(c *gin.Context) {
	var req promptRequest
	if !bind(c, &req, &req.Prompt, "prompt required") {
		return
	}
	prompt := req.Prompt
	s.launch("nudge", func(ctx context.Context) error {
		return s.orch.Nudge(ctx, prompt)
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) handlePropose(c *gin.Context) {
	var req promptRequest
	if !bind(c, &req, &req.Prompt, "prompt required") {
		return
	}
	sum, err := s.orch.Propose(c.Request.Context(), req.Prompt)
	if err != nil {
		s.log.Errorf("propose failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (s *Server) handleApply(c *gin.Context) {
	var req applyRequest
	if !bind(c, &req, &req.ID, "id required") {
		return
	}
	id := req.ID
	s.launch("apply "+id, func(ctx context.Context) error {
		return s.orch.ApplyProposal(ctx, id)
	})
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "id": id})
}

// bind decodes the body into dst, trims *field and validates dst. An empty
// body is an empty object. It writes the 400 response itself.
func bind(c *gin.Context, dst any, field *string, missing string) bool {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return false
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, dst); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return false
		}
	}
	*field = strings.TrimSpace(*field)
	if err := validate.Struct(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": missing})
		return false
	}
	return true
}

func (s *Server) authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.Secret == "" {
			c.Next()
			return
		}
		token := c.GetHeader(TokenHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.Secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter != nil && !s.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
			return
		}
		c.Next()
	}
}

func countRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.TriggerRequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
