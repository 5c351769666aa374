package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// JobAuthRequired authenticates job triggers with the shared scheduler
// secret. An unconfigured secret rejects everything; these endpoints are
// never open.
func (s *Server) JobAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.jobLimit.Allow(c.ClientIP()) {
			AbortWithError(c, ErrRateLimited)
			return
		}

		secret := strings.TrimSpace(s.cfg.JobSharedSecret)
		if secret == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		header := strings.TrimSpace(c.GetHeader("Authorization"))
		parts := strings.Fields(header)
		if len(parts) != 2 || parts[0] != "Bearer" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(secret)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func (s *Server) Healthz(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type scanRequest struct {
	OrgID string `json:"org_id"`
}

// TriggerScan runs a discovery cycle, for one org when org_id is given
// (query parameter or body), otherwise for all of them.
func (s *Server) TriggerScan(c *gin.Context) {
	var req scanRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	if req.OrgID == "" {
		req.OrgID = c.Query("org_id")
	}

	ctx := c.Request.Context()
	if strings.TrimSpace(req.OrgID) != "" {
		orgID, err := snowflake.ParseString(req.OrgID)
		if err != nil {
			AbortWithError(c, newValidationError("org_id", "invalid_org_id", "org_id must be a valid id"))
			return
		}
		summary, err := s.scanner.Scan(ctx, orgID)
		if err != nil {
			s.log.Error("scan failed", zap.String("org_id", req.OrgID), zap.Error(err))
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
		return
	}

	summary, err := s.scanner.ScanAll(ctx)
	if err != nil {
		s.log.Error("scan failed", zap.Error(err))
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// TriggerProcess runs one processor cycle.
func (s *Server) TriggerProcess(c *gin.Context) {
	summary, err := s.processor.RunCycle(c.Request.Context())
	if err != nil {
		s.log.Error("processor cycle failed", zap.Error(err))
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type reactivateRequest struct {
	OrgID string `json:"org_id"`
}

// TriggerReactivate re-queues an org's suspended carts whose blocking cause
// has been resolved, typically after a plan change or billing renewal.
func (s *Server) TriggerReactivate(c *gin.Context) {
	var req reactivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	orgID, err := snowflake.ParseString(strings.TrimSpace(req.OrgID))
	if err != nil {
		AbortWithError(c, newValidationError("org_id", "invalid_org_id", "org_id must be a valid id"))
		return
	}

	count, err := s.gate.Reactivate(c.Request.Context(), orgID)
	if err != nil {
		s.log.Error("reactivation failed", zap.String("org_id", req.OrgID), zap.Error(err))
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reactivated": count})
}
