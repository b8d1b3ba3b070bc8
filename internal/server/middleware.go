package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/internal/auth"
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/logger"
)

const (
	headerRequestID = "X-Request-ID"
	headerCache     = "X-Cache"
	identityKey     = "identity"

	entityWallet = "wallet"
)

// correlation tags the request context with X-Request-ID, generating one when
// the caller sent none.
func correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Header(headerRequestID, id)
		c.Request = c.Request.WithContext(logger.WithCorrelationID(c.Request.Context(), id))
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// authMiddleware resolves the caller from the bearer token.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			s.fail(c, errors.Unauthorized.Explain("missing bearer token"))
			return
		}
		id, err := s.Tokens.Verify(token)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func (s *Server) adminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !caller(c).Actor().IsAdmin() {
			s.fail(c, errors.Unauthorized.Explain("admin access required"))
			return
		}
		c.Next()
	}
}

func caller(c *gin.Context) *auth.Identity {
	return c.MustGet(identityKey).(*auth.Identity)
}

func callerID(c *gin.Context) uuid.UUID {
	return caller(c).User.UserID
}

// fail writes err as application/problem+json and aborts the chain.
func (s *Server) fail(c *gin.Context, err error) {
	ctx := c.Request.Context()
	p := errors.Problem(err, c.Request.URL.Path).WithTraceID(logger.CorrelationID(ctx))
	if p.Status >= http.StatusInternalServerError {
		logger.For(ctx, s.logger).Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	body, mErr := json.Marshal(p)
	if mErr != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(p.Status, "application/problem+json", body)
	c.Abort()
}

func (s *Server) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		s.fail(c, errors.ValidationFailed.Explain("malformed request body").Wrap(err))
		return false
	}
	return true
}

func (s *Server) pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		s.fail(c, errors.ValidationFailed.Explain("%s is not a valid id", name).
			WithField("invalid_id", name, "must be a UUID"))
		return uuid.Nil, false
	}
	return id, true
}

// paging reads limit/offset, clamping limit to 1..100 with a default of 20.
func paging(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

type cachedResponse struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

type bodyRecorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

// cached serves successful GET responses from the cache, keyed per caller and
// per path parameter.
func (s *Server) cached(entity string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.Cache == nil || c.Request.Method != http.MethodGet {
			c.Next()
			return
		}
		template := entity
		params := make(map[string]string, len(c.Params))
		for _, p := range c.Params {
			template += ":{" + p.Key + "}"
			params[p.Key] = p.Value
		}
		userID := callerID(c)
		key := s.keys.Key(template, params, &userID, c.Request.URL.Query())
		ctx := c.Request.Context()

		var hit cachedResponse
		if err := s.Cache.Get(ctx, key, &hit); err == nil {
			c.Header(headerCache, "HIT")
			c.Data(hit.Status, "application/json; charset=utf-8", hit.Body)
			c.Abort()
			return
		}

		rec := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Header(headerCache, "MISS")
		c.Next()
		if rec.Status() == http.StatusOK {
			if err := s.Cache.Set(ctx, key, cachedResponse{Status: http.StatusOK, Body: rec.buf.Bytes()}, s.cacheTTL); err != nil {
				logger.For(ctx, s.logger).Warn("response cache write failed", zap.Error(err))
			}
		}
	}
}

// invalidates drops cached entity reads after a successful write.
func (s *Server) invalidates(entity string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if s.Cache == nil || c.Request.Method == http.MethodGet || c.Writer.Status() >= http.StatusBadRequest {
			return
		}
		ctx := c.Request.Context()
		if _, err := s.Cache.InvalidatePattern(ctx, s.keys.EntityPattern(entity)); err != nil {
			logger.For(ctx, s.logger).Warn("cache invalidation failed", zap.String("entity", entity), zap.Error(err))
		}
	}
}
