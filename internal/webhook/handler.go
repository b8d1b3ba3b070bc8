package webhook

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxPayloadSize bounds callback bodies.
const maxPayloadSize = 1 << 20

// Handler exposes the ingress over HTTP.
type Handler struct {
	ingress *Ingress
	logger  *zap.Logger
}

func NewHandler(ingress *Ingress, logger *zap.Logger) *Handler {
	return &Handler{ingress: ingress, logger: logger.Named("webhook_http")}
}

// Routes mounts POST /webhooks/:provider. Callbacks are authenticated by
// their signature, not by the caller's credentials.
func (h *Handler) Routes(r gin.IRouter) {
	g := r.Group("/webhooks")
	g.Use(securityHeaders())
	g.POST("/:provider", h.Receive)
}

// Receive reads the raw body so the signature is checked over the exact
// bytes the provider signed.
func (h *Handler) Receive(c *gin.Context) {
	provider := c.Param("provider")
	header := h.ingress.SignatureHeader(provider)
	if header == "" {
		c.Status(http.StatusNotFound)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPayloadSize))
	if err != nil {
		h.logger.Warn("webhook body unreadable", zap.String("provider", provider), zap.Error(err))
		c.Status(http.StatusRequestEntityTooLarge)
		return
	}
	status, body := h.ingress.Handle(c.Request.Context(), provider, payload, c.GetHeader(header))
	if len(body) == 0 {
		c.Status(status)
		return
	}
	contentType := "application/json"
	if status >= http.StatusBadRequest {
		contentType = "application/problem+json"
	}
	c.Data(status, contentType, body)
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}
