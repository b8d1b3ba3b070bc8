// Package server is the HTTP shell over the wallet core: caller identity,
// request logging and tracing, problem responses and the route table.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Aidin1998/fincore/internal/auth"
	"github.com/Aidin1998/fincore/internal/cache"
	"github.com/Aidin1998/fincore/internal/cards"
	"github.com/Aidin1998/fincore/internal/kyc"
	"github.com/Aidin1998/fincore/internal/notification"
	"github.com/Aidin1998/fincore/internal/otp"
	"github.com/Aidin1998/fincore/internal/recurring"
	"github.com/Aidin1998/fincore/internal/splitpay"
	"github.com/Aidin1998/fincore/internal/transaction"
	"github.com/Aidin1998/fincore/internal/wallet"
	"github.com/Aidin1998/fincore/internal/webhook"
	"github.com/Aidin1998/fincore/internal/ws"
)

// Alerts delivers security messages such as PIN reset codes.
type Alerts interface {
	SecurityAlert(ctx context.Context, userID uuid.UUID, title, message string)
}

// Deps are the services behind the routes. Optional ones may be nil, which
// leaves their routes out.
type Deps struct {
	Tokens       *auth.Tokens
	Wallets      *wallet.Service
	Transactions *transaction.Service
	KYC          *kyc.Service
	Inbox        *notification.Dispatcher
	Cards        *cards.Service
	Splits       *splitpay.Service
	Recurring    *recurring.Service
	OTP          *otp.Service
	Alerts       Alerts
	Webhooks     *webhook.Handler
	Hub          *ws.Hub
	Cache        cache.Cache
}

// Server represents the HTTP server
type Server struct {
	Deps
	logger   *zap.Logger
	origins  []string
	cacheTTL time.Duration
	keys     cache.KeyBuilder
}

type Option func(*Server)

// WithAllowedOrigins restricts CORS. All origins are allowed otherwise.
func WithAllowedOrigins(origins ...string) Option { return func(s *Server) { s.origins = origins } }

func WithCacheTTL(ttl time.Duration) Option { return func(s *Server) { s.cacheTTL = ttl } }

func NewServer(logger *zap.Logger, deps Deps, opts ...Option) *Server {
	s := &Server{
		Deps:     deps,
		logger:   logger.Named("http"),
		cacheTTL: 15 * time.Second,
		keys:     cache.KeyBuilder{Prefix: "api"},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the gin engine.
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware("fincore"))
	router.Use(s.corsMiddleware())
	router.Use(correlation())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if s.Webhooks != nil {
		// provider callbacks move balances, so cached wallet reads go stale
		s.Webhooks.Routes(router.Group("", s.invalidates(entityWallet)))
	}
	if s.Hub != nil {
		router.GET("/ws/notifications", s.handleWebSocket)
	}

	v1 := router.Group("/api/v1", s.authMiddleware())
	s.walletRoutes(v1)
	s.transactionRoutes(v1)
	if s.KYC != nil {
		s.kycRoutes(v1)
	}
	if s.Inbox != nil {
		s.notificationRoutes(v1)
	}
	if s.Cards != nil {
		s.cardRoutes(v1)
	}
	if s.Splits != nil {
		s.splitRoutes(v1)
	}
	if s.Recurring != nil {
		s.recurringRoutes(v1)
	}
	return router
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	if len(s.origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.origins
		cfg.AllowCredentials = true
	}
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", headerRequestID)
	cfg.ExposeHeaders = []string{headerRequestID, headerCache}
	cfg.MaxAge = 12 * time.Hour
	return cors.New(cfg)
}
