// Package httpapi exposes the public HTTP surface: guest gating, checkout,
// webhook intake, generation, and profile endpoints.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	standardwebhooks "github.com/standard-webhooks/standard-webhooks/libraries/go"
	"go.uber.org/zap"

	"github.com/morphclip/morphclip/internal/billing"
	"github.com/morphclip/morphclip/internal/config"
	"github.com/morphclip/morphclip/internal/guestgate"
	"github.com/morphclip/morphclip/internal/outbox"
	"github.com/morphclip/morphclip/internal/users"
	"github.com/morphclip/morphclip/internal/videos"
	"github.com/morphclip/morphclip/pkg/credits"
)

// Waker wakes the outbox worker after a webhook is enqueued.
type Waker interface {
	Nudge()
}

// Server bundles the HTTP handlers with their dependencies.
type Server struct {
	cfg       config.Config
	logger    *zap.Logger
	validator *SessionValidator
	verifier  *standardwebhooks.Webhook

	gate    *guestgate.Gate
	ledger  *credits.Service
	billing *billing.Service
	videos  *videos.Service
	users   *users.Service
	queue   outbox.Store
	waker   Waker
	nowFn   func() int64
}

// NewServer wires a Server. The webhook verifier is nil when no secret is
// configured; intake then refuses deliveries unless verification is
// explicitly skipped in development.
func NewServer(
	cfg config.Config,
	logger *zap.Logger,
	gate *guestgate.Gate,
	ledger *credits.Service,
	billingService *billing.Service,
	videoService *videos.Service,
	userService *users.Service,
	queue outbox.Store,
	waker Waker,
) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gate == nil || ledger == nil || billingService == nil || videoService == nil || userService == nil || queue == nil {
		return nil, fmt.Errorf("httpapi: missing dependency")
	}
	validator, err := NewSessionValidator([]byte(cfg.SessionSigningKey), cfg.SessionIssuer, cfg.SessionCookieName)
	if err != nil {
		return nil, err
	}
	var verifier *standardwebhooks.Webhook
	if cfg.DodoWebhookSecret != "" {
		verifier, err = standardwebhooks.NewWebhook(cfg.DodoWebhookSecret)
		if err != nil {
			return nil, fmt.Errorf("httpapi: webhook verifier: %w", err)
		}
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		validator: validator,
		verifier:  verifier,
		gate:      gate,
		ledger:    ledger,
		billing:   billingService,
		videos:    videoService,
		users:     userService,
		queue:     queue,
		waker:     waker,
		nowFn:     func() int64 { return time.Now().UTC().Unix() },
	}, nil
}

// Router builds the gin engine with all routes attached.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")

	guest := api.Group("/guest")
	guest.POST("/check", server.handleGuestCheck)
	guest.POST("/record", server.handleGuestRecord)

	api.POST("/webhooks/payments", server.handleWebhook)

	videoRoutes := api.Group("/videos")
	videoRoutes.Use(server.validator.Middleware(false))
	videoRoutes.POST("/generation-modify", server.handleGenerationModify)
	videoRoutes.GET("/generation-status", server.handleGenerationStatus)
	videoRoutes.GET("", server.handleListVideos)
	videoRoutes.GET("/:videoId", server.handleGetVideo)
	videoRoutes.DELETE("/:videoId", server.handleDeleteVideo)

	authed := api.Group("")
	authed.Use(server.validator.Middleware(true))
	authed.GET("/auth/session", server.handleSession)
	authed.POST("/users/sync", server.handleUserSync)
	authed.POST("/payments/create-checkout", server.handleCreateCheckout)
	authed.GET("/payments/credits", server.handleCredits)
	authed.GET("/payments/history", server.handleHistory)
	authed.GET("/payments/orders", server.handleOrders)
	authed.POST("/payments/refund", server.handleRequestRefund)
	authed.GET("/payments/subscription", server.handleGetSubscription)
	authed.DELETE("/payments/subscription", server.handleCancelSubscription)

	return router
}

// Run serves the API until ctx is cancelled.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("http server listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
