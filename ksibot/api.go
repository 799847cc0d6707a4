package ksibot

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

const (
	apiPathHealthCheck        = "/healthz"
	apiPathReminders          = "/api/reminders"
	apiPathGroupReminders     = "/api/group_reminders"
	apiPathRecentInteractions = "/api/interactions/recent"

	xRequestIDHeader = "X-Request-ID"

	defaultRecentInteractionLimit = 100
)

// API is the bot's read-only backend server: health, pending reminders
// and the interaction audit trail, served on localhost for operators.
// The bot is configured through its config file, so nothing here
// mutates state.
type API struct {
	config     *APIConfig
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	db         DBI
	logger     *slog.Logger
}

// newAPI creates the API server and registers its routes against the
// given database.
func newAPI(config *APIConfig, db DBI) (*API, error) {
	if config == nil {
		return nil, fmt.Errorf("nil api config")
	}
	logger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "api")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config: config,
		engine: r,
		db:     db,
		logger: logger,
	}
	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		api.loggingMiddleware(),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiPathHealthCheck, api.healthCheck)
	r.GET(apiPathReminders, api.getReminders)
	r.GET(apiPathGroupReminders, api.getGroupReminders)
	r.GET(apiPathRecentInteractions, api.getRecentInteractions)

	return api, nil
}

// Serve listens on the configured network/address and serves until the
// server is shut down.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error creating api listener: %w", err)
		}
		a.listener = ln
	}
	a.logger.Info("api server listening", "listen", a.config.Listen)
	return a.httpServer.Serve(a.listener)
}

// Shutdown gracefully stops the HTTP server.
func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) getReminders(c *gin.Context) {
	reminders, err := a.db.PendingReminders(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error loading reminders"},
		)
		return
	}
	c.JSON(http.StatusOK, reminders)
}

func (a *API) getGroupReminders(c *gin.Context) {
	reminders, err := a.db.PendingGroupReminders(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error loading group reminders"},
		)
		return
	}
	c.JSON(http.StatusOK, reminders)
}

func (a *API) getRecentInteractions(c *gin.Context) {
	interactions, err := a.db.RecentInteractions(
		c.Request.Context(),
		defaultRecentInteractionLimit,
	)
	if err != nil {
		_ = c.Error(err)
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error loading interactions"},
		)
		return
	}
	c.JSON(http.StatusOK, interactions)
}

// requestIDMiddleware assigns a random request ID to each incoming
// request, echoed back in the X-Request-ID response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// loggingMiddleware logs each request with its method, path, client
// details, status and latency.
func (a *API) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}
		requestID, _ := c.Get(xRequestIDHeader)
		requestLogger := a.logger.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", path,
				"remote_addr", c.Request.RemoteAddr,
				"user_agent", c.Request.UserAgent(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)

		c.Next()
		latency := time.Since(start)

		attrs := []any{"status", c.Writer.Status(), "duration", latency}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
			requestLogger.Error("request finished with errors", attrs...)
			return
		}
		requestLogger.Info("request finished", attrs...)
	}
}

func generateRandomHexString(n int) (string, error) {
	bytes := make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
