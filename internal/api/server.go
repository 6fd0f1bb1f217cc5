// Package api provides the HTTP front door for the gateway. It translates
// inbound OpenAI Chat, OpenAI Responses, and Anthropic Messages requests into
// pipeline DTOs, runs the retry engine, and writes JSON or SSE responses in
// the client's original protocol.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/routecodex/internal/codec"
	"github.com/router-for-me/routecodex/internal/compat"
	"github.com/router-for-me/routecodex/internal/config"
	"github.com/router-for-me/routecodex/internal/logging"
	"github.com/router-for-me/routecodex/internal/oauth"
	"github.com/router-for-me/routecodex/internal/pipeline"
	"github.com/router-for-me/routecodex/internal/provider"
	"github.com/router-for-me/routecodex/internal/router"
	"github.com/router-for-me/routecodex/internal/usage"
)

// Server is the gateway's HTTP server: gin engine, routing policy, and the
// services shared across requests.
type Server struct {
	engine *gin.Engine
	server *http.Server

	cfg       *config.Config
	facade    *codec.Facade
	shaper    *compat.Shaper
	providers *provider.Registry
	router    *router.Engine
	events    *logging.EventLogger
	usage     *usage.Store
	sink      pipeline.SnapshotSink
}

// NewServer builds the full service graph from config. Fails when a provider
// profile references an unknown compatibility bundle.
func NewServer(cfg *config.Config, oauthManager *oauth.Manager) (*Server, error) {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	shaper, err := compat.NewShaper(cfg.Providers)
	if err != nil {
		return nil, err
	}
	events := logging.NewEventLogger(cfg.LogDir, cfg.EventLog)
	usageStore, err := usage.Open(cfg.UsageDB)
	if err != nil {
		log.Warnf("usage store disabled: %v", err)
	}

	var sink pipeline.SnapshotSink = pipeline.DiscardSink{}
	if cfg.Snapshots.Enabled {
		sink = pipeline.NewFileSink(cfg.LogDir + "/snapshots")
	}

	providers := provider.NewRegistry(cfg, oauthManager, events)
	engine := router.NewEngine(
		router.NewSnapshot(cfg),
		router.NewRegistry(),
		pipeline.NewOrchestrator(sink),
		providers,
	)

	s := &Server{
		engine:    gin.New(),
		cfg:       cfg,
		facade:    codec.NewFacade(),
		shaper:    shaper,
		providers: providers,
		router:    engine,
		events:    events,
		usage:     usageStore,
		sink:      sink,
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(corsMiddleware())
	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	s.server = &http.Server{Addr: addr, Handler: s.engine}
	return s, nil
}

func (s *Server) setupRoutes() {
	v1 := s.engine.Group("/v1")
	v1.Use(authMiddleware(s.cfg))
	{
		v1.GET("/models", s.handleModels)
		v1.POST("/chat/completions", s.handleEntry("/v1/chat/completions"))
		v1.POST("/messages", s.handleEntry("/v1/messages"))
		v1.POST("/responses", s.handleEntry("/v1/responses"))
		v1.POST("/responses/:id/submit_tool_outputs", s.handleSubmitToolOutputs)
		v1.POST("/embeddings", s.handleEmbeddings)
	}

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/config", authMiddleware(s.cfg), s.handleConfig)
	s.engine.POST("/shutdown", s.handleShutdown)
}

// Handler exposes the routing tree for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start begins serving. Blocks until the listener fails or Stop runs.
func (s *Server) Start() error {
	log.Infof("gateway listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server and releases owned resources.
func (s *Server) Stop(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.events.Close()
	s.usage.Close()
	return err
}

// Reload swaps in a changed configuration: routing snapshot, provider
// handles, shaper, and log level. The cooldown registry survives.
func (s *Server) Reload(cfg *config.Config, oauthManager *oauth.Manager) {
	shaper, err := compat.NewShaper(cfg.Providers)
	if err != nil {
		log.Errorf("reload rejected: %v", err)
		return
	}
	if s.cfg.Debug != cfg.Debug {
		logging.SetLevel(cfg.Debug)
	}
	s.cfg = cfg
	s.shaper = shaper
	s.providers = provider.NewRegistry(cfg, oauthManager, s.events)
	s.router.SetSnapshot(router.NewSnapshot(cfg))
	log.Infof("configuration reloaded: %d providers, %d routes", len(cfg.Providers), len(cfg.Routes))
}

// corsMiddleware adds permissive CORS headers and short-circuits preflight.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Api-Key, X-Session-Id")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authMiddleware authenticates clients against the configured gateway API
// keys. Localhost bypass and empty key list both allow all requests.
func authMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.AllowLocalhostUnauthenticated && isLocalhost(c.Request.RemoteAddr) {
			c.Next()
			return
		}
		if len(cfg.APIKeys) == 0 {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		headerKey := c.GetHeader("X-Api-Key")
		queryKey, _ := c.GetQuery("key")

		apiKey := authHeader
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			apiKey = parts[1]
		}

		for _, known := range cfg.APIKeys {
			if known == apiKey || known == headerKey || known == queryKey {
				c.Set("apiKey", known)
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"message": "invalid api key", "type": "authentication_error", "code": "invalid_api_key"},
		})
	}
}

func isLocalhost(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
