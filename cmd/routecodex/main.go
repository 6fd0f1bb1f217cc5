// Command routecodex runs the LLM request gateway: a multi-protocol HTTP
// front door with virtual routing, provider rotation, OAuth credential
// management, and SSE streaming.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/routecodex/internal/api"
	"github.com/router-for-me/routecodex/internal/config"
	"github.com/router-for-me/routecodex/internal/logging"
	"github.com/router-for-me/routecodex/internal/oauth"
	"github.com/router-for-me/routecodex/internal/watcher"
)

func main() {
	var configPath string
	var login string
	flag.StringVar(&configPath, "config", "", "configuration file path")
	flag.StringVar(&login, "login", "", "run the interactive OAuth flow for the named provider and exit")
	flag.Parse()

	logging.SetupBaseLogger()

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configPath = filepath.Join(wd, "config.yaml")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Errorf("failed to load config: %v", err)
		os.Exit(1)
	}
	logging.SetLevel(cfg.Debug)

	oauthManager := oauth.NewManager(http.DefaultClient, config.EnvBool(config.EnvOAuthAutoOpen))

	if login != "" {
		runLogin(cfg, oauthManager, login)
		return
	}

	// A stop marker from a just-issued shutdown request means this process
	// was not the intended survivor.
	if api.ConsumeStopMarker(cfg.Port) {
		log.Infof("stop marker consumed for port %d, exiting", cfg.Port)
		return
	}

	server, err := api.NewServer(cfg, oauthManager)
	if err != nil {
		log.Errorf("failed to build server: %v", err)
		os.Exit(1)
	}

	w, err := watcher.NewWatcher(configPath, func(next *config.Config) {
		server.Reload(next, oauthManager)
	})
	if err != nil {
		log.Warnf("config watcher unavailable: %v", err)
	} else {
		watchCtx, cancelWatch := context.WithCancel(context.Background())
		defer cancelWatch()
		if errStart := w.Start(watchCtx); errStart != nil {
			log.Warnf("config watcher not started: %v", errStart)
		}
		defer func() { _ = w.Stop() }()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-errCh:
		if err != nil {
			log.Errorf("server failed: %v", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		log.Infof("received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err = server.Stop(ctx); err != nil {
			log.Warnf("shutdown incomplete: %v", err)
		}
	}
}

// runLogin acquires credentials for one configured OAuth provider.
func runLogin(cfg *config.Config, manager *oauth.Manager, providerID string) {
	profile, ok := cfg.Providers[providerID]
	if !ok {
		log.Errorf("provider %q not configured", providerID)
		os.Exit(1)
	}
	if profile.Auth.Kind != "oauth" {
		log.Errorf("provider %q does not use oauth auth", providerID)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	rec, err := manager.EnsureValid(ctx, providerID, &profile.Auth.OAuth, oauth.Options{
		ForceReauth: true,
	})
	if err != nil {
		log.Errorf("login failed: %v", err)
		os.Exit(1)
	}
	log.Infof("login for %s complete (expires %s)", providerID, time.UnixMilli(rec.ExpiresAt).Format(time.RFC3339))
}
