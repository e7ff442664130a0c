package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pheuter/claude-agent-desktop/internal/agent"
	"github.com/pheuter/claude-agent-desktop/internal/config"
	"github.com/pheuter/claude-agent-desktop/internal/conversations"
	"github.com/pheuter/claude-agent-desktop/internal/creds"
	"github.com/pheuter/claude-agent-desktop/internal/crypto"
	"github.com/pheuter/claude-agent-desktop/internal/database"
	"github.com/pheuter/claude-agent-desktop/internal/ipc"
	"github.com/pheuter/claude-agent-desktop/internal/session"
	"github.com/pheuter/claude-agent-desktop/internal/settings"
	"github.com/pheuter/claude-agent-desktop/internal/update"
	"github.com/pheuter/claude-agent-desktop/internal/version"
	"github.com/pheuter/claude-agent-desktop/shared/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load(config.Overrides{})
	if err != nil {
		logger.Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		logger.SetLevel(logger.LevelDebug)
	}

	// Set Gin mode
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	logger.Infof("claude-agent-desktop backend %s", version.RichVersion())

	// Open database
	logger.Infof("Opening database: %s", cfg.DatabasePath)
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	// Per-install secret: signs handshake tokens and seals stored OAuth tokens.
	secretKey, err := crypto.GetOrCreateSecretKey(filepath.Join(cfg.HomeDir, "secret.key"))
	if err != nil {
		logger.Errorf("Failed to load secret key: %v", err)
		os.Exit(1)
	}
	var boxSecret [32]byte
	copy(boxSecret[:], secretKey)

	jwtManager, err := crypto.NewJWTManager(secretKey)
	if err != nil {
		logger.Errorf("Failed to create JWT manager: %v", err)
		os.Exit(1)
	}

	tokenPath, err := ipc.WriteHandshakeToken(jwtManager, cfg.HomeDir)
	if err != nil {
		logger.Errorf("Failed to write handshake token: %v", err)
		os.Exit(1)
	}
	logger.Infof("Handshake token ready at %s", tokenPath)

	// Stores
	settingsStore := settings.NewStore(db.DB)
	conversationStore := conversations.NewStore(db.DB)

	// Credentials and login
	credStore := creds.NewStore(settingsStore, &boxSecret, &creds.HTTPRefresher{})
	loginFlow := creds.NewLoginFlow(credStore, settingsStore)

	handlers := &ipc.Handlers{
		Conversations:    conversationStore,
		Settings:         settingsStore,
		Creds:            credStore,
		Login:            loginFlow,
		DefaultWorkspace: filepath.Join(cfg.HomeDir, "workspace"),
	}

	// Agent runtime
	runtime := agent.NewClient(credStore, agent.WithBaseURL(handlers.ResolveBaseURL))

	var tap *ipc.DebugTap
	if cfg.Debug {
		tap = ipc.NewDebugTap()
	}
	server := ipc.NewServer(jwtManager, handlers, tap)
	defer server.Close()

	// Session controller
	sessions := session.NewController(session.Config{
		Runtime:       runtime,
		Conversations: conversationStore,
		Settings:      settingsStore,
		Emitter:       server,
		Credentials:   credStore,
		WorkspaceDir:  handlers.ResolveWorkspaceDir,
	})
	handlers.Sessions = sessions

	// Update controller
	updates := update.NewController(update.Config{
		FeedURL:  cfg.UpdateFeedURL,
		StageDir: filepath.Join(cfg.HomeDir, "updates"),
		Emitter:  server,
	})
	handlers.Updates = updates

	runCtx, stopPolling := context.WithCancel(context.Background())
	go updates.Run(runCtx)

	// Create Gin router
	router := gin.Default()

	// CORS middleware: the peer is a local renderer, origins are not
	// meaningful on a loopback listener.
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"*"},
		ExposeHeaders: []string{"Content-Length"},
	}))

	server.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("IPC server listening on http://%s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Failed to start server: %v", err)
			os.Exit(1)
		}
	}()

	// Block until the desktop shell asks us to exit, then flush in-flight
	// turn state before the process dies.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("Received %s, shutting down", sig)

	stopPolling()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sessions.Shutdown(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("HTTP shutdown: %v", err)
	}
}
