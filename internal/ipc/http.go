package ipc

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pheuter/claude-agent-desktop/internal/crypto"
	"github.com/pheuter/claude-agent-desktop/internal/version"
	"github.com/pheuter/claude-agent-desktop/shared/logger"
)

// AuthMiddleware verifies the handshake token on plain HTTP endpoints.
// The UI sends it as "Authorization: Bearer <token>".
func AuthMiddleware(jwtManager *crypto.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := jwtManager.VerifyToken(token)
		if err != nil || claims.ClientType != ClientTypeUI {
			logger.Warnf("http auth rejected: %v", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// RegisterRoutes mounts the IPC socket, the health endpoint, and the
// authenticated attachment preview endpoint on router.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"name": "claude-agent-desktop", "version": version.RichVersion()})
	})
	router.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	protected := router.Group("/v1")
	protected.Use(AuthMiddleware(s.jwtManager))
	// Attachment preview: serves a saved attachment back to the UI so its
	// renderer never needs filesystem access.
	protected.GET("/attachments/:name", s.handleAttachmentPreview)

	router.Any(socketPath, s.HandleSocketIO())
	router.Any(socketPath+"/*any", s.HandleSocketIO())

	if s.tap != nil {
		tapGroup := router.Group("/v1/debug")
		tapGroup.Use(AuthMiddleware(s.jwtManager))
		tapGroup.GET("/events", func(c *gin.Context) { s.tap.HandleWebSocket(c) })
	}
}

func (s *Server) handleAttachmentPreview(c *gin.Context) {
	name := filepath.Base(c.Param("name"))
	if name == "" || name == "." || name == ".." {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attachment name"})
		return
	}

	dir, err := s.handlers.ResolveWorkspaceDir(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve workspace directory"})
		return
	}
	path := filepath.Join(dir, "attachments", name)
	c.File(path)
}
