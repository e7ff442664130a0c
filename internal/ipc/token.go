package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pheuter/claude-agent-desktop/internal/crypto"
	"github.com/pheuter/claude-agent-desktop/shared/logger"
)

// ClientTypeUI is the only client surface the IPC boundary accepts.
const ClientTypeUI = "ui"

// handshakeTokenTTL bounds how long a minted token stays valid. The token
// is re-minted on every backend start, so the TTL only has to outlive one
// desktop session.
const handshakeTokenTTL = 7 * 24 * time.Hour

// tokenFileName is the file the UI reads its handshake token from.
const tokenFileName = "ipc-token"

// WriteHandshakeToken mints a UI handshake token and writes it under
// homeDir with owner-only permissions. The UI process, running as the same
// user, reads it to authenticate its socket connection.
func WriteHandshakeToken(jwtManager *crypto.JWTManager, homeDir string) (string, error) {
	token, err := jwtManager.CreateToken(ClientTypeUI, handshakeTokenTTL)
	if err != nil {
		return "", fmt.Errorf("mint handshake token: %w", err)
	}

	path := filepath.Join(homeDir, tokenFileName)
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		return "", fmt.Errorf("write handshake token: %w", err)
	}
	logger.Debugf("handshake token written to %s", path)
	return path, nil
}
