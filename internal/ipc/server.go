// Package ipc exposes the backend to the untrusted UI process over a local
// Socket.IO boundary: request/response operations with acks, plus the
// turn-event and update-status push streams.
package ipc

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pheuter/claude-agent-desktop/internal/crypto"
	"github.com/pheuter/claude-agent-desktop/shared/logger"
	"github.com/pheuter/claude-agent-desktop/shared/wire"
	socket "github.com/zishang520/socket.io/servers/socket/v3"
	sockettypes "github.com/zishang520/socket.io/v3/pkg/types"
)

const (
	// pingInterval is how frequently the server pings the UI socket.
	pingInterval = 5 * time.Second
	// pingTimeout is how long without a pong before the socket is dead.
	pingTimeout = 15 * time.Second
	// socketPath is where the UI's Socket.IO client connects.
	socketPath = "/v1/ipc"
)

// Server is the Socket.IO boundary between the UI and the backend.
type Server struct {
	jwtManager *crypto.JWTManager
	handlers   *Handlers
	server     *socket.Server
	sockets    sync.Map // socket id -> *socket.Socket (authenticated UI sockets)
	tap        *DebugTap
}

// NewServer creates the IPC server. tap may be nil.
func NewServer(jwtManager *crypto.JWTManager, handlers *Handlers, tap *DebugTap) *Server {
	opts := socket.DefaultServerOptions()
	// The peer is a local renderer process; origins are not meaningful on a
	// loopback-only listener.
	opts.SetCors(&sockettypes.Cors{
		Origin:      "*",
		Credentials: false,
	})
	opts.SetPingTimeout(pingTimeout)
	opts.SetPingInterval(pingInterval)
	opts.SetPath(socketPath)

	s := &Server{
		jwtManager: jwtManager,
		handlers:   handlers,
		server:     socket.NewServer(nil, opts),
		tap:        tap,
	}
	s.server.On("connection", func(clients ...any) {
		client := clients[0].(*socket.Socket)
		s.handleConnection(client)
	})
	return s
}

func (s *Server) handleConnection(client *socket.Socket) {
	socketID := string(client.Id())
	logger.Infof("ipc connection attempt (socket %s)", socketID)

	authMap := client.Handshake().Auth
	if len(authMap) == 0 {
		logger.Warnf("ipc handshake missing auth data (socket %s)", socketID)
		client.Emit("error", map[string]string{"message": "Missing authentication data"})
		client.Disconnect(true)
		return
	}

	var auth wire.SocketAuthPayload
	if err := wire.DecodeParams(authMap, &auth); err != nil {
		logger.Warnf("ipc handshake invalid auth data (socket %s): %v", socketID, err)
		client.Emit("error", map[string]string{"message": "Invalid authentication data"})
		client.Disconnect(true)
		return
	}

	// Never log the auth payload itself; it carries the handshake token.
	claims, err := s.jwtManager.VerifyToken(auth.Token)
	if err != nil {
		logger.Warnf("ipc handshake token rejected (socket %s): %v", socketID, err)
		client.Emit("error", map[string]string{"message": "Invalid authentication token"})
		client.Disconnect(true)
		return
	}
	if claims.ClientType != ClientTypeUI || auth.ClientType != ClientTypeUI {
		logger.Warnf("ipc handshake unexpected client type %q (socket %s)", auth.ClientType, socketID)
		client.Emit("error", map[string]string{"message": "Unknown client type"})
		client.Disconnect(true)
		return
	}

	s.sockets.Store(socketID, client)
	client.On("disconnect", func(...any) {
		s.sockets.Delete(socketID)
		logger.Infof("ipc client disconnected (socket %s)", socketID)
	})

	s.registerClientHandlers(client)
	logger.Infof("ipc client ready (socket %s)", socketID)
}

// EmitTurnEvent pushes a turn event to every connected UI socket, and to the
// debug tap when one is attached.
func (s *Server) EmitTurnEvent(event wire.TurnEvent) {
	s.broadcast(wire.EventStreamTurn, event)
}

// EmitUpdateStatus pushes an update-status event to every connected UI socket.
func (s *Server) EmitUpdateStatus(event wire.UpdateStatusEvent) {
	s.broadcast(wire.EventStreamUpdate, event)
}

func (s *Server) broadcast(event string, payload any) {
	s.sockets.Range(func(_, value any) bool {
		client, ok := value.(*socket.Socket)
		if !ok {
			return true
		}
		client.Emit(event, payload)
		return true
	})
	if s.tap != nil {
		s.tap.Mirror(event, payload)
	}
}

// HandleSocketIO returns the gin handler serving the Socket.IO endpoint.
func (s *Server) HandleSocketIO() gin.HandlerFunc {
	httpHandler := s.server.ServeHandler(nil)
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusOK)
			return
		}
		logger.Tracef("ipc request: %s %s", c.Request.Method, c.Request.URL.Path)
		httpHandler.ServeHTTP(c.Writer, c.Request)
	}
}

// Close shuts the Socket.IO server down.
func (s *Server) Close() error {
	s.server.Close(nil)
	return nil
}

// firstWithAck splits a Socket.IO callback arg list into its payload and ack.
func firstWithAck(data []any) (any, func(...any)) {
	var ack func(...any)
	if len(data) == 0 {
		return nil, nil
	}
	if cb, ok := data[len(data)-1].(func(...any)); ok {
		ack = cb
		data = data[:len(data)-1]
	} else if cb, ok := data[len(data)-1].(socket.Ack); ok {
		ack = func(args ...any) {
			cb(args, nil)
		}
		data = data[:len(data)-1]
	}
	if len(data) == 0 {
		return nil, ack
	}
	return data[0], ack
}

// onAck registers a typed request/response handler: decode, dispatch, ack.
// A payload that fails to decode acks the handler's invalid response
// instead of dropping the call.
func onAck[Req any, Resp any](client *socket.Socket, event string, invalid Resp, fn func(context.Context, Req) Resp) {
	client.On(event, func(data ...any) {
		raw, ack := firstWithAck(data)
		var req Req
		if raw != nil {
			if err := wire.DecodeParams(raw, &req); err != nil {
				logger.Warnf("%s: invalid parameters: %v", event, err)
				if ack != nil {
					ack(invalid)
				}
				return
			}
		}
		resp := fn(context.Background(), req)
		if ack != nil {
			ack(resp)
		}
	})
}

// onAckNoReq registers a request-less operation.
func onAckNoReq[Resp any](client *socket.Socket, event string, fn func(context.Context) Resp) {
	client.On(event, func(data ...any) {
		_, ack := firstWithAck(data)
		resp := fn(context.Background())
		if ack != nil {
			ack(resp)
		}
	})
}

func (s *Server) registerClientHandlers(client *socket.Socket) {
	h := s.handlers

	// chat.*
	onAck(client, "chat.sendMessage",
		wire.SendMessageResponse{Error: "invalid parameters"}, h.SendMessage)
	onAckNoReq(client, "chat.stopMessage", h.StopMessage)
	onAck(client, "chat.resetSession",
		wire.ResetSessionResponse{}, h.ResetSession)
	onAckNoReq(client, "chat.getModelPreference", h.GetModelPreference)
	onAck(client, "chat.setModelPreference",
		wire.ModelPreferenceResponse{Error: "invalid parameters"}, h.SetModelPreference)

	// conversation.*
	onAck(client, "conversation.create",
		wire.ConversationResponse{Error: "invalid parameters"}, h.CreateConversation)
	onAck(client, "conversation.update",
		wire.ConversationResponse{Error: "invalid parameters"}, h.UpdateConversation)
	onAck(client, "conversation.get",
		wire.ConversationResponse{Error: "invalid parameters"}, h.GetConversation)
	onAckNoReq(client, "conversation.list", h.ListConversations)
	onAck(client, "conversation.delete",
		wire.SuccessResponse{Error: "invalid parameters"}, h.DeleteConversation)

	// config.*
	onAckNoReq(client, "config.getWorkspaceDir", h.GetWorkspaceDir)
	onAck(client, "config.setWorkspaceDir",
		wire.WorkspaceDirResponse{Error: "invalid parameters"}, h.SetWorkspaceDir)
	onAckNoReq(client, "config.getDebugMode", h.GetDebugMode)
	onAck(client, "config.setDebugMode",
		wire.DebugModeResponse{Error: "invalid parameters"}, h.SetDebugMode)
	onAckNoReq(client, "config.getApiKeyStatus", h.GetKeyStatus)
	onAck(client, "config.setApiKey",
		wire.KeyStatusResponse{Error: "invalid parameters"}, h.SetApiKey)
	onAckNoReq(client, "config.getBaseUrlStatus", h.GetBaseUrl)
	onAck(client, "config.setBaseUrl",
		wire.BaseUrlStatusResponse{Error: "invalid parameters"}, h.SetBaseUrl)

	// oauth.*
	onAck(client, "oauth.startLogin",
		wire.StartLoginResponse{Error: "invalid parameters"}, h.StartLogin)
	onAck(client, "oauth.completeLogin",
		wire.SuccessResponse{Error: "invalid parameters"}, h.CompleteLogin)
	onAckNoReq(client, "oauth.cancel", h.CancelLogin)
	onAckNoReq(client, "oauth.getStatus", h.OAuthStatus)
	onAckNoReq(client, "oauth.logout", h.Logout)
	onAckNoReq(client, "oauth.getAccessToken", h.GetAccessToken)

	// update.*
	onAckNoReq(client, "update.check", h.CheckForUpdate)
	onAckNoReq(client, "update.status", h.UpdateStatus)
}
