// Package ws is the realtime gateway. Each WebSocket connection carries one
// authenticated client session: conversation views stream out, chat and call
// actions come in as JSON frames.
package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"campushub-realtime/internal/call"
	"campushub-realtime/internal/chat"
	"campushub-realtime/internal/domain"
	"campushub-realtime/internal/registry"
	"campushub-realtime/internal/store"
	"campushub-realtime/pkg/logger"
	"campushub-realtime/pkg/metrics"
)

// CallSession is the per-client call surface the gateway drives.
type CallSession interface {
	Run(ctx context.Context) error
	States() <-chan call.Snapshot
	StartCall(ctx context.Context, peer domain.UserID, callType domain.CallType) (*domain.CallRecord, error)
	AcceptCall(ctx context.Context) error
	RejectCall(ctx context.Context) error
	EndCall(ctx context.Context) error
}

// MediaControls is the track toggle surface the gateway drives.
type MediaControls interface {
	ToggleMic() (bool, error)
	ToggleCamera() (bool, error)
	ToggleScreenShare(ctx context.Context) (bool, error)
	Muted() bool
	CameraOn() bool
	ScreenSharing() bool
}

// SessionFactory builds the call session and media controls for one client.
type SessionFactory func(id domain.Identity) (CallSession, MediaControls, error)

// CallHistory serves recorded call queries.
type CallHistory interface {
	GetByID(ctx context.Context, callID string) (*domain.CallRecord, error)
	ListForUser(ctx context.Context, userID domain.UserID, limit, offset int) ([]*domain.CallRecord, error)
	CountMissedForUser(ctx context.Context, userID domain.UserID, since time.Time) (int, error)
}

// Gateway upgrades authenticated requests and runs client sessions.
type Gateway struct {
	st       store.Store
	reg      *registry.Registry
	archive  chat.Archive
	history  CallHistory
	sessions SessionFactory
	upgrader websocket.Upgrader
}

// NewGateway creates a gateway. archive and history may be nil when no
// persistence is configured; sessions may be nil to disable calling entirely.
func NewGateway(st store.Store, reg *registry.Registry, archive chat.Archive, history CallHistory, sessions SessionFactory, allowedOrigins string) *Gateway {
	allowed := map[string]bool{}
	for _, origin := range strings.Split(allowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			allowed[origin] = true
		}
	}

	return &Gateway{
		st:       st,
		reg:      reg,
		archive:  archive,
		history:  history,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Non-browser clients send no Origin header.
				return origin == "" || allowed[origin]
			},
		},
	}
}

// Handle is the gin handler for the /ws endpoint. Auth middleware must have
// run first.
func (g *Gateway) Handle(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization required"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}

	id := domain.Identity{UserID: domain.UserID(userID)}
	client, err := g.newClient(conn, id)
	if err != nil {
		logger.Error("failed to build client session",
			zap.String("user_id", userID),
			zap.Error(err))
		_ = conn.Close()
		return
	}

	metrics.GatewayConnectionsActive.Inc()
	defer metrics.GatewayConnectionsActive.Dec()
	client.run(c.Request.Context())
}

func (g *Gateway) newClient(conn *websocket.Conn, id domain.Identity) (*client, error) {
	cl := &client{
		conn:    conn,
		id:      id,
		st:      g.st,
		reg:     g.reg,
		chat:    chat.NewService(g.st, g.reg, g.archive, id),
		history: g.history,
		send:    make(chan serverFrame, 32),
		watches: make(map[domain.ConversationID]context.CancelFunc),
		log:     logger.With(zap.String("user_id", string(id.UserID))),
	}
	if g.sessions != nil {
		sess, media, err := g.sessions(id)
		if err != nil {
			return nil, err
		}
		cl.callSess = sess
		cl.media = media
	}
	return cl, nil
}
