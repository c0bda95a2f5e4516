package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"call-platform/internal/auth"
	"call-platform/internal/records"
	"call-platform/internal/signaling"
	"call-platform/pkg/logger"
	"call-platform/pkg/utils"
)

// roomLimit is fixed by the protocol: a call session has exactly two parties.
const roomLimit = 2

// Limiter reserves room slots. The production implementation counts in redis
// so occupancy survives relay restarts and is atomic across instances.
type Limiter interface {
	Acquire(ctx context.Context, key string, limit int, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Recorder persists call outcomes. records.Service implements it.
type Recorder interface {
	RecordEnd(ctx context.Context, sessionKey, mediaKind string, durationSeconds int, wasConnected bool, endReason string) (records.CallRecord, error)
}

type RedisLimiter struct {
	rdb *redis.Client
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter { return &RedisLimiter{rdb: rdb} }

func (l *RedisLimiter) Acquire(ctx context.Context, key string, limit int, ttl time.Duration) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.rdb, key, limit, ttl)
}

func (l *RedisLimiter) Release(ctx context.Context, key string) error {
	return utils.ReleaseConcurrencyCap(ctx, l.rdb, key)
}

// Handler upgrades authenticated websocket connections into room
// participants.
type Handler struct {
	Hub      *Hub
	Limiter  Limiter
	Recorder Recorder

	// RoomTTL bounds a redis slot reservation when a holder vanishes
	// without a clean disconnect.
	RoomTTL time.Duration

	// AllowedOrigin restricts upgrades; empty allows all origins.
	AllowedOrigin string
}

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if h.AllowedOrigin == "" {
				return true
			}
			return strings.EqualFold(r.Header.Get("Origin"), h.AllowedOrigin)
		},
	}
}

// HandleSignaling is GET /call-signaling/:sessionKey. Auth middleware runs
// before it; the room slot is reserved before the upgrade so a third party
// is refused with a plain 409 instead of a dangling socket.
func (h *Handler) HandleSignaling(c *gin.Context) {
	log := logger.FromGin(c)

	sessionKey := strings.TrimSpace(c.Param("sessionKey"))
	if sessionKey == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session key required"})
		return
	}
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}

	capKey := roomCapKey(sessionKey)
	ok, err := h.Limiter.Acquire(c.Request.Context(), capKey, roomLimit, h.RoomTTL)
	if err != nil {
		log.Error("room slot acquire failed", "session_key", sessionKey, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "room unavailable"})
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "call room is full"})
		return
	}

	up := h.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.releaseSlot(capKey, log)
		// Upgrade already wrote the HTTP error.
		log.Warn("websocket upgrade failed", "session_key", sessionKey, "err", err)
		return
	}

	clientLog := log.With("session_key", sessionKey, "user_id", userID)
	var client *Client
	client = newClient(conn, clientLog,
		func(data []byte) { h.handleMessage(sessionKey, userID, data, clientLog) },
		func() {
			h.Hub.Leave(sessionKey, userID, client)
			h.releaseSlot(capKey, clientLog)
		},
	)

	if err := h.Hub.Join(sessionKey, userID, client); err != nil {
		h.releaseSlot(capKey, clientLog)
		conn.Close()
		return
	}
	client.run()
}

// handleMessage fans a raw message out to the other participant. call-ended
// additionally persists a call record; a write failure never blocks the
// forward.
func (h *Handler) handleMessage(sessionKey, fromUserID string, data []byte, log *slog.Logger) {
	var env signaling.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn("dropping malformed signaling message", "err", err)
		return
	}

	if env.Type == signaling.TypeCallEnded && h.Recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := h.Recorder.RecordEnd(ctx, sessionKey, env.MediaKind, env.DurationSeconds, env.WasConnected, env.Reason)
		cancel()
		if err != nil {
			log.Warn("persisting call record", "session_key", sessionKey, "err", err)
		}
	}

	h.Hub.Forward(sessionKey, fromUserID, data)
}

func (h *Handler) releaseSlot(capKey string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Limiter.Release(ctx, capKey); err != nil {
		log.Warn("room slot release failed", "key", capKey, "err", err)
	}
}

func roomCapKey(sessionKey string) string {
	return "callroom:" + sessionKey
}
