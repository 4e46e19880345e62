package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/QuizVoice/internal/app/orch"
	"github.com/dkeye/QuizVoice/internal/auth"
	"github.com/dkeye/QuizVoice/internal/core"
	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
	ErrUnauthorized = errors.New("unauthorized")
)

type Options struct {
	Tokens         *auth.Issuer
	AllowAnonymous bool
	ReadLimit      int64
	PingPeriod     time.Duration
	// ChatLimit messages per ChatInterval per user.
	ChatLimit    int
	ChatInterval time.Duration
}

type SignalWSController struct {
	Orch     *orch.Orchestrator
	opts     Options
	chat     *ChatLimiter
	validate *validator.Validate
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = 54 * time.Second
	}
	if opts.ChatLimit <= 0 {
		opts.ChatLimit = 5
	}
	if opts.ChatInterval <= 0 {
		opts.ChatInterval = 5 * time.Second
	}
	return &SignalWSController{
		Orch:     o,
		opts:     opts,
		chat:     NewChatLimiter(opts.ChatLimit, opts.ChatInterval),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// authenticate resolves the user from the userId and token query parameters.
// Without a token the connection is anonymous, which must be enabled.
func (ctl *SignalWSController) authenticate(c *gin.Context) (*domain.User, error) {
	uid := c.Query("userId")
	token := c.Query("token")

	if token != "" {
		if ctl.opts.Tokens == nil {
			return nil, ErrUnauthorized
		}
		claims, err := ctl.opts.Tokens.ParseUser(token)
		if err != nil {
			return nil, err
		}
		if uid != "" && uid != claims.UserID {
			return nil, ErrUnauthorized
		}
		return domain.NewUser(domain.UserID(claims.UserID), claims.Username)
	}

	if !ctl.opts.AllowAnonymous {
		return nil, ErrUnauthorized
	}
	if uid == "" {
		uid = uuid.NewString()
	}
	return domain.NewUser(domain.UserID(uid), c.Query("username"))
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	user, err := ctl.authenticate(c)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("remote", c.ClientIP()).Msg("rejected connection")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	sid := core.SessionID(uuid.NewString())
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("user", string(user.ID)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 64),
	}

	sess := core.NewMemberSession(user).UpdateSignal(conn)
	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.BindSignal(sid, sess, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sid, conn)
}
