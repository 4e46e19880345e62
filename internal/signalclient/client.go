// Package signalclient keeps one auto-reconnecting WebSocket to the
// coordination server. Inbound events are dispatched from the read goroutine
// in arrival order; handlers must not block on Send.
package signalclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/protocol"
	"github.com/dkeye/QuizVoice/internal/pubsub"
)

var (
	ErrNotConnected   = errors.New("signaling not connected")
	ErrDisconnected   = errors.New("signaling disconnected")
	ErrAckTimeout     = errors.New("ack timeout")
	ErrRejected       = errors.New("request rejected")
	ErrAlreadyStarted = errors.New("signaling client already started")
)

type Config struct {
	URL        string
	Username   string
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Heartbeat  time.Duration
	AckTimeout time.Duration
	Dialer     *websocket.Dialer
}

func (c *Config) defaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = 30 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 25 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// Status is the connection view for the UI. ColdStart is raised after a
// failed attempt and cleared on the next successful connect.
type Status struct {
	Connected bool
	ColdStart bool
	Attempts  int
	LastError string
}

type Client struct {
	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	userID    domain.UserID
	token     string
	conn      *conn
	status    Status
	rooms     map[domain.RoomID]domain.RoomKind
	pending   map[uint64]chan protocol.Ack
	nextID    uint64
	cancel    context.CancelFunc
	done      chan struct{}
	connected chan struct{}

	topicsMu sync.RWMutex
	topics   map[string]*pubsub.Topic[protocol.Envelope]
	statuses pubsub.Topic[Status]
}

func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:     cfg,
		log:     log.With().Str("module", "signalclient").Logger(),
		rooms:   make(map[domain.RoomID]domain.RoomKind),
		pending: make(map[uint64]chan protocol.Ack),
		topics:  make(map[string]*pubsub.Topic[protocol.Envelope]),
	}
}

// Connect starts the connection loop and waits for the first successful
// connect or for ctx to end. The loop keeps retrying in the background
// either way until Disconnect.
func (c *Client) Connect(ctx context.Context, userID domain.UserID, token string) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.userID = userID
	c.token = token
	c.cancel = cancel
	c.done = make(chan struct{})
	c.connected = make(chan struct{})
	connected := c.connected
	c.mu.Unlock()

	go c.run(runCtx)

	select {
	case <-connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops reconnecting, closes the socket and fails in-flight acks.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done, cn := c.cancel, c.done, c.conn
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if cn != nil {
		cn.close()
	}
	<-done

	c.mu.Lock()
	c.rooms = make(map[domain.RoomID]domain.RoomKind)
	c.status = Status{}
	c.mu.Unlock()
	c.statuses.Publish(Status{})
	c.log.Info().Msg("disconnected")
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) Connected() bool { return c.Status().Connected }

func (c *Client) UserID() domain.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) OnStatus(fn func(Status)) (unsubscribe func()) {
	return c.statuses.Subscribe(fn)
}

func (c *Client) topic(event string) *pubsub.Topic[protocol.Envelope] {
	c.topicsMu.RLock()
	t := c.topics[event]
	c.topicsMu.RUnlock()
	if t != nil {
		return t
	}
	c.topicsMu.Lock()
	defer c.topicsMu.Unlock()
	if t = c.topics[event]; t == nil {
		t = &pubsub.Topic[protocol.Envelope]{}
		c.topics[event] = t
	}
	return t
}

// OnEnvelope subscribes to raw envelopes of one event.
func (c *Client) OnEnvelope(event string, fn func(protocol.Envelope)) (unsubscribe func()) {
	return c.topic(event).Subscribe(fn)
}

// Subscribe decodes every event of the given name into T. Payloads that do
// not decode are logged and skipped.
func Subscribe[T any](c *Client, event string, fn func(T)) (unsubscribe func()) {
	return c.OnEnvelope(event, func(env protocol.Envelope) {
		var v T
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &v); err != nil {
				c.log.Warn().Err(err).Str("event", event).Msg("decode event")
				return
			}
		}
		fn(v)
	})
}

// Emit sends a fire-and-forget event.
func (c *Client) Emit(event string, payload any) error {
	b, err := protocol.Encode(event, 0, payload)
	if err != nil {
		return err
	}
	cn := c.current()
	if cn == nil {
		return ErrNotConnected
	}
	return cn.write(b)
}

// Send sends an ack-bearing event and waits for the ack. A negative ack is
// returned together with an error wrapping ErrRejected.
func (c *Client) Send(ctx context.Context, event string, payload any) (protocol.Ack, error) {
	return c.sendOn(ctx, c.current(), event, payload)
}

// sendOn is Send pinned to cn; a nil cn means offline.
func (c *Client) sendOn(ctx context.Context, cn *conn, event string, payload any) (protocol.Ack, error) {
	if cn == nil {
		return protocol.Ack{}, ErrNotConnected
	}
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan protocol.Ack, 1)
	c.pending[id] = ch
	c.mu.Unlock()
	defer c.dropPending(id)

	b, err := protocol.Encode(event, id, payload)
	if err != nil {
		return protocol.Ack{}, err
	}
	if err := cn.write(b); err != nil {
		return protocol.Ack{}, fmt.Errorf("%s: %w", event, ErrDisconnected)
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return protocol.Ack{}, fmt.Errorf("%s: %w", event, ErrDisconnected)
		}
		if !ack.Success {
			return ack, fmt.Errorf("%s: %w: %s", event, ErrRejected, ack.Error)
		}
		return ack, nil
	case <-timer.C:
		return protocol.Ack{}, fmt.Errorf("%s: %w", event, ErrAckTimeout)
	case <-ctx.Done():
		return protocol.Ack{}, ctx.Err()
	}
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) resolve(id uint64, ack protocol.Ack) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- ack
	}
}

func (c *Client) current() *conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// JoinRoom joins roomID and remembers it for rejoin after reconnect. The
// server holds one room per connection, so the previous room is forgotten.
// While offline it returns ErrNotConnected and the join goes out on connect.
func (c *Client) JoinRoom(ctx context.Context, roomID domain.RoomID, kind domain.RoomKind) error {
	c.mu.Lock()
	clear(c.rooms)
	c.rooms[roomID] = kind
	// A connection attached before this point never saw roomID in its rejoin
	// set, so the join goes out on exactly that connection.
	cn := c.conn
	c.mu.Unlock()
	_, err := c.sendOn(ctx, cn, protocol.EventRoomJoin, protocol.RoomJoin{RoomID: roomID, Kind: kind})
	if errors.Is(err, ErrRejected) {
		c.Forget(roomID)
	}
	return err
}

func (c *Client) LeaveRoom(ctx context.Context, roomID domain.RoomID) error {
	c.Forget(roomID)
	_, err := c.Send(ctx, protocol.EventRoomLeave, protocol.RoomRef{RoomID: roomID})
	return err
}

// Forget drops roomID from the rejoin set without telling the server.
func (c *Client) Forget(roomID domain.RoomID) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

// Rooms lists the rooms that are re-joined after a reconnect.
func (c *Client) Rooms() map[domain.RoomID]domain.RoomKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomsLocked()
}

func (c *Client) roomsLocked() map[domain.RoomID]domain.RoomKind {
	out := make(map[domain.RoomID]domain.RoomKind, len(c.rooms))
	for id, k := range c.rooms {
		out[id] = k
	}
	return out
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	q := u.Query()
	if c.userID != "" {
		q.Set("userId", string(c.userID))
	}
	if c.token != "" {
		q.Set("token", c.token)
	}
	if c.cfg.Username != "" {
		q.Set("username", c.cfg.Username)
	}
	c.mu.Unlock()
	u.RawQuery = q.Encode()
	return u.String(), nil
}
