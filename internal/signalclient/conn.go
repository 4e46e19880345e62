package signalclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/QuizVoice/internal/domain"
	"github.com/dkeye/QuizVoice/internal/protocol"
)

const writeWait = 10 * time.Second

// conn is one live socket. Writes are serialized by wmu.
type conn struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	once sync.Once
}

func (cn *conn) write(b []byte) error {
	cn.wmu.Lock()
	defer cn.wmu.Unlock()
	_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return cn.ws.WriteMessage(websocket.TextMessage, b)
}

func (cn *conn) close() {
	cn.once.Do(func() {
		cn.wmu.Lock()
		_ = cn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		cn.wmu.Unlock()
		_ = cn.ws.Close()
	})
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	bo := NewBackoff(c.cfg.BaseDelay, c.cfg.MaxDelay)
	for {
		cn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := bo.Next()
			c.setStatus(func(s *Status) {
				s.Connected = false
				s.ColdStart = true
				s.Attempts = bo.Attempt()
				s.LastError = err.Error()
			})
			c.log.Warn().Err(err).Int("attempt", bo.Attempt()).Dur("retry_in", delay).Msg("connect failed")
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		bo.Reset()
		rooms, ok := c.attach(ctx, cn)
		if !ok {
			cn.close()
			return
		}
		if len(rooms) > 0 {
			go c.rejoin(ctx, cn, rooms)
		}

		err = c.serve(ctx, cn)
		c.detach(cn, err)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Msg("connection dropped, reconnecting")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Client) dial(ctx context.Context) (*conn, error) {
	u, err := c.dialURL()
	if err != nil {
		return nil, err
	}
	ws, _, err := c.cfg.Dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	return &conn{ws: ws}, nil
}

// attach makes cn current and returns the rooms joined before it, which
// JoinRoom did not send on cn.
func (c *Client) attach(ctx context.Context, cn *conn) (map[domain.RoomID]domain.RoomKind, bool) {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return nil, false
	}
	c.conn = cn
	rooms := c.roomsLocked()
	c.status = Status{Connected: true}
	first := c.connected
	c.connected = nil
	c.mu.Unlock()

	c.statuses.Publish(Status{Connected: true})
	if first != nil {
		close(first)
	}
	c.log.Info().Str("url", c.cfg.URL).Msg("connected")
	return rooms, true
}

func (c *Client) detach(cn *conn, err error) {
	cn.close()
	c.mu.Lock()
	if c.conn == cn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.status.Connected = false
	if err != nil {
		c.status.LastError = err.Error()
	}
	st := c.status
	c.mu.Unlock()
	c.statuses.Publish(st)
}

func (c *Client) setStatus(fn func(*Status)) {
	c.mu.Lock()
	fn(&c.status)
	st := c.status
	c.mu.Unlock()
	c.statuses.Publish(st)
}

// rejoin sends room:join on cn for the rooms remembered when cn attached.
func (c *Client) rejoin(ctx context.Context, cn *conn, rooms map[domain.RoomID]domain.RoomKind) {
	for id, kind := range rooms {
		_, err := c.sendOn(ctx, cn, protocol.EventRoomJoin, protocol.RoomJoin{RoomID: id, Kind: kind})
		if err != nil {
			c.log.Warn().Err(err).Str("room", string(id)).Msg("rejoin failed")
			if errors.Is(err, ErrRejected) {
				c.Forget(id)
			}
			continue
		}
		c.log.Info().Str("room", string(id)).Msg("rejoined room")
	}
}

// serve runs the heartbeat and the read loop until the socket fails or ctx ends.
func (c *Client) serve(ctx context.Context, cn *conn) error {
	hbCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		<-hbCtx.Done()
		if ctx.Err() != nil {
			cn.close()
		}
	}()
	go c.heartbeat(hbCtx, cn)

	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("bad envelope")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) heartbeat(ctx context.Context, cn *conn) {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer ticker.Stop()
	ping, _ := protocol.Encode(protocol.EventPing, 0, nil)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cn.write(ping); err != nil {
				c.log.Debug().Err(err).Msg("heartbeat write")
				return
			}
		}
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	if env.Event == protocol.EventAck {
		var ack protocol.Ack
		if err := env.Decode(&ack); err != nil {
			c.log.Warn().Err(err).Uint64("id", env.ID).Msg("bad ack")
			return
		}
		c.resolve(env.ID, ack)
		return
	}
	c.topicsMu.RLock()
	t := c.topics[env.Event]
	c.topicsMu.RUnlock()
	if t == nil {
		c.log.Debug().Str("event", env.Event).Msg("no subscribers")
		return
	}
	t.Publish(env)
}
