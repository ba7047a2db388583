package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"officegrid.io/internal/protocol"
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 5 * time.Second
	readTimeout      = 60 * time.Second
	maxFrameBytes    = 64 * 1024
)

// ServerOptions bounds per-connection publish traffic.
type ServerOptions struct {
	PublishRate  float64
	PublishBurst int
}

type Server struct {
	hub  *Hub
	opts ServerOptions

	upgrader websocket.Upgrader
}

func NewServer(h *Hub, opts ServerOptions) *Server {
	if opts.PublishRate <= 0 {
		opts.PublishRate = 100
	}
	if opts.PublishBurst <= 0 {
		opts.PublishBurst = 50
	}
	return &Server{
		hub:  h,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxFrameBytes,
			WriteBufferSize: maxFrameBytes,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.SetReadLimit(maxFrameBytes)

		c := s.handshake(ws)
		if c == nil {
			return
		}
		if !offer(s.hub, s.hub.register, c) {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		msgType := websocket.TextMessage
		if c.codec.Binary() {
			msgType = websocket.BinaryMessage
		}

		// Writer goroutine.
		go func() {
			defer cancel()
			defer ws.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case <-c.done:
					_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), time.Now().Add(time.Second))
					return
				case b := <-c.out:
					_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := ws.WriteMessage(msgType, b); err != nil {
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := ws.ReadMessage()
			if err != nil {
				break
			}
			s.hub.framesIn.Add(1)
			f, err := c.codec.Decode(msg)
			if err != nil {
				s.rejectLocal(c, protocol.Frame{}, protocol.ErrProtoBadRequest, err.Error())
				continue
			}
			if f.Type == protocol.TypePublish && !c.limiter.Allow() {
				s.rejectLocal(c, f, protocol.ErrRateLimit, "publish rate exceeded")
				continue
			}
			if !offer(s.hub, s.hub.inbox, inbound{c: c, f: f}) {
				break
			}
		}

		cancel()
		c.kick()
		offer(s.hub, s.hub.unregister, c)
	}
}

// rejectLocal answers without a round trip through the hub loop.
func (s *Server) rejectLocal(c *conn, f protocol.Frame, code, msg string) {
	s.hub.rejected.Add(1)
	e := protocol.ErrorFrame(code, msg)
	e.Channel = f.Channel
	e.Ref = f.Ref
	if b, err := c.codec.Encode(e); err == nil {
		c.enqueue(b)
	}
}

var (
	errExpectedHello = errors.New("expected HELLO")
	errWrongSpace    = errors.New("unknown space")
	errMissingUser   = errors.New("user_id required")
)

func (s *Server) handshake(ws *websocket.Conn) *conn {
	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	mt, msg, err := ws.ReadMessage()
	if err != nil {
		return nil
	}
	codec := s.hub.codecs.For(mt == websocket.BinaryMessage)

	fail := func(code string, err error) *conn {
		s.hub.rejected.Add(1)
		if b, encErr := codec.Encode(protocol.ErrorFrame(code, err.Error())); encErr == nil {
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = ws.WriteMessage(mt, b)
		}
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()), time.Now().Add(time.Second))
		return nil
	}

	hello, err := codec.Decode(msg)
	if err != nil || hello.Type != protocol.TypeHello {
		return fail(protocol.ErrProtoBadRequest, errExpectedHello)
	}
	if err := protocol.CheckVersion(hello.ProtocolVersion); err != nil {
		return fail(protocol.ErrProtoVersion, err)
	}
	userID := strings.TrimSpace(hello.UserID)
	if userID == "" {
		return fail(protocol.ErrBadRequest, errMissingUser)
	}
	if hello.SpaceID != s.hub.SpaceID() {
		return fail(protocol.ErrChannelDenied, errWrongSpace)
	}

	c := newConn(uuid.NewString(), userID, hello.CompanyID, codec, s.hub.cfg.OutQueue,
		rate.NewLimiter(rate.Limit(s.opts.PublishRate), s.opts.PublishBurst))

	welcome := protocol.Frame{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		UserID:          userID,
		SpaceID:         s.hub.SpaceID(),
		SessionID:       c.id,
	}
	b, err := codec.Encode(welcome)
	if err != nil {
		return nil
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteMessage(mt, b); err != nil {
		return nil
	}
	s.hub.log.Debug().Str("user", userID).Str("company", hello.CompanyID).Str("codec", codec.Name()).Msg("hello")
	return c
}
