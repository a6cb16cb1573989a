// Package ws accepts websocket sessions, performs the join handshake and
// shuttles messages between clients and their rooms.
package ws

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sperm-odyssey/server/internal/protocol"
	"sperm-odyssey/server/internal/rooms"
)

// handshakeWait bounds how long a fresh socket may sit silent before its
// first joinRoom/spectate message.
const handshakeWait = 10 * time.Second

type Server struct {
	log      *log.Logger
	mgr      *rooms.Manager
	upgrader websocket.Upgrader
}

func NewServer(logger *log.Logger, mgr *rooms.Manager) *Server {
	return &Server{
		log: logger,
		mgr: mgr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The game client is served from arbitrary origins during
			// development; the wire protocol carries no cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsc, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Printf("[ws] upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	sess := uuid.NewString()
	c := newConn(sess, s.log, wsc)

	wsc.SetReadLimit(maxFrameSize)
	wsc.SetPongHandler(func(string) error {
		return wsc.SetReadDeadline(time.Now().Add(pongWait))
	})

	room, ok := s.handshake(c, wsc)
	if !ok {
		c.shutdown()
		return
	}

	wsc.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, raw, err := wsc.ReadMessage()
		if err != nil {
			break
		}
		wsc.SetReadDeadline(time.Now().Add(pongWait))
		room.Deliver(sess, raw)
	}
	room.Leave(sess)
	c.shutdown()
}

// handshake reads the first client message and resolves the target room.
func (s *Server) handshake(c *conn, wsc *websocket.Conn) (*rooms.Room, bool) {
	wsc.SetReadDeadline(time.Now().Add(handshakeWait))
	_, raw, err := wsc.ReadMessage()
	if err != nil {
		return nil, false
	}

	base, err := protocol.DecodeBase(raw)
	if err != nil {
		c.Kick(protocol.ErrJoinInvalid, "malformed handshake")
		return nil, false
	}

	switch base.Type {
	case protocol.TypeJoinRoom:
		msg, err := protocol.ParseJoinRoom(raw)
		if err != nil {
			c.Kick(protocol.ErrJoinInvalid, err.Error())
			return nil, false
		}
		room, err := s.mgr.JoinOrCreate(msg.Room)
		if err != nil {
			c.Kick(protocol.ErrInternal, "cannot place player")
			return nil, false
		}
		room.Join(c.sess, c, msg.Name, false)
		return room, true

	case protocol.TypeSpectate:
		msg, err := protocol.ParseSpectate(raw)
		if err != nil {
			c.Kick(protocol.ErrJoinInvalid, err.Error())
			return nil, false
		}
		room, ok := s.mgr.Get(msg.Room)
		if !ok {
			c.Kick(protocol.ErrUnknownRoom, "no such room")
			return nil, false
		}
		room.Join(c.sess, c, "", true)
		return room, true

	default:
		c.Kick(protocol.ErrJoinInvalid, "handshake must be joinRoom or spectate")
		return nil, false
	}
}
