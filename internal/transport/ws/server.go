package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"fencecraft.ai/internal/protocol"
	"fencecraft.ai/internal/sim/fence/codec"
	"fencecraft.ai/internal/sim/fence/engine"
	"fencecraft.ai/internal/sim/fence/fenceerr"
	"fencecraft.ai/internal/sim/fence/grid"
)

type Options struct {
	// RatePerSec and Burst bound PLACE/REMOVE per connection. RatePerSec <= 0
	// disables limiting.
	RatePerSec float64
	Burst      int
	MaxQueue   int
}

func DefaultOptions() Options {
	return Options{RatePerSec: 20, Burst: 40, MaxQueue: 64}
}

// Server relays structure edits between participants of one shared session.
// Every PLACE/REMOVE is applied to the engine as its sender's own edit,
// acknowledged to the sender and, when it changed anything, broadcast to
// everyone else. Edits are applied and enqueued under one lock, so every
// participant sees them in the order the engine applied them.
type Server struct {
	eng  *engine.Engine
	log  *log.Logger
	opts Options

	upgrader websocket.Upgrader

	// order serializes apply+enqueue and join+WELCOME.
	order sync.Mutex

	mu      sync.Mutex
	clients map[*client]struct{}
	nextID  atomic.Uint64
}

type client struct {
	session string
	actor   string
	out     chan []byte
	limiter *rate.Limiter
}

func NewServer(eng *engine.Engine, logger *log.Logger, opts Options) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = DefaultOptions().MaxQueue
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	return &Server{
		eng:  eng,
		log:  logger,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		clients: map[*client]struct{}{},
	}
}

// Clients is the number of connections past the handshake.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c := s.handshake(conn)
		if c == nil {
			return
		}
		defer s.leave(c)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			s.handle(c, msg)
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) *client {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}
	if hello.Actor == "" {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "missing actor"), time.Now().Add(time.Second))
		return nil
	}

	limit := rate.Inf
	if s.opts.RatePerSec > 0 {
		limit = rate.Limit(s.opts.RatePerSec)
	}
	c := &client{
		session: fmt.Sprintf("S%d", s.nextID.Add(1)),
		actor:   hello.Actor,
		out:     make(chan []byte, s.opts.MaxQueue),
		limiter: rate.NewLimiter(limit, s.opts.Burst),
	}

	// Joining and taking the WELCOME snapshot under order means the client
	// receives exactly the edits applied after its snapshot.
	s.order.Lock()
	s.join(c)
	welcome, err := s.welcome(c)
	s.order.Unlock()
	if err == nil {
		err = writeJSON(conn, welcome)
	}
	if err != nil {
		s.log.Printf("welcome session=%s: %v", c.session, err)
		s.leave(c)
		return nil
	}
	s.log.Printf("join session=%s actor=%s", c.session, c.actor)
	return c
}

func (s *Server) welcome(c *client) (protocol.WelcomeMsg, error) {
	recs := s.eng.Serialize()
	raw := make([]json.RawMessage, 0, len(recs))
	for _, rec := range recs {
		b, err := codec.EncodeRecord(rec)
		if err != nil {
			return protocol.WelcomeMsg{}, err
		}
		raw = append(raw, b)
	}
	cfg := s.eng.Config()
	return protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SelectedVersion: protocol.Version,
		SessionID:       c.session,
		Actor:           c.actor,
		CellSize:        cfg.CellSize,
		Multiplayer:     cfg.Multiplayer,
		Digest:          codec.Digest(recs),
		Records:         raw,
	}, nil
}

func (s *Server) handle(c *client, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		s.sendError(c, protocol.ErrProtoBadRequest, "malformed message")
		return
	}
	if base.ProtocolVersion != protocol.Version {
		s.sendError(c, protocol.ErrProtoVersion, "bad protocol_version")
		return
	}

	var op engine.RemoteOp
	switch base.Type {
	case protocol.TypePlace:
		var m protocol.PlaceMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.sendError(c, protocol.ErrProtoBadRequest, err.Error())
			return
		}
		if m.StructureID == "" {
			s.ack(c, base.Type, "", engine.RemoteResult{}, protocol.ErrBadRequest, "missing structure_id")
			return
		}
		op = engine.RemoteOp{
			Kind:        engine.RemotePlace,
			StructureID: m.StructureID,
			Cell:        grid.Cell{X: m.Cell.X, Y: m.Cell.Y},
			Variant:     m.Variant,
			Material:    m.Material,
		}
	case protocol.TypeRemove:
		var m protocol.RemoveMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.sendError(c, protocol.ErrProtoBadRequest, err.Error())
			return
		}
		op = engine.RemoteOp{
			Kind:        engine.RemoteRemove,
			StructureID: m.StructureID,
			Cell:        grid.Cell{X: m.Cell.X, Y: m.Cell.Y},
			Material:    m.Material,
		}
	default:
		s.sendError(c, protocol.ErrProtoBadRequest, "unexpected type "+base.Type)
		return
	}
	// The connection's actor is authoritative; claimed actor and owner fields
	// are ignored, so placed pieces belong to whoever placed them.
	op.Actor = c.actor

	if !c.limiter.Allow() {
		s.ack(c, base.Type, op.StructureID, engine.RemoteResult{}, protocol.ErrRateLimit, "rate limited")
		return
	}

	s.order.Lock()
	defer s.order.Unlock()
	res, err := s.eng.Submit(op)
	if err != nil {
		s.ack(c, base.Type, op.StructureID, res, fenceerr.Code(err), err.Error())
		return
	}
	s.ack(c, base.Type, op.StructureID, res, "", "")
	if res.Applied {
		s.broadcast(c, s.relayed(op, res))
	}
}

// relayed is the message other participants receive for an applied op.
func (s *Server) relayed(op engine.RemoteOp, res engine.RemoteResult) any {
	p := res.Piece
	owner := ownerPtr(p.Owner)
	cell := protocol.CellRef{X: p.Cell.X, Y: p.Cell.Y}
	if op.Kind == engine.RemotePlace {
		return protocol.PlaceMsg{
			Type:            protocol.TypePlace,
			ProtocolVersion: protocol.Version,
			Actor:           op.Actor,
			StructureID:     p.StructureID,
			Cell:            cell,
			Variant:         p.Variant.String(),
			Material:        p.Material,
			Owner:           owner,
		}
	}
	return protocol.RemoveMsg{
		Type:            protocol.TypeRemove,
		ProtocolVersion: protocol.Version,
		Actor:           op.Actor,
		StructureID:     p.StructureID,
		Cell:            cell,
		Material:        p.Material,
		Owner:           owner,
	}
}

func (s *Server) broadcast(from *client, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Printf("broadcast marshal: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if c == from {
			continue
		}
		select {
		case c.out <- b:
		default:
			s.log.Printf("drop broadcast to session=%s: queue full", c.session)
		}
	}
}

func (s *Server) ack(c *client, ackFor, structureID string, res engine.RemoteResult, code, message string) {
	s.send(c, protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          ackFor,
		StructureID:     structureID,
		Accepted:        code == "",
		Applied:         res.Applied,
		Code:            code,
		Message:         message,
		Seq:             s.eng.View().Seq(),
	})
}

func (s *Server) sendError(c *client, code, message string) {
	s.send(c, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	})
}

func (s *Server) send(c *client, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.out <- b:
	default:
		s.log.Printf("drop reply to session=%s: queue full", c.session)
	}
}

func (s *Server) join(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) leave(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	s.log.Printf("leave session=%s actor=%s", c.session, c.actor)
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	}
	return nil
}

func ownerPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
