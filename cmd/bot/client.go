package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"fencecraft.ai/internal/protocol"
	"fencecraft.ai/internal/sim/fence/catalog"
	"fencecraft.ai/internal/sim/fence/codec"
	"fencecraft.ai/internal/sim/fence/engine"
	"fencecraft.ai/internal/sim/fence/grid"
)

// client is one participant of a shared session. It keeps a local mirror of
// the session's structures: seeded from WELCOME, then fed with its own
// acknowledged edits and everything the server relays.
type client struct {
	conn    *websocket.Conn
	actor   string
	log     *log.Logger
	welcome protocol.WelcomeMsg
	mirror  *engine.Engine

	retryWait time.Duration
	retries   int
}

func dial(url, actor string, logger *log.Logger) (*client, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c := &client{conn: conn, actor: actor, log: logger, retryWait: 100 * time.Millisecond, retries: 50}

	hello := protocol.HelloMsg{
		Type:              protocol.TypeHello,
		ProtocolVersion:   protocol.Version,
		SupportedVersions: []string{protocol.Version},
		Actor:             actor,
		ClientName:        "fencecraft-bot",
	}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send HELLO: %w", err)
	}
	typ, msg, err := c.read(10 * time.Second)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if typ != protocol.TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("expected WELCOME, got %s", typ)
	}
	if err := json.Unmarshal(msg, &c.welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode WELCOME: %w", err)
	}

	recs := make([]codec.EnclosureRecord, 0, len(c.welcome.Records))
	for _, raw := range c.welcome.Records {
		rec, err := codec.DecodeRecord(raw)
		if err != nil {
			logger.Printf("WELCOME: skip record: %v", err)
			continue
		}
		recs = append(recs, rec)
	}
	c.mirror = engine.New(engine.Config{CellSize: c.welcome.CellSize, Logger: logger}, nil)
	rep := c.mirror.Restore(recs)
	if d := c.mirror.Digest(); d != c.welcome.Digest {
		logger.Printf("WELCOME: mirror digest %s differs from server %s", d, c.welcome.Digest)
	}
	logger.Printf("WELCOME session=%s records=%d pieces=%d", c.welcome.SessionID, rep.Restored, rep.Pieces)
	return c, nil
}

func (c *client) Close() error { return c.conn.Close() }

func (c *client) read(timeout time.Duration) (string, []byte, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return "", nil, err
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return "", nil, err
	}
	return base.Type, msg, nil
}

// place sends one PLACE and waits for its ACK, retrying while rate limited.
func (c *client) place(structureID string, cell grid.Cell, material string) (protocol.AckMsg, error) {
	msg := protocol.PlaceMsg{
		Type:            protocol.TypePlace,
		ProtocolVersion: protocol.Version,
		Actor:           c.actor,
		StructureID:     structureID,
		Cell:            protocol.CellRef{X: cell.X, Y: cell.Y},
		Material:        material,
	}
	ack, err := c.roundTrip(msg, protocol.TypePlace, structureID)
	if err == nil && ack.Applied {
		c.mirrorApply(engine.RemoteOp{Kind: engine.RemotePlace, Actor: c.actor, StructureID: structureID, Cell: cell, Material: material})
	}
	return ack, err
}

func (c *client) remove(structureID string, cell grid.Cell) (protocol.AckMsg, error) {
	msg := protocol.RemoveMsg{
		Type:            protocol.TypeRemove,
		ProtocolVersion: protocol.Version,
		Actor:           c.actor,
		StructureID:     structureID,
		Cell:            protocol.CellRef{X: cell.X, Y: cell.Y},
	}
	ack, err := c.roundTrip(msg, protocol.TypeRemove, structureID)
	if err == nil && ack.Applied {
		c.mirrorApply(engine.RemoteOp{Kind: engine.RemoteRemove, Actor: c.actor, StructureID: structureID, Cell: cell})
	}
	return ack, err
}

func (c *client) roundTrip(msg any, ackFor, structureID string) (protocol.AckMsg, error) {
	for attempt := 0; ; attempt++ {
		if err := c.conn.WriteJSON(msg); err != nil {
			return protocol.AckMsg{}, fmt.Errorf("send %s: %w", ackFor, err)
		}
		ack, err := c.awaitAck(ackFor, structureID)
		if err != nil {
			return ack, err
		}
		if ack.Code == protocol.ErrRateLimit && attempt < c.retries {
			time.Sleep(c.retryWait)
			continue
		}
		return ack, nil
	}
}

// awaitAck reads until the ACK for structureID arrives, applying relayed
// edits from other participants on the way.
func (c *client) awaitAck(ackFor, structureID string) (protocol.AckMsg, error) {
	for {
		typ, msg, err := c.read(10 * time.Second)
		if err != nil {
			return protocol.AckMsg{}, err
		}
		switch typ {
		case protocol.TypeAck:
			var ack protocol.AckMsg
			if err := json.Unmarshal(msg, &ack); err != nil {
				return ack, fmt.Errorf("decode ACK: %w", err)
			}
			if ack.AckFor == ackFor && ack.StructureID == structureID {
				return ack, nil
			}
		case protocol.TypeError:
			var e protocol.ErrorMsg
			_ = json.Unmarshal(msg, &e)
			return protocol.AckMsg{}, fmt.Errorf("server error %s: %s", e.Code, e.Message)
		default:
			c.handleRelayed(typ, msg)
		}
	}
}

func (c *client) handleRelayed(typ string, msg []byte) {
	switch typ {
	case protocol.TypePlace:
		var m protocol.PlaceMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		c.mirrorApply(engine.RemoteOp{
			Kind:        engine.RemotePlace,
			Actor:       m.Actor,
			StructureID: m.StructureID,
			Cell:        grid.Cell{X: m.Cell.X, Y: m.Cell.Y},
			Variant:     m.Variant,
			Material:    m.Material,
			Owner:       deref(m.Owner),
		})
	case protocol.TypeRemove:
		var m protocol.RemoveMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		c.mirrorApply(engine.RemoteOp{
			Kind:        engine.RemoteRemove,
			Actor:       m.Actor,
			StructureID: m.StructureID,
			Cell:        grid.Cell{X: m.Cell.X, Y: m.Cell.Y},
		})
	}
}

func (c *client) mirrorApply(op engine.RemoteOp) {
	if _, err := c.mirror.ApplyRemote(op); err != nil {
		c.log.Printf("mirror %s %v: %v", op.Kind, op.Cell, err)
	}
}

type placedPiece struct {
	StructureID string
	Cell        grid.Cell
}

// buildRing places the complete perimeter of b, clockwise. Pieces the server
// refuses are logged and skipped.
func (c *client) buildRing(b grid.Bounds, material string) ([]placedPiece, error) {
	plan, err := catalog.RectanglePieces(b)
	if err != nil {
		return nil, err
	}
	var placed []placedPiece
	for _, p := range plan {
		id := uuid.NewString()
		ack, err := c.place(id, p.Cell, material)
		if err != nil {
			return placed, err
		}
		if !ack.Accepted {
			c.log.Printf("PLACE %v refused: %s %s", p.Cell, ack.Code, ack.Message)
			continue
		}
		if ack.Applied {
			placed = append(placed, placedPiece{StructureID: id, Cell: p.Cell})
		}
	}
	return placed, nil
}

func (c *client) tearDown(pieces []placedPiece) (int, error) {
	n := 0
	for _, p := range pieces {
		ack, err := c.remove(p.StructureID, p.Cell)
		if err != nil {
			return n, err
		}
		if ack.Applied {
			n++
		}
	}
	return n, nil
}

// watch applies relayed edits until ctx is done or the connection drops.
func (c *client) watch(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = c.conn.Close()
	}()
	for {
		typ, msg, err := c.read(time.Hour)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil
			}
			return err
		}
		c.handleRelayed(typ, msg)
		v := c.mirror.View()
		c.log.Printf("%s seq=%d pieces=%d enclosures=%d", typ, v.Seq(), v.Len(), len(v.Enclosures()))
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
