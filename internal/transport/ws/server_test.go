package ws

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fencecraft.ai/internal/protocol"
	"fencecraft.ai/internal/sim/fence/codec"
	"fencecraft.ai/internal/sim/fence/engine"
	"fencecraft.ai/internal/sim/fence/grid"
	"fencecraft.ai/internal/sim/materials"
)

func startServer(t *testing.T, cfg engine.Config, opts Options) (*engine.Engine, string) {
	t.Helper()
	return startServerWith(t, cfg, nil, opts)
}

func startServerWith(t *testing.T, cfg engine.Config, mats engine.MaterialProvider, opts Options) (*engine.Engine, string) {
	t.Helper()
	eng := engine.New(cfg, mats)
	srv := NewServer(eng, nil, opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return eng, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url, actor string) (*websocket.Conn, protocol.WelcomeMsg) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, Actor: actor}); err != nil {
		t.Fatalf("send HELLO: %v", err)
	}
	var w protocol.WelcomeMsg
	typ, msg := read(t, conn)
	if typ != protocol.TypeWelcome {
		t.Fatalf("expected WELCOME, got %s", typ)
	}
	if err := json.Unmarshal(msg, &w); err != nil {
		t.Fatalf("decode WELCOME: %v", err)
	}
	return conn, w
}

func read(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return base.Type, msg
}

func readAck(t *testing.T, conn *websocket.Conn) protocol.AckMsg {
	t.Helper()
	typ, msg := read(t, conn)
	if typ != protocol.TypeAck {
		t.Fatalf("expected ACK, got %s: %s", typ, msg)
	}
	var ack protocol.AckMsg
	if err := json.Unmarshal(msg, &ack); err != nil {
		t.Fatalf("decode ACK: %v", err)
	}
	return ack
}

func place(id string, x, y int) protocol.PlaceMsg {
	return protocol.PlaceMsg{
		Type:            protocol.TypePlace,
		ProtocolVersion: protocol.Version,
		StructureID:     id,
		Cell:            protocol.CellRef{X: x, Y: y},
		Material:        "WOOD",
	}
}

func TestWelcomeCarriesRecords(t *testing.T) {
	eng, url := startServer(t, engine.Config{}, DefaultOptions())
	if _, err := eng.Place(grid.Cell{X: 3, Y: 4}, "STONE", "host"); err != nil {
		t.Fatalf("Place: %v", err)
	}
	_, w := dial(t, url, "alice")
	if w.Actor != "alice" || w.SessionID == "" || w.CellSize != grid.DefaultCellSize {
		t.Fatalf("welcome: %+v", w)
	}
	if w.Digest != eng.Digest() || len(w.Records) != 1 {
		t.Fatalf("digest/records mismatch: %s %d", w.Digest, len(w.Records))
	}
	rec, err := codec.DecodeRecord(w.Records[0])
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if len(rec.Pieces) != 1 || rec.Pieces[0].X != 3*64 || rec.Pieces[0].Material != "STONE" {
		t.Fatalf("record: %+v", rec)
	}
}

func TestPlaceIsAckedAndRelayed(t *testing.T) {
	eng, url := startServer(t, engine.Config{Multiplayer: true}, DefaultOptions())
	alice, _ := dial(t, url, "alice")
	bob, _ := dial(t, url, "bob")

	msg := place("s-1", 2, 2)
	msg.Actor = "mallory"
	if err := alice.WriteJSON(msg); err != nil {
		t.Fatalf("send PLACE: %v", err)
	}
	ack := readAck(t, alice)
	if !ack.Accepted || !ack.Applied || ack.StructureID != "s-1" || ack.AckFor != protocol.TypePlace {
		t.Fatalf("ack: %+v", ack)
	}

	typ, raw := read(t, bob)
	if typ != protocol.TypePlace {
		t.Fatalf("bob expected PLACE, got %s", typ)
	}
	var relayed protocol.PlaceMsg
	if err := json.Unmarshal(raw, &relayed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if relayed.Actor != "alice" || relayed.Owner == nil || *relayed.Owner != "alice" || relayed.Variant != "BackLeft" {
		t.Fatalf("relayed: %+v", relayed)
	}

	p, ok := eng.QueryPiece(grid.Cell{X: 2, Y: 2})
	if !ok || p.Owner != "alice" || p.StructureID != "s-1" {
		t.Fatalf("engine piece: %+v %v", p, ok)
	}

	// Re-sending the same place is a benign no-op.
	if err := alice.WriteJSON(msg); err != nil {
		t.Fatalf("send PLACE: %v", err)
	}
	if ack := readAck(t, alice); !ack.Accepted || ack.Applied {
		t.Fatalf("duplicate ack: %+v", ack)
	}
}

func TestRemoveOwnershipAndNoOps(t *testing.T) {
	eng, url := startServer(t, engine.Config{Multiplayer: true}, DefaultOptions())
	alice, _ := dial(t, url, "alice")
	bob, _ := dial(t, url, "bob")

	if err := alice.WriteJSON(place("s-9", 0, 0)); err != nil {
		t.Fatalf("send: %v", err)
	}
	readAck(t, alice)
	read(t, bob) // relayed PLACE

	steal := protocol.RemoveMsg{Type: protocol.TypeRemove, ProtocolVersion: protocol.Version, StructureID: "s-9"}
	if err := bob.WriteJSON(steal); err != nil {
		t.Fatalf("send: %v", err)
	}
	ack := readAck(t, bob)
	if ack.Accepted || ack.Code != protocol.ErrNoPermission {
		t.Fatalf("steal ack: %+v", ack)
	}
	if _, ok := eng.QueryPiece(grid.Cell{X: 0, Y: 0}); !ok {
		t.Fatalf("piece removed by non-owner")
	}

	absent := protocol.RemoveMsg{Type: protocol.TypeRemove, ProtocolVersion: protocol.Version, Cell: protocol.CellRef{X: 9, Y: 9}}
	if err := bob.WriteJSON(absent); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack := readAck(t, bob); ack.Accepted || ack.Applied || ack.Code != protocol.ErrInvalidTarget {
		t.Fatalf("absent ack: %+v", ack)
	}

	own := protocol.RemoveMsg{Type: protocol.TypeRemove, ProtocolVersion: protocol.Version, StructureID: "s-9", Cell: protocol.CellRef{X: 50, Y: 50}}
	if err := alice.WriteJSON(own); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack := readAck(t, alice); !ack.Accepted || !ack.Applied {
		t.Fatalf("owner ack: %+v", ack)
	}
	if typ, _ := read(t, bob); typ != protocol.TypeRemove {
		t.Fatalf("bob expected REMOVE, got %s", typ)
	}
	if eng.View().Len() != 0 {
		t.Fatalf("piece still present")
	}
}

func TestRateLimit(t *testing.T) {
	_, url := startServer(t, engine.Config{}, Options{RatePerSec: 0.001, Burst: 1})
	conn, _ := dial(t, url, "alice")

	for i, want := range []string{"", protocol.ErrRateLimit} {
		if err := conn.WriteJSON(place("s-"+string(rune('a'+i)), i, 0)); err != nil {
			t.Fatalf("send: %v", err)
		}
		if ack := readAck(t, conn); ack.Code != want {
			t.Fatalf("place %d: code %q want %q", i, ack.Code, want)
		}
	}
}

func TestProtocolErrors(t *testing.T) {
	_, url := startServer(t, engine.Config{}, DefaultOptions())
	conn, _ := dial(t, url, "alice")

	bad := place("s-1", 0, 0)
	bad.ProtocolVersion = "0.1"
	if err := conn.WriteJSON(bad); err != nil {
		t.Fatalf("send: %v", err)
	}
	typ, raw := read(t, conn)
	var e protocol.ErrorMsg
	_ = json.Unmarshal(raw, &e)
	if typ != protocol.TypeError || e.Code != protocol.ErrProtoVersion {
		t.Fatalf("got %s %+v", typ, e)
	}

	if err := conn.WriteJSON(place("", 0, 0)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack := readAck(t, conn); ack.Accepted || ack.Code != protocol.ErrBadRequest {
		t.Fatalf("missing id ack: %+v", ack)
	}
}

func TestHandshakeRequiresHello(t *testing.T) {
	_, url := startServer(t, engine.Config{}, DefaultOptions())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(place("s-1", 0, 0)); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy close, got %v", err)
	}
}

func TestPlaceOnOccupiedCellConflicts(t *testing.T) {
	_, url := startServer(t, engine.Config{}, DefaultOptions())
	alice, _ := dial(t, url, "alice")
	bob, _ := dial(t, url, "bob")

	if err := alice.WriteJSON(place("a-1", 4, 4)); err != nil {
		t.Fatalf("send: %v", err)
	}
	readAck(t, alice)
	read(t, bob) // relayed PLACE

	if err := bob.WriteJSON(place("b-1", 4, 4)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack := readAck(t, bob); ack.Accepted || ack.Applied || ack.Code != protocol.ErrConflict {
		t.Fatalf("occupied ack: %+v", ack)
	}
	// Reusing a standing structure id elsewhere is refused too.
	if err := bob.WriteJSON(place("a-1", 8, 8)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack := readAck(t, bob); ack.Accepted || ack.Code != protocol.ErrConflict {
		t.Fatalf("reused id ack: %+v", ack)
	}
}

func TestPlacesDrawOnServerMaterials(t *testing.T) {
	inv := materials.New(map[string]int{"WOOD": 2})
	eng, url := startServerWith(t, engine.Config{}, inv, DefaultOptions())
	conn, _ := dial(t, url, "alice")

	for i := 0; i < 2; i++ {
		if err := conn.WriteJSON(place(fmt.Sprintf("s-%d", i), i, 0)); err != nil {
			t.Fatalf("send: %v", err)
		}
		if ack := readAck(t, conn); !ack.Applied {
			t.Fatalf("place %d: %+v", i, ack)
		}
	}
	if inv.Count("WOOD") != 0 {
		t.Fatalf("WOOD left: %d", inv.Count("WOOD"))
	}
	if err := conn.WriteJSON(place("s-2", 2, 0)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack := readAck(t, conn); ack.Accepted || ack.Applied || ack.Code != protocol.ErrNoResource {
		t.Fatalf("drained ack: %+v", ack)
	}
	if _, ok := eng.QueryPiece(grid.Cell{X: 2, Y: 0}); ok {
		t.Fatalf("piece placed without material")
	}

	rm := protocol.RemoveMsg{Type: protocol.TypeRemove, ProtocolVersion: protocol.Version, StructureID: "s-0"}
	if err := conn.WriteJSON(rm); err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack := readAck(t, conn); !ack.Applied {
		t.Fatalf("remove ack: %+v", ack)
	}
	if inv.Count("WOOD") != 1 {
		t.Fatalf("removal did not refund: %d", inv.Count("WOOD"))
	}
}

// editLoop sends n edits built by next and waits for each ACK, skipping
// relayed messages. It returns how many edits were applied.
func editLoop(conn *websocket.Conn, n int, next func(i int) any) (int, error) {
	applied := 0
	for i := 0; i < n; i++ {
		if err := conn.WriteJSON(next(i)); err != nil {
			return applied, err
		}
		for {
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return applied, err
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				return applied, err
			}
			if base.Type != protocol.TypeAck {
				continue
			}
			var ack protocol.AckMsg
			if err := json.Unmarshal(msg, &ack); err != nil {
				return applied, err
			}
			if ack.Applied {
				applied++
			}
			break
		}
	}
	return applied, nil
}

func TestRelayOrderMatchesApplyOrder(t *testing.T) {
	eng, url := startServer(t, engine.Config{}, Options{MaxQueue: 1024})
	alice, _ := dial(t, url, "alice")
	bob, _ := dial(t, url, "bob")
	watcher, w := dial(t, url, "zed")

	const rounds = 150
	cell := protocol.CellRef{X: 1, Y: 1}
	var (
		wg             sync.WaitGroup
		placed, pulled int
		errA, errB     error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		placed, errA = editLoop(alice, rounds, func(i int) any {
			return place(fmt.Sprintf("a-%d", i), cell.X, cell.Y)
		})
	}()
	go func() {
		defer wg.Done()
		pulled, errB = editLoop(bob, rounds, func(int) any {
			return protocol.RemoveMsg{Type: protocol.TypeRemove, ProtocolVersion: protocol.Version, Cell: cell}
		})
	}()
	wg.Wait()
	if errA != nil || errB != nil {
		t.Fatalf("edit loops: %v %v", errA, errB)
	}

	mirror := engine.New(engine.Config{CellSize: w.CellSize}, nil)
	for i := 0; i < placed+pulled; i++ {
		typ, raw := read(t, watcher)
		var op engine.RemoteOp
		switch typ {
		case protocol.TypePlace:
			var m protocol.PlaceMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				t.Fatalf("decode: %v", err)
			}
			op = engine.RemoteOp{Kind: engine.RemotePlace, Actor: m.Actor, StructureID: m.StructureID, Cell: grid.Cell{X: m.Cell.X, Y: m.Cell.Y}, Material: m.Material}
		case protocol.TypeRemove:
			var m protocol.RemoveMsg
			if err := json.Unmarshal(raw, &m); err != nil {
				t.Fatalf("decode: %v", err)
			}
			op = engine.RemoteOp{Kind: engine.RemoteRemove, Actor: m.Actor, StructureID: m.StructureID, Cell: grid.Cell{X: m.Cell.X, Y: m.Cell.Y}}
		default:
			t.Fatalf("unexpected %s", typ)
		}
		if res, err := mirror.ApplyRemote(op); err != nil || !res.Applied {
			t.Fatalf("relayed edit %d (%s) did not apply: %+v %v", i, typ, res, err)
		}
	}
	if mirror.Digest() != eng.Digest() {
		t.Fatalf("watcher diverged: mirror=%d pieces server=%d pieces", mirror.View().Len(), eng.View().Len())
	}
}
