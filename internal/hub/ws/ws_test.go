package ws

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cardbridge/internal/comm"
	"cardbridge/internal/service"
	"cardbridge/internal/store"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   [][]byte
	broken bool
	closed bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken {
		return errors.New("broken pipe")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.msgs = append(c.msgs, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *fakeConn) lastReply(t *testing.T) map[string]interface{} {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		t.Fatal("no reply delivered")
	}
	var reply map[string]interface{}
	if err := json.Unmarshal(c.msgs[len(c.msgs)-1], &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	return reply
}

func newTestHub(t *testing.T) (*Ws, *store.CardStore) {
	t.Helper()
	s, err := store.NewCardStore(":memory:", t.TempDir())
	if err != nil {
		t.Fatalf("NewCardStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	access := service.NewAccessService(s, "http://localhost:8080")
	return NewWs(s, access), s
}

func TestBroadcastScanPrunesBrokenClient(t *testing.T) {
	hub, _ := newTestHub(t)

	good1, good2 := &fakeConn{}, &fakeConn{}
	bad := &fakeConn{broken: true}
	hub.StoreConnection("a", good1)
	hub.StoreConnection("b", bad)
	hub.StoreConnection("c", good2)

	hub.BroadcastScan(comm.ScanEvent{Type: "card_scanned", CardUID: "AABBCCDD"})

	if good1.count() != 1 || good2.count() != 1 {
		t.Errorf("healthy clients got %d/%d events, want 1/1", good1.count(), good2.count())
	}
	if _, ok := hub.GetConnection("b"); ok {
		t.Error("broken client still in the client set")
	}
	if !bad.closed {
		t.Error("broken client connection not closed")
	}
	if _, ok := hub.GetConnection("a"); !ok {
		t.Error("healthy client was pruned")
	}
}

// exclusiveConn trips if two writes are ever in flight at once, the
// condition gorilla connections forbid.
type exclusiveConn struct {
	inFlight atomic.Int32
	writes   atomic.Int32
	overlap  atomic.Bool
}

func (c *exclusiveConn) WriteMessage(messageType int, data []byte) error {
	if c.inFlight.Add(1) > 1 {
		c.overlap.Store(true)
	}
	time.Sleep(50 * time.Microsecond)
	c.inFlight.Add(-1)
	c.writes.Add(1)
	return nil
}

func (c *exclusiveConn) Close() error { return nil }

func TestWritesToOneClientAreSerialized(t *testing.T) {
	hub, s := newTestHub(t)
	if _, err := s.Add("KEY", "AABBCCDD"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	conn := &exclusiveConn{}
	hub.StoreConnection("s", conn)
	hub.SocketMessage("s", []byte(`{"command":"start_serial_monitor"}`))

	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			hub.BroadcastScan(comm.ScanEvent{Type: "card_scanned", CardUID: "AABBCCDD"})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			hub.BroadcastMonitor(comm.MonitorFrame{Type: "serial_data", Message: "x", Direction: comm.DirIncoming})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			hub.SocketMessage("s", []byte(`{"command":"list_cards"}`))
		}
	}()
	wg.Wait()

	if conn.overlap.Load() {
		t.Error("two writes to the same connection were in flight at once")
	}
	if got := conn.writes.Load(); got != 3*rounds+1 {
		t.Errorf("delivered %d messages, want %d", got, 3*rounds+1)
	}
}

func TestMonitorGoesOnlyToSubscribers(t *testing.T) {
	hub, _ := newTestHub(t)

	sub, plain := &fakeConn{}, &fakeConn{}
	hub.StoreConnection("sub", sub)
	hub.StoreConnection("plain", plain)

	hub.SocketMessage("sub", []byte(`{"command":"start_serial_monitor"}`))
	reply := sub.lastReply(t)
	if reply["status"] != "success" {
		t.Fatalf("subscribe reply = %v", reply)
	}
	ackCount := sub.count()

	hub.BroadcastMonitor(comm.MonitorFrame{Type: "serial_data", Message: "x", Direction: comm.DirIncoming})

	if sub.count() != ackCount+1 {
		t.Errorf("subscriber got %d messages, want %d", sub.count(), ackCount+1)
	}
	if plain.count() != 0 {
		t.Errorf("non-subscriber got %d monitor frames, want 0", plain.count())
	}
}

func TestDisconnectLeavesMonitorSet(t *testing.T) {
	hub, _ := newTestHub(t)

	conn := &fakeConn{}
	hub.StoreConnection("s", conn)
	hub.SocketMessage("s", []byte(`{"command":"start_serial_monitor"}`))
	hub.HandleDisconnect("s")

	before := conn.count()
	hub.BroadcastMonitor(comm.MonitorFrame{Type: "serial_data"})
	if conn.count() != before {
		t.Error("disconnected client still received monitor frames")
	}
}

func TestLegacyCheckAddRemove(t *testing.T) {
	hub, _ := newTestHub(t)

	conn := &fakeConn{}
	hub.StoreConnection("s", conn)

	hub.SocketMessage("s", []byte(`{"card_type":"KEY","uid":"09250C05","state":""}`))
	if got := conn.lastReply(t)["state"]; got != float64(0) {
		t.Errorf("check before add: state = %v, want 0", got)
	}

	hub.SocketMessage("s", []byte(`{"card_type":"KEY","uid":"09250C05","state":1}`))
	if got := conn.lastReply(t)["status"]; got != "success" {
		t.Errorf("add: status = %v, want success", got)
	}

	hub.SocketMessage("s", []byte(`{"card_type":"KEY","uid":"09250C05","state":"true"}`))
	if got := conn.lastReply(t)["status"]; got != "error" {
		t.Errorf("duplicate add: status = %v, want error", got)
	}

	hub.SocketMessage("s", []byte(`{"card_type":"KEY","uid":"09:25:0C:05","state":""}`))
	if got := conn.lastReply(t)["state"]; got != float64(1) {
		t.Errorf("check with separators: state = %v, want 1", got)
	}

	hub.SocketMessage("s", []byte(`{"card_type":"KEY","uid":"09250C05","state":0}`))
	if got := conn.lastReply(t)["status"]; got != "success" {
		t.Errorf("remove: status = %v, want success", got)
	}

	hub.SocketMessage("s", []byte(`{"card_type":"KEY","uid":"09250C05","state":"false"}`))
	if got := conn.lastReply(t)["status"]; got != "error" {
		t.Errorf("remove of missing card: status = %v, want error", got)
	}
}

func TestListCardsCommand(t *testing.T) {
	hub, s := newTestHub(t)

	if _, err := s.Add("KEY", "AABBCCDD"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, err := s.Add("WORKER", "01020304"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	conn := &fakeConn{}
	hub.StoreConnection("s", conn)
	hub.SocketMessage("s", []byte(`{"command":"list_cards"}`))

	reply := conn.lastReply(t)
	if reply["status"] != "success" || reply["count"] != float64(2) {
		t.Errorf("list reply = %v, want success with count 2", reply)
	}
	cards, ok := reply["cards"].([]interface{})
	if !ok || len(cards) != 2 {
		t.Errorf("cards field = %v, want 2 entries", reply["cards"])
	}
}

func TestUploadImageValidation(t *testing.T) {
	hub, _ := newTestHub(t)

	conn := &fakeConn{}
	hub.StoreConnection("s", conn)

	hub.SocketMessage("s", []byte(`{"command":"upload_image","card_type":"KEY"}`))
	reply := conn.lastReply(t)
	if reply["status"] != "error" {
		t.Fatalf("reply = %v, want error", reply)
	}
	msg, _ := reply["message"].(string)
	for _, field := range []string{"uid", "image_data", "filename"} {
		if !strings.Contains(msg, field) {
			t.Errorf("missing-field message %q does not name %q", msg, field)
		}
	}
}

func TestUploadImageFlow(t *testing.T) {
	hub, s := newTestHub(t)

	conn := &fakeConn{}
	hub.StoreConnection("s", conn)

	payload := base64.StdEncoding.EncodeToString([]byte("png-bytes"))

	// Upload for a card that does not exist yet.
	req := map[string]interface{}{
		"command":    "upload_image",
		"card_type":  "KEY",
		"uid":        "AABBCCDD",
		"image_data": "data:image/png;base64," + payload,
		"filename":   "face.png",
	}
	raw, _ := json.Marshal(req)
	hub.SocketMessage("s", raw)
	if got := conn.lastReply(t)["message"]; got != "card does not exist" {
		t.Errorf("upload to missing card: message = %v", got)
	}

	if _, err := s.Add("KEY", "AABBCCDD"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	hub.SocketMessage("s", raw)
	if got := conn.lastReply(t)["status"]; got != "success" {
		t.Errorf("upload: status = %v, want success", got)
	}

	card, err := s.GetWithImage("KEY", "AABBCCDD")
	if err != nil || card == nil || !card.HasImage {
		t.Fatalf("card after upload = %v, %v; want image attached", card, err)
	}
}

func TestGetCardDetails(t *testing.T) {
	hub, s := newTestHub(t)

	conn := &fakeConn{}
	hub.StoreConnection("s", conn)

	hub.SocketMessage("s", []byte(`{"command":"get_card_details","card_type":"KEY","uid":"AABBCCDD"}`))
	if got := conn.lastReply(t)["message"]; got != "card not found" {
		t.Errorf("details of missing card: message = %v", got)
	}

	if _, err := s.Add("KEY", "AABBCCDD"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	hub.SocketMessage("s", []byte(`{"command":"get_card_details","card_type":"KEY","uid":"AABBCCDD"}`))
	reply := conn.lastReply(t)
	if reply["status"] != "success" || reply["card"] == nil {
		t.Errorf("details reply = %v, want success with card", reply)
	}
}

func TestLookupByUID(t *testing.T) {
	hub, s := newTestHub(t)

	if _, err := s.Add("WORKER", "11223344"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	conn := &fakeConn{}
	hub.StoreConnection("s", conn)
	hub.SocketMessage("s", []byte(`{"command":"get_card_details_by_uid","uid":"11:22:33:44"}`))

	reply := conn.lastReply(t)
	if reply["type"] != "card_scanned" || reply["accessGranted"] != true || reply["cardType"] != "WORKER" {
		t.Errorf("lookup reply = %v, want granted WORKER card_scanned", reply)
	}
}

func TestUnknownShapes(t *testing.T) {
	hub, _ := newTestHub(t)

	conn := &fakeConn{}
	hub.StoreConnection("s", conn)

	hub.SocketMessage("s", []byte(`{"command":"make_coffee"}`))
	if got := conn.lastReply(t)["status"]; got != "error" {
		t.Errorf("unknown command: status = %v, want error", got)
	}

	hub.SocketMessage("s", []byte(`{"something":"else"}`))
	if got := conn.lastReply(t)["message"]; got != "unknown message format" {
		t.Errorf("unknown shape: message = %v", got)
	}

	hub.SocketMessage("s", []byte(`not json`))
	if got := conn.lastReply(t)["message"]; got != "invalid JSON" {
		t.Errorf("invalid JSON: message = %v", got)
	}
}
