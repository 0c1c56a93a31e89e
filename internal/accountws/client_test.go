package accountws

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newWSServer runs a websocket endpoint handing accepted connections to the
// test over a channel, so the test plays the RPC node's side by hand.
func newWSServer(t *testing.T) (string, chan *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 4)
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns
}

func acceptConn(t *testing.T, conns chan *websocket.Conn) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("no websocket connection arrived")
		return nil
	}
}

type serverFrame struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

func serverRead(t *testing.T, conn *websocket.Conn) serverFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f serverFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("server read: %v", err)
	}
	return f
}

func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var f serverFrame
	if err := conn.ReadJSON(&f); err == nil {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func confirmSub(t *testing.T, conn *websocket.Conn, reqID, subID uint64) {
	t.Helper()
	msg := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%d}`, reqID, subID)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func notify(t *testing.T, conn *websocket.Conn, subID, slot uint64, data string) {
	t.Helper()
	msg := fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"accountNotification","params":{"subscription":%d,"result":{"context":{"slot":%d},"value":{"data":["%s","base64"]}}}}`,
		subID, slot, base64.StdEncoding.EncodeToString([]byte(data)))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testClient(url string) *Client {
	return New(Options{
		WSURL:         url,
		ReconnectWait: 10 * time.Millisecond,
	})
}

func TestSubscribeNotifyAndStaleSlot(t *testing.T) {
	url, conns := newWSServer(t)
	c := testClient(url)
	defer c.Unsubscribe()
	ctx := context.Background()

	if err := c.AddAccount(ctx, pkSystem, "", strDecode, &DataAndSlot{Slot: 1, Data: "a0"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.AddAccount(ctx, pkClock, "", strDecode, &DataAndSlot{Slot: 1, Data: "b0"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := c.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := c.Subscribe(ctx); err != nil {
		t.Fatalf("second Subscribe: %v", err)
	}

	conn := acceptConn(t, conns)
	f1 := serverRead(t, conn)
	f2 := serverRead(t, conn)
	if f1.Method != "accountSubscribe" || f2.Method != "accountSubscribe" {
		t.Fatalf("expected two subscribes, got %q %q", f1.Method, f2.Method)
	}
	if f1.Params[0].(string) != pkSystem.String() || f2.Params[0].(string) != pkClock.String() {
		t.Fatalf("subscribe order: %v %v", f1.Params[0], f2.Params[0])
	}
	confirmSub(t, conn, f1.ID, 10)
	confirmSub(t, conn, f2.ID, 20)

	notify(t, conn, 10, 100, "X")
	waitFor(t, "slot 100", func() bool {
		ds := c.Get(pkSystem.String())
		return ds != nil && ds.Slot == 100
	})

	// A stale push must not regress the cache. The fresh push for the
	// second account acts as an ordering sentinel: frames on one
	// connection are handled sequentially.
	notify(t, conn, 10, 99, "stale")
	notify(t, conn, 20, 50, "b1")
	waitFor(t, "sentinel", func() bool {
		ds := c.Get(pkClock.String())
		return ds != nil && ds.Slot == 50
	})
	if ds := c.Get(pkSystem.String()); ds.Slot != 100 || ds.Data.(string) != "X" {
		t.Fatalf("stale push applied: %#v", ds)
	}

	// An equal-slot push replaces the cached value.
	notify(t, conn, 10, 100, "X2")
	notify(t, conn, 20, 51, "b2")
	waitFor(t, "sentinel 2", func() bool {
		ds := c.Get(pkClock.String())
		return ds != nil && ds.Slot == 51
	})
	if ds := c.Get(pkSystem.String()); ds.Data.(string) != "X2" {
		t.Fatalf("equal slot not replaced: %#v", ds)
	}

	if !c.IsSubscribed() {
		t.Fatalf("expected IsSubscribed")
	}
}

func TestAddressDedupAndFanOut(t *testing.T) {
	url, conns := newWSServer(t)
	c := testClient(url)
	defer c.Unsubscribe()
	ctx := context.Background()

	if err := c.AddAccount(ctx, pkSystem, "", strDecode, &DataAndSlot{Slot: 1, Data: "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	conn := acceptConn(t, conns)
	f := serverRead(t, conn)
	confirmSub(t, conn, f.ID, 7)
	waitFor(t, "connected", c.IsSubscribed)

	// More feeds on an already-subscribed address must not hit the wire.
	if err := c.AddAccount(ctx, pkSystem, "second", strDecode, &DataAndSlot{Slot: 1, Data: "s"}); err != nil {
		t.Fatalf("add second: %v", err)
	}
	badDecode := func([]byte) (any, error) { return nil, fmt.Errorf("always fails") }
	if err := c.AddAccount(ctx, pkSystem, "broken", badDecode, &DataAndSlot{Slot: 1, Data: "seed"}); err != nil {
		t.Fatalf("add broken: %v", err)
	}
	// A fresh address does subscribe. Writes are serialized, so the very
	// next frame being the clock subscribe proves the two adds above sent
	// nothing.
	if err := c.AddAccount(ctx, pkClock, "", strDecode, &DataAndSlot{Slot: 1, Data: "b"}); err != nil {
		t.Fatalf("add clock: %v", err)
	}
	f2 := serverRead(t, conn)
	if f2.Method != "accountSubscribe" || f2.Params[0].(string) != pkClock.String() {
		t.Fatalf("expected subscribe for %s, got %+v", pkClock, f2)
	}
	confirmSub(t, conn, f2.ID, 8)

	// One push fans out to every feed on the address; the broken decoder
	// only loses its own update.
	notify(t, conn, 7, 200, "fresh")
	waitFor(t, "fan out", func() bool {
		a := c.Get(pkSystem.String())
		b := c.Get("second")
		return a != nil && a.Slot == 200 && b != nil && b.Slot == 200
	})
	if ds := c.Get("broken"); ds == nil || ds.Slot != 1 || ds.Data.(string) != "seed" {
		t.Fatalf("broken feed should keep its seed: %#v", ds)
	}
}

func TestReconnectResubscribesOnce(t *testing.T) {
	url, conns := newWSServer(t)
	c := testClient(url)
	defer c.Unsubscribe()
	ctx := context.Background()

	// Two feeds, one address: reconnect must send exactly one subscribe.
	if err := c.AddAccount(ctx, pkSystem, "", strDecode, &DataAndSlot{Slot: 1, Data: "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.AddAccount(ctx, pkSystem, "extra", strDecode, &DataAndSlot{Slot: 1, Data: "e"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	conn1 := acceptConn(t, conns)
	f1 := serverRead(t, conn1)
	confirmSub(t, conn1, f1.ID, 7)
	expectNoFrame(t, conn1)
	conn1.Close()

	conn2 := acceptConn(t, conns)
	f2 := serverRead(t, conn2)
	if f2.Method != "accountSubscribe" || f2.Params[0].(string) != pkSystem.String() {
		t.Fatalf("resubscribe frame: %+v", f2)
	}
	expectNoFrame(t, conn2)

	// A confirmation for the dead connection's request id must be dropped,
	// not matched to the pending resubscribe.
	confirmSub(t, conn2, f1.ID, 77)
	confirmSub(t, conn2, f2.ID, 99)
	notify(t, conn2, 99, 300, "after")
	waitFor(t, "post-reconnect update", func() bool {
		ds := c.Get(pkSystem.String())
		return ds != nil && ds.Slot == 300 && ds.Data.(string) == "after"
	})

	// The stale subscription id from before the drop stays dead.
	notify(t, conn2, 77, 400, "ghost")
	notify(t, conn2, 99, 301, "sentinel")
	waitFor(t, "sentinel", func() bool {
		ds := c.Get(pkSystem.String())
		return ds != nil && ds.Slot == 301
	})
	if ds := c.Get(pkSystem.String()); ds.Data.(string) != "sentinel" {
		t.Fatalf("ghost subscription delivered: %#v", ds)
	}
}

func TestConfirmationWithoutID(t *testing.T) {
	url, conns := newWSServer(t)
	c := testClient(url)
	defer c.Unsubscribe()
	ctx := context.Background()

	if err := c.AddAccount(ctx, pkSystem, "", strDecode, &DataAndSlot{Slot: 1, Data: "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	conn := acceptConn(t, conns)
	serverRead(t, conn)

	// Some servers omit the echoed request id; the oldest pending
	// subscribe gets matched.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","result":55}`)); err != nil {
		t.Fatalf("server write: %v", err)
	}
	notify(t, conn, 55, 100, "matched")
	waitFor(t, "fallback-matched update", func() bool {
		ds := c.Get(pkSystem.String())
		return ds != nil && ds.Slot == 100
	})
}

func TestSubscribeErrorResponse(t *testing.T) {
	url, conns := newWSServer(t)
	c := testClient(url)
	defer c.Unsubscribe()
	ctx := context.Background()

	if err := c.AddAccount(ctx, pkSystem, "", strDecode, &DataAndSlot{Slot: 5, Data: "kept"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	conn := acceptConn(t, conns)
	f := serverRead(t, conn)

	msg := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32602,"message":"invalid params"}}`, f.ID)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("server write: %v", err)
	}

	// The rejection clears the pending request but leaves the cache.
	waitFor(t, "inflight cleared", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.inflight) == 0
	})
	if ds := c.Get(pkSystem.String()); ds == nil || ds.Data.(string) != "kept" {
		t.Fatalf("cache lost after subscribe error: %#v", ds)
	}
}

func TestRemoveAccountSendsUnsubscribe(t *testing.T) {
	url, conns := newWSServer(t)
	c := testClient(url)
	defer c.Unsubscribe()
	ctx := context.Background()

	if err := c.AddAccount(ctx, pkSystem, "", strDecode, &DataAndSlot{Slot: 1, Data: "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	conn := acceptConn(t, conns)
	f := serverRead(t, conn)
	confirmSub(t, conn, f.ID, 42)
	waitFor(t, "confirmed", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.subByPubkey[pkSystem]
		return ok
	})

	c.RemoveAccount(pkSystem, "")
	f2 := serverRead(t, conn)
	if f2.Method != "accountUnsubscribe" {
		t.Fatalf("expected accountUnsubscribe, got %+v", f2)
	}
	if got := f2.Params[0].(float64); uint64(got) != 42 {
		t.Fatalf("unsubscribe sub id: %v", f2.Params[0])
	}
	if ds := c.Get(pkSystem.String()); ds != nil {
		t.Fatalf("removed feed still cached: %#v", ds)
	}
}

func TestRemoveAccountDuringDecode(t *testing.T) {
	url, conns := newWSServer(t)
	c := testClient(url)
	defer c.Unsubscribe()
	ctx := context.Background()

	entered := make(chan struct{})
	gate := make(chan struct{})
	first := true
	slowDecode := func(b []byte) (any, error) {
		if first {
			first = false
			entered <- struct{}{}
			<-gate
		}
		return string(b), nil
	}

	if err := c.AddAccount(ctx, pkClock, "slow", slowDecode, &DataAndSlot{Slot: 1, Data: "seed"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.AddAccount(ctx, pkRent, "", strDecode, &DataAndSlot{Slot: 1, Data: "other"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	conn := acceptConn(t, conns)
	f1 := serverRead(t, conn)
	f2 := serverRead(t, conn)
	confirmSub(t, conn, f1.ID, 5)
	confirmSub(t, conn, f2.ID, 6)

	// Park the reader inside the slow feed's decoder, remove the feed,
	// then let the decode finish. The late result must not be merged.
	notify(t, conn, 5, 10, "late")
	<-entered
	c.RemoveAccount(pkClock, "slow")
	close(gate)

	// Sentinel on the other feed: the reader only reaches it after the
	// late merge was attempted.
	notify(t, conn, 6, 20, "sentinel")
	waitFor(t, "sentinel", func() bool {
		ds := c.Get(pkRent.String())
		return ds != nil && ds.Slot == 20
	})
	if ds := c.Get("slow"); ds != nil {
		t.Fatalf("removed feed resurrected by late decode: %#v", ds)
	}
}

func TestUnsubscribeStopsAndResets(t *testing.T) {
	url, conns := newWSServer(t)
	c := testClient(url)
	ctx := context.Background()

	if err := c.AddAccount(ctx, pkSystem, "", strDecode, &DataAndSlot{Slot: 1, Data: "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	conn := acceptConn(t, conns)
	f := serverRead(t, conn)
	confirmSub(t, conn, f.ID, 42)
	waitFor(t, "confirmed", func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.subByID) == 1
	})

	c.Unsubscribe()

	if c.IsSubscribed() {
		t.Fatalf("still subscribed after Unsubscribe")
	}
	if ds := c.Get(pkSystem.String()); ds != nil {
		t.Fatalf("cache survived Unsubscribe: %#v", ds)
	}
	c.mu.Lock()
	if c.running || c.conn != nil || c.reqID != 0 ||
		len(c.pubkeyByKey) != 0 || len(c.subByID) != 0 || len(c.inflight) != 0 {
		c.mu.Unlock()
		t.Fatalf("state not reset after Unsubscribe")
	}
	c.mu.Unlock()

	// Idempotent, including on a never-restarted client.
	c.Unsubscribe()

	// The stopped client does not reconnect.
	select {
	case <-conns:
		t.Fatalf("client reconnected after Unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeRequiresURL(t *testing.T) {
	c := New(Options{})
	if err := c.Subscribe(context.Background()); err == nil {
		t.Fatalf("expected error without WSURL")
	}
}
