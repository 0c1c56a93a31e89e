// Package accountws multiplexes many logical account feeds over one Solana
// accountSubscribe websocket. One address carries one wire subscription per
// connection; any number of logical keys (the address's own string, or
// synthetic ids when one account must be decoded several ways) fan out from
// it, each with its own decoder and slot-stamped cache entry.
package accountws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"drift-gofeed/internal/driftenv"
)

// DecodeFn turns raw account bytes into a typed record. Supplied per
// logical key; a failure drops the update for that key only.
type DecodeFn func([]byte) (any, error)

// DataAndSlot is a decoded value stamped with the ledger slot it was
// observed at. Slot ordering decides staleness: a cached entry is only
// replaced by a value with an equal or higher slot.
type DataAndSlot struct {
	Slot uint64
	Data any
}

// SnapshotFetcher is the point-in-time read used to seed a feed before its
// push subscription confirms and for on-demand refresh.
type SnapshotFetcher interface {
	AccountDataAndSlot(ctx context.Context, pubkey solana.PublicKey, decode DecodeFn) (*DataAndSlot, error)
}

const (
	DefaultReconnectWait = 1 * time.Second
	DefaultWriteTimeout  = 3 * time.Second
	DefaultCloseTimeout  = 500 * time.Millisecond
	DefaultDrainTimeout  = 2 * time.Second
)

type Options struct {
	// WSURL is the accountSubscribe websocket endpoint.
	WSURL string

	Commitment driftenv.Commitment

	// Fetcher seeds initial values and serves Refresh. Optional: without
	// it, AddAccount requires an explicit initial value.
	Fetcher SnapshotFetcher

	ReconnectWait time.Duration
	WriteTimeout  time.Duration
	CloseTimeout  time.Duration
	DrainTimeout  time.Duration

	// Debug enables per-frame logging.
	Debug bool
}

func (o Options) withDefaults() Options {
	if o.Commitment == "" {
		o.Commitment = driftenv.CommitmentConfirmed
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = DefaultReconnectWait
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	return o
}

type inflightSub struct {
	pubkey solana.PublicKey
	key    string
}

// Client is the subscription manager. One mutex guards every map; network
// I/O, decoding and snapshot fetches all happen outside it.
type Client struct {
	opts Options

	writeMu sync.Mutex // serializes conn writes

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	conn    *websocket.Conn

	// registry
	pubkeyByKey  map[string]solana.PublicKey
	decodeByKey  map[string]DecodeFn
	dataByKey    map[string]*DataAndSlot
	keysByPubkey map[solana.PublicKey]map[string]struct{}
	order        []solana.PublicKey // addresses in first-added order

	// wire subscriptions (valid for one connection)
	subByID     map[uint64]solana.PublicKey
	subByPubkey map[solana.PublicKey]uint64

	// request correlation
	reqID     uint64
	inflight  map[uint64]inflightSub
	sendOrder []uint64 // inflight ids in send order, for id-less confirmations
}

func New(opts Options) *Client {
	return &Client{
		opts:         opts.withDefaults(),
		pubkeyByKey:  make(map[string]solana.PublicKey),
		decodeByKey:  make(map[string]DecodeFn),
		dataByKey:    make(map[string]*DataAndSlot),
		keysByPubkey: make(map[solana.PublicKey]map[string]struct{}),
		subByID:      make(map[uint64]solana.PublicKey),
		subByPubkey:  make(map[solana.PublicKey]uint64),
		inflight:     make(map[uint64]inflightSub),
	}
}

// Subscribe starts the background connect/read/reconnect loop. Feeds added
// before or during an outage are subscribed once a connection is up.
// Calling Subscribe on a running client is a no-op.
func (c *Client) Subscribe(ctx context.Context) error {
	if c.opts.WSURL == "" {
		return fmt.Errorf("accountws: WSURL required")
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.run(runCtx, done)
	return nil
}

// IsSubscribed reports whether the client is running and currently
// connected.
func (c *Client) IsSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && c.conn != nil
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.WSURL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[warn] ws dial %s: %v", c.opts.WSURL, err)
			if !sleepCtx(ctx, c.opts.ReconnectWait) {
				return
			}
			continue
		}

		session := uuid.NewString()
		c.debugf("connected session=%s", session)

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		// Unblock a pending read when the run context is cancelled.
		sessionCtx, sessionCancel := context.WithCancel(ctx)
		go func() {
			<-sessionCtx.Done()
			_ = conn.Close()
		}()

		c.resubscribeAll(conn)
		readErr := c.readLoop(ctx, conn)
		sessionCancel()
		c.clearConnState(conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		if readErr != nil {
			log.Printf("[warn] ws session=%s: %v (reconnecting)", session, readErr)
		}
		if !sleepCtx(ctx, c.opts.ReconnectWait) {
			return
		}
	}
}

// resubscribeAll issues one subscribe per desired address, deduplicated
// across logical keys, in first-added order.
func (c *Client) resubscribeAll(conn *websocket.Conn) {
	c.mu.Lock()
	desired := make([]solana.PublicKey, 0, len(c.order))
	for _, pk := range c.order {
		if _, ok := c.subByPubkey[pk]; ok {
			continue
		}
		desired = append(desired, pk)
	}
	c.mu.Unlock()

	for _, pk := range desired {
		if err := c.sendSubscribe(conn, pk, ""); err != nil {
			log.Printf("[warn] resubscribe %s: %v", pk, err)
		}
	}
}

// sendSubscribe allocates a request id, records it in-flight and transmits
// the subscribe frame. A transmit failure retracts the in-flight entry. It
// is a no-op if the address already has a live or pending subscription.
func (c *Client) sendSubscribe(conn *websocket.Conn, pubkey solana.PublicKey, key string) error {
	c.mu.Lock()
	if _, ok := c.subByPubkey[pubkey]; ok {
		c.mu.Unlock()
		return nil
	}
	for _, fl := range c.inflight {
		if fl.pubkey == pubkey {
			c.mu.Unlock()
			return nil
		}
	}
	c.reqID++
	id := c.reqID
	c.inflight[id] = inflightSub{pubkey: pubkey, key: key}
	c.sendOrder = append(c.sendOrder, id)
	c.mu.Unlock()

	if err := c.writeJSON(conn, subscribeRequest(id, pubkey, c.opts.Commitment)); err != nil {
		c.mu.Lock()
		delete(c.inflight, id)
		c.dropSendOrderLocked(id)
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", pubkey, err)
	}
	c.debugf("subscribe sent request=%d pubkey=%s", id, pubkey)
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		c.handleMessage(msg)
	}
}

// clearConnState wipes everything scoped to one connection: the wire
// subscription maps and all in-flight requests. Cached values stay; they
// are stale-but-present until the next connection refreshes them.
func (c *Client) clearConnState(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	c.subByID = make(map[uint64]solana.PublicKey)
	c.subByPubkey = make(map[solana.PublicKey]uint64)
	c.inflight = make(map[uint64]inflightSub)
	c.sendOrder = nil
}

// Unsubscribe stops the client: best-effort unsubscribe frames, graceful
// then forced socket close, a bounded wait for the reader, and a full wipe
// of registry and correlator state (including the request-id counter).
// Safe to call twice and on a never-started client.
func (c *Client) Unsubscribe() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.cancel = nil
	done := c.done
	c.done = nil
	conn := c.conn
	subIDs := make([]uint64, 0, len(c.subByID))
	for id := range c.subByID {
		subIDs = append(subIDs, id)
	}
	c.mu.Unlock()

	if conn != nil {
		for _, subID := range subIDs {
			c.mu.Lock()
			c.reqID++
			id := c.reqID
			c.mu.Unlock()
			// Fire-and-forget; the connection is going away regardless.
			_ = c.writeJSON(conn, unsubscribeRequest(id, subID))
		}
		deadline := time.Now().Add(c.opts.CloseTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	}

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(c.opts.DrainTimeout):
			log.Printf("[warn] ws reader did not stop within %s", c.opts.DrainTimeout)
		}
	}

	c.mu.Lock()
	c.conn = nil
	c.pubkeyByKey = make(map[string]solana.PublicKey)
	c.decodeByKey = make(map[string]DecodeFn)
	c.dataByKey = make(map[string]*DataAndSlot)
	c.keysByPubkey = make(map[solana.PublicKey]map[string]struct{})
	c.order = nil
	c.subByID = make(map[uint64]solana.PublicKey)
	c.subByPubkey = make(map[solana.PublicKey]uint64)
	c.inflight = make(map[uint64]inflightSub)
	c.sendOrder = nil
	c.reqID = 0
	c.mu.Unlock()
}

func (c *Client) handleMessage(msg []byte) {
	var m wireMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		c.debugf("malformed frame: %v", err)
		return
	}

	switch {
	case m.Method == "accountNotification" && m.Params != nil:
		c.handleNotification(m.Params)
	case m.Error != nil:
		c.handleErrorResponse(m.ID, m.Error)
	case len(m.Result) > 0:
		var subID uint64
		if err := json.Unmarshal(m.Result, &subID); err == nil {
			c.handleConfirmation(m.ID, subID)
			return
		}
		var ok bool
		if err := json.Unmarshal(m.Result, &ok); err == nil {
			c.debugf("unsubscribe ack: %v", ok)
			return
		}
		c.debugf("unrecognized result frame: %s", m.Result)
	default:
		c.debugf("unrecognized frame: %s", msg)
	}
}

func (c *Client) handleConfirmation(rawID json.RawMessage, subID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := parseWireID(rawID); ok {
		fl, found := c.inflight[id]
		if !found {
			// Stale or duplicate: likely a confirmation from before the
			// last reconnect. Nothing references it anymore.
			log.Printf("[warn] confirmation for unknown request id=%d sub=%d (dropped)", id, subID)
			return
		}
		delete(c.inflight, id)
		c.dropSendOrderLocked(id)
		c.confirmLocked(fl.pubkey, subID)
		c.debugf("subscription confirmed request=%d sub=%d pubkey=%s", id, subID, fl.pubkey)
		return
	}

	// Legacy servers omit the echoed request id. Match the oldest subscribe
	// still awaiting confirmation; fragile under reordering, hence the
	// warning.
	for len(c.sendOrder) > 0 {
		id := c.sendOrder[0]
		c.sendOrder = c.sendOrder[1:]
		fl, found := c.inflight[id]
		if !found {
			continue
		}
		delete(c.inflight, id)
		c.confirmLocked(fl.pubkey, subID)
		log.Printf("[warn] confirmation without request id: matched oldest pending subscribe pubkey=%s sub=%d", fl.pubkey, subID)
		return
	}
	log.Printf("[warn] confirmation without request id and no pending subscribes (sub=%d, dropped)", subID)
}

func (c *Client) confirmLocked(pubkey solana.PublicKey, subID uint64) {
	c.subByID[subID] = pubkey
	c.subByPubkey[pubkey] = subID
}

func (c *Client) handleErrorResponse(rawID json.RawMessage, werr *wireError) {
	id, ok := parseWireID(rawID)
	if !ok {
		log.Printf("[warn] rpc error without id: %d %s", werr.Code, werr.Message)
		return
	}
	c.mu.Lock()
	fl, found := c.inflight[id]
	if found {
		delete(c.inflight, id)
		c.dropSendOrderLocked(id)
	}
	c.mu.Unlock()
	if found {
		log.Printf("[warn] subscribe failed pubkey=%s: %d %s", fl.pubkey, werr.Code, werr.Message)
		return
	}
	log.Printf("[warn] rpc error for request id=%d: %d %s", id, werr.Code, werr.Message)
}

func (c *Client) handleNotification(p *notificationParams) {
	slot := p.Result.Context.Slot
	raw := []byte(p.Result.Value.Data)

	type target struct {
		key    string
		decode DecodeFn
	}

	c.mu.Lock()
	pubkey, ok := c.subByID[p.Subscription]
	if !ok {
		c.mu.Unlock()
		log.Printf("[warn] notification for unknown subscription id=%d (dropped)", p.Subscription)
		return
	}
	targets := make([]target, 0, len(c.keysByPubkey[pubkey]))
	for key := range c.keysByPubkey[pubkey] {
		targets = append(targets, target{key: key, decode: c.decodeByKey[key]})
	}
	c.mu.Unlock()

	// Decode per key outside the lock. One bad decoder (or one malformed
	// push, which RPC nodes do emit) must not affect sibling keys.
	decoded := make(map[string]*DataAndSlot, len(targets))
	for _, tgt := range targets {
		if tgt.decode == nil {
			continue
		}
		v, err := tgt.decode(raw)
		if err != nil {
			c.debugf("decode %s slot=%d: %v", tgt.key, slot, err)
			continue
		}
		decoded[tgt.key] = &DataAndSlot{Slot: slot, Data: v}
	}
	if len(decoded) == 0 {
		return
	}

	c.mu.Lock()
	for key, ds := range decoded {
		c.mergeLocked(key, ds)
	}
	c.mu.Unlock()
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return conn.WriteJSON(v)
}

func (c *Client) dropSendOrderLocked(id uint64) {
	for i, v := range c.sendOrder {
		if v == id {
			c.sendOrder = append(c.sendOrder[:i], c.sendOrder[i+1:]...)
			return
		}
	}
}

func (c *Client) debugf(format string, args ...any) {
	if c.opts.Debug {
		log.Printf("[ws] "+format, args...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
