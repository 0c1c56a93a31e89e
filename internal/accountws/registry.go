package accountws

import (
	"context"
	"fmt"
	"log"

	"github.com/gagliardetto/solana-go"
)

// AddAccount registers a logical feed for pubkey. key == "" means the
// canonical feed (the pubkey's own string form); a non-empty key is a
// synthetic feed multiplexed onto the same address with its own decoder.
//
// If initial is nil the snapshot fetcher seeds the first value
// synchronously; a fetch failure is returned and the feed is not
// registered. If the address already has a wire subscription only the new
// key is registered. While disconnected the feed stays desired and is
// subscribed on the next connection.
func (c *Client) AddAccount(ctx context.Context, pubkey solana.PublicKey, key string, decode DecodeFn, initial *DataAndSlot) error {
	if decode == nil {
		return fmt.Errorf("accountws: decoder required for %s", pubkey)
	}
	if key == "" {
		key = pubkey.String()
	}

	c.mu.Lock()
	if existing, ok := c.pubkeyByKey[key]; ok && existing != pubkey {
		c.mu.Unlock()
		return fmt.Errorf("accountws: key %q already bound to %s", key, existing)
	}
	c.registerKeyLocked(pubkey, key, decode)
	if initial != nil {
		c.mergeLocked(key, initial)
	}
	_, subscribed := c.subByPubkey[pubkey]
	hasData := c.dataByKey[key] != nil
	c.mu.Unlock()

	if subscribed {
		// Shares the existing wire subscription; nothing to send.
		return nil
	}

	if !hasData {
		if c.opts.Fetcher == nil {
			c.rollbackKey(pubkey, key)
			return fmt.Errorf("accountws: no initial value and no snapshot fetcher for %s", key)
		}
		ds, err := c.opts.Fetcher.AccountDataAndSlot(ctx, pubkey, decode)
		if err != nil {
			c.rollbackKey(pubkey, key)
			return fmt.Errorf("initial fetch %s: %w", key, err)
		}
		c.mu.Lock()
		c.mergeLocked(key, ds)
		c.mu.Unlock()
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return c.sendSubscribe(conn, pubkey, key)
	}
	return nil
}

func (c *Client) registerKeyLocked(pubkey solana.PublicKey, key string, decode DecodeFn) {
	c.pubkeyByKey[key] = pubkey
	c.decodeByKey[key] = decode
	keys, ok := c.keysByPubkey[pubkey]
	if !ok {
		keys = make(map[string]struct{})
		c.keysByPubkey[pubkey] = keys
		c.order = append(c.order, pubkey)
	}
	keys[key] = struct{}{}
}

// rollbackKey undoes a registration whose initial fetch failed.
func (c *Client) rollbackKey(pubkey solana.PublicKey, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pubkeyByKey, key)
	delete(c.decodeByKey, key)
	delete(c.dataByKey, key)
	if keys, ok := c.keysByPubkey[pubkey]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.keysByPubkey, pubkey)
			c.dropOrderLocked(pubkey)
		}
	}
}

// RemoveAccount drops a logical feed. key == "" removes every feed for the
// address. When the last feed for an address goes, its wire subscription is
// torn down (best-effort unsubscribe frame, errors ignored) and all state
// for the address is purged.
func (c *Client) RemoveAccount(pubkey solana.PublicKey, key string) {
	c.mu.Lock()
	keys := c.keysByPubkey[pubkey]

	if key != "" {
		if _, ok := keys[key]; !ok {
			c.mu.Unlock()
			return
		}
		c.purgeKeyLocked(key)
		delete(keys, key)
		if len(keys) > 0 {
			// Other feeds still reference the address; keep the wire
			// subscription.
			c.mu.Unlock()
			return
		}
	} else {
		for k := range keys {
			c.purgeKeyLocked(k)
		}
	}
	delete(c.keysByPubkey, pubkey)
	c.dropOrderLocked(pubkey)

	subID, subscribed := c.subByPubkey[pubkey]
	if subscribed {
		delete(c.subByPubkey, pubkey)
		delete(c.subByID, subID)
	}
	conn := c.conn
	var reqID uint64
	if subscribed && conn != nil {
		c.reqID++
		reqID = c.reqID
	}
	c.mu.Unlock()

	if subscribed && conn != nil {
		if err := c.writeJSON(conn, unsubscribeRequest(reqID, subID)); err != nil {
			c.debugf("unsubscribe %s: %v", pubkey, err)
		}
	}
}

func (c *Client) purgeKeyLocked(key string) {
	delete(c.pubkeyByKey, key)
	delete(c.decodeByKey, key)
	delete(c.dataByKey, key)
}

func (c *Client) dropOrderLocked(pubkey solana.PublicKey) {
	for i, pk := range c.order {
		if pk == pubkey {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// Get returns the latest merged value for a logical key, or nil.
func (c *Client) Get(key string) *DataAndSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dataByKey[key]
}

// GetByPubkey reads by address: the canonical feed if registered, else the
// address's single synthetic feed. With several synthetic feeds the caller
// must use Get with an explicit key.
func (c *Client) GetByPubkey(pubkey solana.PublicKey) *DataAndSlot {
	c.mu.Lock()
	defer c.mu.Unlock()

	canonical := pubkey.String()
	if ds, ok := c.dataByKey[canonical]; ok {
		return ds
	}
	keys := c.keysByPubkey[pubkey]
	if len(keys) == 1 {
		for k := range keys {
			return c.dataByKey[k]
		}
	}
	return nil
}

// mergeLocked applies the slot-monotonic merge rule: keep the cached value
// unless the new one is at an equal or higher slot (ties favor the newer
// message). Keys no longer registered are refused; decode and snapshot
// fetches run outside the lock, so a removal can land mid-flight and the
// late result must not resurrect the purged feed.
func (c *Client) mergeLocked(key string, nd *DataAndSlot) {
	if nd == nil {
		return
	}
	if _, ok := c.pubkeyByKey[key]; !ok {
		return
	}
	cur := c.dataByKey[key]
	if cur == nil || nd.Slot >= cur.Slot {
		c.dataByKey[key] = nd
	}
}

// Refresh re-reads one feed through the snapshot fetcher and merges the
// result.
func (c *Client) Refresh(ctx context.Context, key string) error {
	if c.opts.Fetcher == nil {
		return fmt.Errorf("accountws: no snapshot fetcher configured")
	}
	c.mu.Lock()
	pubkey, ok := c.pubkeyByKey[key]
	decode := c.decodeByKey[key]
	c.mu.Unlock()
	if !ok || decode == nil {
		return fmt.Errorf("accountws: unknown feed %q", key)
	}

	ds, err := c.opts.Fetcher.AccountDataAndSlot(ctx, pubkey, decode)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", key, err)
	}
	c.mu.Lock()
	c.mergeLocked(key, ds)
	c.mu.Unlock()
	return nil
}

// RefreshAll refreshes every registered feed, attempting all of them and
// returning the first error encountered.
func (c *Client) RefreshAll(ctx context.Context) error {
	c.mu.Lock()
	keys := make([]string, 0, len(c.pubkeyByKey))
	for k := range c.pubkeyByKey {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		if err := c.Refresh(ctx, k); err != nil {
			log.Printf("[warn] %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
