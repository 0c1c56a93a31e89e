// Package dlob reads L2/L3 order books from a DLOB server over HTTP and
// can poll one into a channel.
package dlob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

type MarketKind string

const (
	MarketPerp MarketKind = "perp"
	MarketSpot MarketKind = "spot"
)

// MarketID names one market on the DLOB server.
type MarketID struct {
	Index int
	Kind  MarketKind
}

func (m MarketID) String() string {
	return string(m.Kind) + "-" + strconv.Itoa(m.Index)
}

type L2Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	// Sources breaks the size down by liquidity source (dlob, vamm, ...).
	Sources map[string]decimal.Decimal `json:"sources,omitempty"`
}

type L2OrderBook struct {
	Bids []L2Level `json:"bids"`
	Asks []L2Level `json:"asks"`
	Slot uint64    `json:"slot"`
}

type L3Level struct {
	Price   decimal.Decimal
	Size    decimal.Decimal
	Maker   solana.PublicKey
	OrderID uint64
}

type L3OrderBook struct {
	Bids []L3Level
	Asks []L3Level
	Slot uint64
}

type Client struct {
	host       string
	httpClient *http.Client
}

func NewClient(host string) (*Client, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return nil, fmt.Errorf("dlob host required")
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("dlob url parse %q: %w", host, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("dlob url must be http(s), got %q", host)
	}
	return &Client{
		host:       host,
		httpClient: &http.Client{Timeout: 12 * time.Second},
	}, nil
}

func (c *Client) get(ctx context.Context, path string, market MarketID, out any) error {
	q := url.Values{}
	q.Set("marketType", string(market.Kind))
	q.Set("marketIndex", strconv.Itoa(market.Index))
	endpoint := c.host + path + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dlob %s: status=%d body=%q", endpoint, resp.StatusCode, readBodyLimit(resp.Body, 8<<10))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("dlob decode: %w", err)
	}
	return nil
}

// L2 fetches the aggregated book for one market.
func (c *Client) L2(ctx context.Context, market MarketID) (*L2OrderBook, error) {
	var book L2OrderBook
	if err := c.get(ctx, "/l2", market, &book); err != nil {
		return nil, err
	}
	return &book, nil
}

type l3WireLevel struct {
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Maker   string          `json:"maker"`
	OrderID uint64          `json:"orderId"`
}

type l3WireBook struct {
	Bids []l3WireLevel `json:"bids"`
	Asks []l3WireLevel `json:"asks"`
	Slot uint64        `json:"slot"`
}

// L3 fetches the per-order book; maker pubkeys are validated on decode.
func (c *Client) L3(ctx context.Context, market MarketID) (*L3OrderBook, error) {
	var wire l3WireBook
	if err := c.get(ctx, "/l3", market, &wire); err != nil {
		return nil, err
	}
	book := &L3OrderBook{Slot: wire.Slot}
	var err error
	if book.Bids, err = l3Levels(wire.Bids); err != nil {
		return nil, err
	}
	if book.Asks, err = l3Levels(wire.Asks); err != nil {
		return nil, err
	}
	return book, nil
}

func l3Levels(wire []l3WireLevel) ([]L3Level, error) {
	if len(wire) == 0 {
		return nil, nil
	}
	out := make([]L3Level, 0, len(wire))
	for _, lv := range wire {
		maker, err := solana.PublicKeyFromBase58(lv.Maker)
		if err != nil {
			return nil, fmt.Errorf("dlob maker %q: %w", lv.Maker, err)
		}
		out = append(out, L3Level{Price: lv.Price, Size: lv.Size, Maker: maker, OrderID: lv.OrderID})
	}
	return out, nil
}

// FallbackSource contributes synthetic liquidity (e.g. a vAMM curve) to a
// fetched book. Alternate shapes are normalized into this capability at
// the boundary, not handled per call site.
type FallbackSource interface {
	L2Bids() []L2Level
	L2Asks() []L2Level
}

// FallbackFuncs adapts a pair of level generators into a FallbackSource.
type FallbackFuncs struct {
	Bids func() []L2Level
	Asks func() []L2Level
}

func (f FallbackFuncs) L2Bids() []L2Level {
	if f.Bids == nil {
		return nil
	}
	return f.Bids()
}

func (f FallbackFuncs) L2Asks() []L2Level {
	if f.Asks == nil {
		return nil
	}
	return f.Asks()
}

// MergeFallback returns a copy of book with the fallback levels merged in:
// bids sorted descending, asks ascending, both capped at depth (0 = no
// cap). Levels at an equal price are coalesced.
func MergeFallback(book *L2OrderBook, src FallbackSource, depth int) *L2OrderBook {
	if book == nil {
		return nil
	}
	if src == nil {
		return book
	}
	merged := &L2OrderBook{Slot: book.Slot}
	merged.Bids = mergeLevels(book.Bids, src.L2Bids(), true, depth)
	merged.Asks = mergeLevels(book.Asks, src.L2Asks(), false, depth)
	return merged
}

func mergeLevels(a, b []L2Level, descending bool, depth int) []L2Level {
	byPrice := make(map[string]L2Level, len(a)+len(b))
	add := func(lv L2Level) {
		k := lv.Price.String()
		cur, ok := byPrice[k]
		if !ok {
			byPrice[k] = L2Level{Price: lv.Price, Size: lv.Size}
			return
		}
		cur.Size = cur.Size.Add(lv.Size)
		byPrice[k] = cur
	}
	for _, lv := range a {
		add(lv)
	}
	for _, lv := range b {
		add(lv)
	}

	out := make([]L2Level, 0, len(byPrice))
	for _, lv := range byPrice {
		out = append(out, lv)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}

func readBodyLimit(r io.Reader, max int64) string {
	if r == nil || max <= 0 {
		return ""
	}
	lr := &io.LimitedReader{R: r, N: max}
	b, _ := io.ReadAll(lr)
	return strings.TrimSpace(string(b))
}
