// Package rpc is a minimal Solana JSON-RPC HTTP client covering the
// account reads the feed manager needs: one-shot snapshots and chunked
// multi-account fetches.
package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"drift-gofeed/internal/accountws"
	"drift-gofeed/internal/driftenv"
)

// multipleAccountsChunk bounds getMultipleAccounts batches; public RPC
// nodes cap the key list per request.
const multipleAccountsChunk = 75

type Client struct {
	host       string
	commitment driftenv.Commitment
	httpClient *http.Client
}

func NewClient(host string, commitment driftenv.Commitment) (*Client, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return nil, fmt.Errorf("rpc host required")
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("rpc url parse %q: %w", host, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("rpc url must be http(s), got %q", host)
	}
	if commitment == "" {
		commitment = driftenv.CommitmentConfirmed
	}
	return &Client{
		host:       host,
		commitment: commitment,
		httpClient: &http.Client{Timeout: 12 * time.Second},
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type accountInfoResult struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value *accountValue `json:"value"`
}

type multipleAccountsResult struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value []*accountValue `json:"value"`
}

type accountValue struct {
	Data []string `json:"data"`
}

func (v *accountValue) bytes() ([]byte, error) {
	if v == nil || len(v.Data) == 0 {
		return nil, fmt.Errorf("empty account data")
	}
	return base64.StdEncoding.DecodeString(v.Data[0])
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc %s: status=%d body=%q", method, resp.StatusCode, readBodyLimit(resp.Body, 8<<10))
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("rpc %s decode: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("rpc %s: %d %s", method, rr.Error.Code, rr.Error.Message)
	}
	return json.Unmarshal(rr.Result, out)
}

// AccountDataAndSlot fetches one account's current bytes via
// getAccountInfo and decodes them. A missing account is an error.
func (c *Client) AccountDataAndSlot(ctx context.Context, pubkey solana.PublicKey, decode accountws.DecodeFn) (*accountws.DataAndSlot, error) {
	if decode == nil {
		return nil, fmt.Errorf("rpc: decoder required")
	}
	var res accountInfoResult
	params := []any{
		pubkey.String(),
		map[string]any{"encoding": "base64", "commitment": string(c.commitment)},
	}
	if err := c.call(ctx, "getAccountInfo", params, &res); err != nil {
		return nil, err
	}
	if res.Value == nil {
		return nil, fmt.Errorf("account %s not found", pubkey)
	}
	raw, err := res.Value.bytes()
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", pubkey, err)
	}
	data, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", pubkey, err)
	}
	return &accountws.DataAndSlot{Slot: res.Context.Slot, Data: data}, nil
}

// MultipleAccountsDataAndSlot fetches many accounts via chunked
// getMultipleAccounts calls. The result slice matches the input by index;
// missing accounts yield nil entries rather than shifting their neighbors.
func (c *Client) MultipleAccountsDataAndSlot(ctx context.Context, pubkeys []solana.PublicKey, decode accountws.DecodeFn) ([]*accountws.DataAndSlot, error) {
	if decode == nil {
		return nil, fmt.Errorf("rpc: decoder required")
	}
	out := make([]*accountws.DataAndSlot, len(pubkeys))

	for start := 0; start < len(pubkeys); start += multipleAccountsChunk {
		end := start + multipleAccountsChunk
		if end > len(pubkeys) {
			end = len(pubkeys)
		}
		chunk := pubkeys[start:end]

		keys := make([]string, len(chunk))
		for i, pk := range chunk {
			keys[i] = pk.String()
		}
		var res multipleAccountsResult
		params := []any{
			keys,
			map[string]any{"encoding": "base64", "commitment": string(c.commitment)},
		}
		if err := c.call(ctx, "getMultipleAccounts", params, &res); err != nil {
			return nil, err
		}
		if len(res.Value) != len(chunk) {
			return nil, fmt.Errorf("getMultipleAccounts: got %d values for %d keys", len(res.Value), len(chunk))
		}
		for i, v := range res.Value {
			if v == nil {
				continue
			}
			raw, err := v.bytes()
			if err != nil {
				return nil, fmt.Errorf("account %s: %w", chunk[i], err)
			}
			data, err := decode(raw)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", chunk[i], err)
			}
			out[start+i] = &accountws.DataAndSlot{Slot: res.Context.Slot, Data: data}
		}
	}
	return out, nil
}

func readBodyLimit(r io.Reader, max int64) string {
	if r == nil || max <= 0 {
		return ""
	}
	lr := &io.LimitedReader{R: r, N: max}
	b, _ := io.ReadAll(lr)
	return strings.TrimSpace(string(b))
}
