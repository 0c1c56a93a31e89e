package accountws

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/gagliardetto/solana-go"

	"drift-gofeed/internal/driftenv"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

func subscribeRequest(id uint64, pubkey solana.PublicKey, commitment driftenv.Commitment) rpcRequest {
	return rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "accountSubscribe",
		Params: []any{
			pubkey.String(),
			map[string]any{
				"encoding":   "base64",
				"commitment": string(commitment),
			},
		},
	}
}

func unsubscribeRequest(id, subscriptionID uint64) rpcRequest {
	return rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "accountUnsubscribe",
		Params:  []any{subscriptionID},
	}
}

// wireMessage is the inbound frame envelope. Exactly one of the three
// shapes is populated: a response (ID+Result or ID+Error), or a
// notification (Method+Params).
type wireMessage struct {
	ID     json.RawMessage     `json:"id"`
	Method string              `json:"method"`
	Result json.RawMessage     `json:"result"`
	Error  *wireError          `json:"error"`
	Params *notificationParams `json:"params"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type notificationParams struct {
	Subscription uint64             `json:"subscription"`
	Result       notificationResult `json:"result"`
}

type notificationResult struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value struct {
		Data accountData `json:"data"`
	} `json:"value"`
}

// accountData decodes the account bytes field, which arrives either as
// ["<base64>", "base64"] or as a bare base64 string.
type accountData []byte

func (d *accountData) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*d = nil
		return nil
	}

	var s string
	if b[0] == '[' {
		var parts []string
		if err := json.Unmarshal(b, &parts); err != nil {
			return err
		}
		if len(parts) == 0 {
			*d = nil
			return nil
		}
		s = parts[0]
	} else {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	*d = raw
	return nil
}

// parseWireID accepts both numeric and string-quoted request ids; some RPC
// providers echo the id back as a string.
func parseWireID(raw json.RawMessage) (uint64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, false
		}
		return id, true
	}
	var id uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return id, true
}
