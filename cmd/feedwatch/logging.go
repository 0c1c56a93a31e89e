package main

import (
	"log"

	"drift-gofeed/internal/jsonl"
)

type feedLogEvent struct {
	TsMs  int64  `json:"ts_ms"`
	Event string `json:"event"` // start | update | refresh | shutdown

	Env        string `json:"env,omitempty"`
	WSURL      string `json:"ws_url,omitempty"`
	Commitment string `json:"commitment,omitempty"`
	Accounts   int    `json:"accounts,omitempty"`

	Key    string `json:"key,omitempty"`
	Pubkey string `json:"pubkey,omitempty"`
	Slot   uint64 `json:"slot,omitempty"`

	DataLen int    `json:"data_len,omitempty"`
	DataB64 string `json:"data_b64,omitempty"`

	Ok       bool   `json:"ok,omitempty"`
	Err      string `json:"err,omitempty"`
	UptimeMs int64  `json:"uptime_ms,omitempty"`
}

func logFeedEvent(w *jsonl.Writer, ev feedLogEvent) {
	if w == nil {
		return
	}
	if err := w.Write(ev); err != nil {
		log.Printf("[warn] feed log write failed: %v", err)
	}
}
