package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// WatchedAccount records one feed the watcher was following when the
// checkpoint was written.
type WatchedAccount struct {
	Pubkey string `json:"pubkey"`
	Key    string `json:"key,omitempty"`
}

type Checkpoint struct {
	Env        string `json:"env"`
	WSURL      string `json:"ws_url"`
	Commitment string `json:"commitment"`

	Accounts []WatchedAccount `json:"accounts"`

	// LastSlotByKey is the highest slot observed per logical key.
	LastSlotByKey map[string]uint64 `json:"last_slot_by_key,omitempty"`
}

// Compatible reports whether a loaded checkpoint belongs to the same run
// configuration; slots from a different env or endpoint are meaningless.
func (c Checkpoint) Compatible(env, wsURL string) bool {
	return c.Env == env && c.WSURL == wsURL
}

func LoadCheckpoint(path string) (Checkpoint, bool, error) {
	if path == "" {
		return Checkpoint{}, false, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, err
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(b, &ckpt); err != nil {
		return Checkpoint{}, false, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return ckpt, true, nil
}

// SaveCheckpoint writes atomically (temp file then rename) so a crash
// mid-write never leaves a truncated checkpoint behind. Accounts are
// sorted for stable diffs.
func SaveCheckpoint(path string, ckpt Checkpoint) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	sort.Slice(ckpt.Accounts, func(i, j int) bool {
		if ckpt.Accounts[i].Pubkey != ckpt.Accounts[j].Pubkey {
			return ckpt.Accounts[i].Pubkey < ckpt.Accounts[j].Pubkey
		}
		return ckpt.Accounts[i].Key < ckpt.Accounts[j].Key
	})

	b, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
