package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"

	"drift-gofeed/internal/accountws"
	"drift-gofeed/internal/dotenv"
	"drift-gofeed/internal/driftenv"
	"drift-gofeed/internal/jsonl"
	"drift-gofeed/internal/rpc"
	"drift-gofeed/internal/state"
)

type watchedArg struct {
	pubkey solana.PublicKey
	key    string
}

func (w watchedArg) logicalKey() string {
	if w.key != "" {
		return w.key
	}
	return w.pubkey.String()
}

type args struct {
	env        driftenv.Env
	rpcURL     string
	wsURL      string
	commitment driftenv.Commitment

	accounts []watchedArg

	pollInterval    time.Duration
	refreshInterval time.Duration

	checkpointFile string
	outFile        string
	maxDataB64     int
	debug          bool
}

const defaultFeedOutFile = "./out/feedwatch.jsonl"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := dotenv.Load(); err != nil {
		log.Printf("[warn] %v", err)
	}

	parsed, err := parseArgs()
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	runStartedAt := time.Now()
	feedLog := jsonl.New(parsed.outFile)
	if feedLog != nil {
		log.Printf("Feed log: %s (JSONL)", parsed.outFile)
		defer func() {
			if err := feedLog.Close(); err != nil {
				log.Printf("[warn] feed log close: %v", err)
			}
		}()
		defer func() {
			logFeedEvent(feedLog, feedLogEvent{
				TsMs:       time.Now().UnixMilli(),
				Event:      "shutdown",
				Env:        string(parsed.env),
				WSURL:      parsed.wsURL,
				Commitment: string(parsed.commitment),
				Accounts:   len(parsed.accounts),
				Ok:         true,
				UptimeMs:   time.Since(runStartedAt).Milliseconds(),
			})
		}()
		logFeedEvent(feedLog, feedLogEvent{
			TsMs:       time.Now().UnixMilli(),
			Event:      "start",
			Env:        string(parsed.env),
			WSURL:      parsed.wsURL,
			Commitment: string(parsed.commitment),
			Accounts:   len(parsed.accounts),
		})
	}

	log.Printf("Feedwatch (accountSubscribe push) → %s", parsed.wsURL)
	log.Printf("Env: %s", parsed.env)
	log.Printf("Commitment: %s", parsed.commitment)
	log.Printf("Accounts: %d", len(parsed.accounts))
	for _, a := range parsed.accounts {
		log.Printf("  %s key=%s", a.pubkey, a.logicalKey())
	}
	log.Printf("Poll interval: %s", parsed.pollInterval)
	if parsed.refreshInterval > 0 {
		log.Printf("Refresh interval: %s", parsed.refreshInterval)
	}

	ckpt, hasCkpt, err := state.LoadCheckpoint(parsed.checkpointFile)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	lastSlots := make(map[string]uint64, len(parsed.accounts))
	if hasCkpt {
		if ckpt.Compatible(string(parsed.env), parsed.wsURL) {
			log.Printf("Loaded checkpoint %s (%d accounts, %d slots)", parsed.checkpointFile, len(ckpt.Accounts), len(ckpt.LastSlotByKey))
			for k, slot := range ckpt.LastSlotByKey {
				lastSlots[k] = slot
			}
		} else {
			log.Printf("[warn] checkpoint %s is for env=%s ws=%s; ignoring", parsed.checkpointFile, ckpt.Env, ckpt.WSURL)
		}
	}

	fetcher, err := rpc.NewClient(parsed.rpcURL, parsed.commitment)
	if err != nil {
		log.Fatalf("[fatal] %v", err)
	}

	feeds := accountws.New(accountws.Options{
		WSURL:      parsed.wsURL,
		Commitment: parsed.commitment,
		Fetcher:    fetcher,
		Debug:      parsed.debug,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		log.Printf("Shutting down...")
		cancel()
	}()

	for _, a := range parsed.accounts {
		if err := feeds.AddAccount(ctx, a.pubkey, a.key, rawDecode, nil); err != nil {
			log.Fatalf("[fatal] add account %s: %v", a.logicalKey(), err)
		}
		if ds := feeds.Get(a.logicalKey()); ds != nil {
			log.Printf("Seeded %s at slot %d (%d bytes)", a.logicalKey(), ds.Slot, len(ds.Data.([]byte)))
		}
	}

	if err := feeds.Subscribe(ctx); err != nil {
		log.Fatalf("[fatal] %v", err)
	}
	defer feeds.Unsubscribe()

	saveCheckpoint := func() {
		accounts := make([]state.WatchedAccount, 0, len(parsed.accounts))
		for _, a := range parsed.accounts {
			accounts = append(accounts, state.WatchedAccount{Pubkey: a.pubkey.String(), Key: a.key})
		}
		err := state.SaveCheckpoint(parsed.checkpointFile, state.Checkpoint{
			Env:           string(parsed.env),
			WSURL:         parsed.wsURL,
			Commitment:    string(parsed.commitment),
			Accounts:      accounts,
			LastSlotByKey: lastSlots,
		})
		if err != nil {
			log.Printf("[warn] checkpoint save: %v", err)
		}
	}

	log.Printf("Listening…")

	poll := time.NewTicker(parsed.pollInterval)
	defer poll.Stop()

	var refreshCh <-chan time.Time
	if parsed.refreshInterval > 0 {
		refresh := time.NewTicker(parsed.refreshInterval)
		defer refresh.Stop()
		refreshCh = refresh.C
	}

	for {
		select {
		case <-ctx.Done():
			saveCheckpoint()
			return

		case <-refreshCh:
			if err := feeds.RefreshAll(ctx); err != nil {
				logFeedEvent(feedLog, feedLogEvent{
					TsMs:     time.Now().UnixMilli(),
					Event:    "refresh",
					Err:      err.Error(),
					UptimeMs: time.Since(runStartedAt).Milliseconds(),
				})
				continue
			}
			logFeedEvent(feedLog, feedLogEvent{
				TsMs:     time.Now().UnixMilli(),
				Event:    "refresh",
				Ok:       true,
				UptimeMs: time.Since(runStartedAt).Milliseconds(),
			})

		case <-poll.C:
			changed := false
			for _, a := range parsed.accounts {
				key := a.logicalKey()
				ds := feeds.Get(key)
				if ds == nil || ds.Slot <= lastSlots[key] {
					continue
				}
				lastSlots[key] = ds.Slot
				changed = true

				raw, _ := ds.Data.([]byte)
				log.Printf("[update] key=%s slot=%d len=%d", key, ds.Slot, len(raw))
				logFeedEvent(feedLog, feedLogEvent{
					TsMs:     time.Now().UnixMilli(),
					Event:    "update",
					Key:      key,
					Pubkey:   a.pubkey.String(),
					Slot:     ds.Slot,
					DataLen:  len(raw),
					DataB64:  encodePrefix(raw, parsed.maxDataB64),
					UptimeMs: time.Since(runStartedAt).Milliseconds(),
				})
			}
			if changed {
				saveCheckpoint()
			}
		}
	}
}

// rawDecode keeps the account bytes as-is; decoding the Drift account
// layouts is left to consumers of the JSONL stream.
func rawDecode(b []byte) (any, error) {
	return append([]byte(nil), b...), nil
}

func encodePrefix(b []byte, max int) string {
	if len(b) == 0 || max == 0 {
		return ""
	}
	if max > 0 && len(b) > max {
		b = b[:max]
	}
	return base64.StdEncoding.EncodeToString(b)
}

func parseArgs() (args, error) {
	var envFlag string
	var rpcFlag string
	var wsFlag string
	var commitmentFlag string
	var accountsFlag string
	var pollFlag time.Duration
	var refreshFlag time.Duration
	var checkpointFlag string
	var outFlag string
	var maxDataFlag int
	var debugFlag bool

	flag.StringVar(&envFlag, "env", "", "Drift environment: devnet or mainnet (or DRIFT_ENV)")
	flag.StringVar(&rpcFlag, "rpc-url", "", "Solana RPC HTTP URL (or RPC_URL; default per env)")
	flag.StringVar(&wsFlag, "ws-url", "", "Solana websocket URL (or RPC_WS_URL; default derived from rpc-url)")
	flag.StringVar(&commitmentFlag, "commitment", "confirmed", "Commitment: processed, confirmed or finalized")
	flag.StringVar(&accountsFlag, "accounts", "", "Accounts to watch: pubkey[=key], comma/space-separated (or WATCH_ACCOUNTS; positional args also accepted)")
	flag.DurationVar(&pollFlag, "poll-interval", time.Second, "Cache poll interval for emitting slot advances")
	flag.DurationVar(&refreshFlag, "refresh-interval", 0, "Optional periodic RPC refresh of every feed (0 = disabled)")
	flag.StringVar(&checkpointFlag, "checkpoint-file", "./out/feedwatch.checkpoint.json", "Checkpoint path")
	flag.StringVar(&outFlag, "out", "", "Output file path (JSONL; slot-advance records)")
	flag.IntVar(&maxDataFlag, "max-data-b64", 64, "Max account bytes to embed per record, base64-encoded (-1 = all, 0 = none)")
	flag.BoolVar(&debugFlag, "debug", false, "Log every websocket frame")
	flag.Parse()

	envName := strings.ToLower(strings.TrimSpace(envFlag))
	if envName == "" {
		envName = strings.ToLower(strings.TrimSpace(os.Getenv("DRIFT_ENV")))
	}
	if envName == "" {
		envName = string(driftenv.EnvDevnet)
	}
	cfg, err := driftenv.ForEnv(driftenv.Env(envName))
	if err != nil {
		return args{}, err
	}

	rpcURL := strings.TrimSpace(rpcFlag)
	if rpcURL == "" {
		rpcURL = strings.TrimSpace(os.Getenv("RPC_URL"))
	}
	if rpcURL == "" {
		rpcURL = cfg.DefaultHTTP
	}

	wsURL := strings.TrimSpace(wsFlag)
	if wsURL == "" {
		wsURL = strings.TrimSpace(os.Getenv("RPC_WS_URL"))
	}
	if wsURL == "" {
		wsURL, err = driftenv.WSURLFromHTTP(rpcURL)
		if err != nil {
			return args{}, err
		}
	}

	var commitment driftenv.Commitment
	switch strings.ToLower(strings.TrimSpace(commitmentFlag)) {
	case "processed":
		commitment = driftenv.CommitmentProcessed
	case "confirmed", "":
		commitment = driftenv.CommitmentConfirmed
	case "finalized":
		commitment = driftenv.CommitmentFinalized
	default:
		return args{}, fmt.Errorf("unsupported commitment %q (use processed, confirmed or finalized)", commitmentFlag)
	}

	accountsRaw := strings.TrimSpace(accountsFlag)
	if accountsRaw == "" {
		accountsRaw = strings.TrimSpace(os.Getenv("WATCH_ACCOUNTS"))
	}
	specs := splitList(accountsRaw)
	specs = append(specs, flag.Args()...)
	if len(specs) == 0 {
		return args{}, fmt.Errorf("no accounts to watch (pass pubkey[=key] args, --accounts or WATCH_ACCOUNTS)")
	}

	accounts := make([]watchedArg, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		a, err := parseAccountSpec(spec)
		if err != nil {
			return args{}, err
		}
		lk := a.logicalKey()
		if _, dup := seen[lk]; dup {
			return args{}, fmt.Errorf("duplicate account key %q", lk)
		}
		seen[lk] = struct{}{}
		accounts = append(accounts, a)
	}

	if pollFlag <= 0 {
		return args{}, fmt.Errorf("poll-interval must be positive")
	}
	if refreshFlag < 0 {
		return args{}, fmt.Errorf("refresh-interval must not be negative")
	}

	outFile := strings.TrimSpace(outFlag)
	if outFile == "" {
		outFile = strings.TrimSpace(os.Getenv("FEED_OUT_FILE"))
	}
	if outFile == "" {
		outFile = defaultFeedOutFile
	}

	return args{
		env:             cfg.Env,
		rpcURL:          rpcURL,
		wsURL:           wsURL,
		commitment:      commitment,
		accounts:        accounts,
		pollInterval:    pollFlag,
		refreshInterval: refreshFlag,
		checkpointFile:  strings.TrimSpace(checkpointFlag),
		outFile:         outFile,
		maxDataB64:      maxDataFlag,
		debug:           debugFlag,
	}, nil
}

// parseAccountSpec parses "pubkey" or "pubkey=key".
func parseAccountSpec(spec string) (watchedArg, error) {
	spec = strings.TrimSpace(spec)
	pkPart, keyPart, hasKey := strings.Cut(spec, "=")
	pk, err := solana.PublicKeyFromBase58(strings.TrimSpace(pkPart))
	if err != nil {
		return watchedArg{}, fmt.Errorf("invalid account %q: %w", spec, err)
	}
	key := ""
	if hasKey {
		key = strings.TrimSpace(keyPart)
		if key == "" {
			return watchedArg{}, fmt.Errorf("invalid account %q: empty key after '='", spec)
		}
	}
	return watchedArg{pubkey: pk, key: key}, nil
}

func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
