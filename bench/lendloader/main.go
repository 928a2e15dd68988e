package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"lendex/core/events"
	"lendex/crypto"
	lendsdk "lendex/sdk/lending"
	"lendex/storage/journal"
)

const (
	defaultDuration = 2 * time.Minute
	// The node budgets 60 mutations per source per minute; the default rate
	// leaves headroom for the setup mint and listing.
	defaultRate  = 50 // supplies per minute
	supplyAmount = 100
)

// latencyTracker pairs submissions with their committed events. The loader
// drives a single fresh account sequentially and the journal is ordered, so
// first-in-first-out matching is exact.
type latencyTracker struct {
	mu        sync.Mutex
	pending   []time.Time
	latencies []time.Duration
}

func (lt *latencyTracker) track(at time.Time) {
	lt.mu.Lock()
	lt.pending = append(lt.pending, at)
	lt.mu.Unlock()
}

func (lt *latencyTracker) finalize(at time.Time) {
	lt.mu.Lock()
	if len(lt.pending) > 0 {
		lt.latencies = append(lt.latencies, at.Sub(lt.pending[0]))
		lt.pending = lt.pending[1:]
	}
	lt.mu.Unlock()
}

func (lt *latencyTracker) snapshot() (latencies []time.Duration, pending int) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	latencies = append([]time.Duration(nil), lt.latencies...)
	pending = len(lt.pending)
	return latencies, pending
}

func (lt *latencyTracker) waitForEmpty(ctx context.Context) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		lt.mu.Lock()
		remaining := len(lt.pending)
		lt.mu.Unlock()
		if remaining == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func main() {
	var (
		rpcURL       string
		adminAddress string
		symbol       string
		opRate       int
		durationFlag time.Duration
	)
	flag.StringVar(&rpcURL, "rpc", "http://127.0.0.1:8545", "JSON-RPC endpoint for submitting operations")
	flag.StringVar(&adminAddress, "admin", "", "bech32 admin address used to list the market and mint funding")
	flag.StringVar(&symbol, "symbol", "USDX", "market symbol to load")
	flag.IntVar(&opRate, "rate", defaultRate, "target rate of supply operations per minute")
	flag.DurationVar(&durationFlag, "duration", defaultDuration, "load duration")
	flag.Parse()

	adminAddress = strings.TrimSpace(adminAddress)
	if adminAddress == "" {
		log.Fatal("missing admin address: provide --admin")
	}
	token := strings.TrimSpace(os.Getenv("LENDEX_RPC_TOKEN"))
	if token == "" {
		log.Fatal("missing LENDEX_RPC_TOKEN for RPC authentication")
	}
	if opRate <= 0 {
		log.Fatalf("rate must be positive, got %d", opRate)
	}
	if durationFlag <= 0 {
		durationFlag = defaultDuration
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := lendsdk.New(rpcURL, lendsdk.WithAuthToken(token))
	if err != nil {
		log.Fatalf("build client: %v", err)
	}

	// A fresh account per run keeps event correlation unambiguous: only this
	// run's supplies carry its address.
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		log.Fatalf("generate account: %v", err)
	}
	actor := key.PubKey().Address().String()

	if _, err := client.GetMarket(ctx, symbol); err != nil {
		if _, listErr := client.ListMarket(ctx, adminAddress, symbol, 7500, 1000); listErr != nil {
			log.Fatalf("market %s unavailable (%v) and listing failed: %v", symbol, err, listErr)
		}
		log.Printf("listed market %s", symbol)
	}

	interval := time.Minute / time.Duration(opRate)
	if interval <= 0 {
		interval = time.Millisecond
	}
	totalOps := int(durationFlag/interval) + 1
	funding := strconv.Itoa(totalOps * supplyAmount)
	if _, err := client.Mint(ctx, adminAddress, symbol, actor, funding); err != nil {
		log.Fatalf("mint funding: %v", err)
	}

	tracker := &latencyTracker{}
	streamCtx, streamCancel := context.WithCancel(ctx)
	defer streamCancel()
	entries, err := client.Events(streamCtx, 0)
	if err != nil {
		log.Fatalf("connect event stream: %v", err)
	}
	go consumeSupplies(entries, tracker, actor)

	amount := strconv.Itoa(supplyAmount)
	deadline := time.Now().Add(durationFlag)
	var submitted int
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			log.Printf("context cancelled: %v", ctx.Err())
			return
		default:
		}
		if _, err := client.Supply(ctx, actor, symbol, amount); err != nil {
			log.Printf("supply %d failed: %v", submitted, err)
		} else {
			tracker.track(time.Now())
			submitted++
		}
		time.Sleep(interval)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer waitCancel()
	if !tracker.waitForEmpty(waitCtx) {
		_, pending := tracker.snapshot()
		log.Printf("still waiting on %d supply events", pending)
	}
	streamCancel()

	latencies, pending := tracker.snapshot()
	reportLoadSummary(latencies, pending, submitted)
}

func consumeSupplies(entries <-chan journal.Entry, tracker *latencyTracker, actor string) {
	for entry := range entries {
		if entry.Type != events.TypeSupply {
			continue
		}
		if entry.Attributes["supplier"] != actor {
			continue
		}
		tracker.finalize(time.Now())
	}
}

func reportLoadSummary(latencies []time.Duration, pending int, submitted int) {
	var max time.Duration
	var total time.Duration
	for _, latency := range latencies {
		if latency > max {
			max = latency
		}
		total += latency
	}
	avg := time.Duration(0)
	if len(latencies) > 0 {
		avg = time.Duration(int64(total) / int64(len(latencies)))
	}
	log.Printf("loader submitted %d supplies", submitted)
	log.Printf("observed %d committed events (pending: %d)", len(latencies), pending)
	log.Printf("commit-to-event latency avg=%s max=%s", avg, max)
}
