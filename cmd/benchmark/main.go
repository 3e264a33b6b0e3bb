package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
)

type settings struct {
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	accounts    int
	prefix      string
	amount      int64
	scale       int32
	replayKeys  int
	token       string
}

type counters struct {
	total       atomic.Uint64
	created     atomic.Uint64 // 201 committed
	replayed    atomic.Uint64 // 200 idempotent replay
	rejected    atomic.Uint64 // 422
	inFlight    atomic.Uint64 // 409
	failOther   atomic.Uint64
	movedMinor  atomic.Int64
	latencyNano atomic.Int64
}

func main() {
	var s settings
	pflag.StringVar(&s.targetURL, "url", "http://localhost:8080", "API base URL")
	pflag.IntVarP(&s.concurrency, "workers", "w", 10, "Number of concurrent workers")
	pflag.DurationVarP(&s.duration, "duration", "d", 30*time.Second, "Test duration")
	pflag.StringVar(&s.workload, "workload", "uniform", "Workload type: uniform | hotspot | replay")
	pflag.IntVar(&s.accounts, "accounts", 1000, "Number of seeded accounts")
	pflag.StringVar(&s.prefix, "prefix", "acct-", "Seeded account id prefix")
	pflag.Int64Var(&s.amount, "amount", 100, "Transfer amount in minor units")
	pflag.Int32Var(&s.scale, "scale", 2, "Decimal places of the minor unit, for the report")
	pflag.IntVar(&s.replayKeys, "replay-keys", 50, "Distinct idempotency keys shared by workers in the replay workload")
	pflag.StringVar(&s.token, "token", os.Getenv("LEDGER_TOKEN"), "Bearer token when the API requires auth")
	pflag.Parse()

	switch s.workload {
	case "uniform", "hotspot", "replay":
	default:
		log.Fatalf("unknown workload %q", s.workload)
	}
	if s.accounts < 2 {
		log.Fatal("--accounts must be at least 2")
	}
	if s.replayKeys < 1 {
		log.Fatal("--replay-keys must be at least 1")
	}

	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", s.workload, s.concurrency, s.duration)

	var c counters
	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(s.concurrency)
	for i := 0; i < s.concurrency; i++ {
		go worker(&wg, &s, &c, start, i)
	}
	wg.Wait()

	printResults(&s, &c, time.Since(start))
}

func worker(wg *sync.WaitGroup, s *settings, c *counters, start time.Time, id int) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for seq := 0; time.Since(start) < s.duration; seq++ {
		from, to, key := nextRequest(s, id, seq)

		body, _ := json.Marshal(map[string]any{
			"source_account_id":      from,
			"destination_account_id": to,
			"amount":                 s.amount,
		})
		req, _ := http.NewRequest("POST", s.targetURL+"/api/v1/transfers", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)
		if s.token != "" {
			req.Header.Set("Authorization", "Bearer "+s.token)
		}

		sent := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			c.failOther.Add(1)
			continue
		}
		c.latencyNano.Add(int64(time.Since(sent)))
		c.total.Add(1)

		switch resp.StatusCode {
		case http.StatusCreated:
			c.created.Add(1)
			c.movedMinor.Add(s.amount)
		case http.StatusOK:
			c.replayed.Add(1)
		case http.StatusUnprocessableEntity:
			c.rejected.Add(1)
		case http.StatusConflict:
			c.inFlight.Add(1)
		default:
			c.failOther.Add(1)
		}
		resp.Body.Close()
	}
}

// nextRequest picks the accounts and idempotency key for one request.
func nextRequest(s *settings, worker, seq int) (string, string, string) {
	account := func(n int) string { return fmt.Sprintf("%s%04d", s.prefix, n) }

	switch s.workload {
	case "hotspot":
		// 90% of traffic moves funds between the first two accounts.
		if rand.Float32() < 0.90 {
			key := fmt.Sprintf("bench-%d-%d-%d", worker, seq, time.Now().UnixNano())
			if rand.Float32() < 0.5 {
				return account(1), account(2), key
			}
			return account(2), account(1), key
		}
	case "replay":
		// Workers share a small key space; the same key always carries the
		// same payload so every repeat is a legitimate retry.
		k := rand.IntN(s.replayKeys)
		a := k%s.accounts + 1
		b := (k+1)%s.accounts + 1
		return account(a), account(b), fmt.Sprintf("bench-replay-%d", k)
	}

	a := rand.IntN(s.accounts) + 1
	b := rand.IntN(s.accounts) + 1
	for a == b {
		b = rand.IntN(s.accounts) + 1
	}
	return account(a), account(b), fmt.Sprintf("bench-%d-%d-%d", worker, seq, time.Now().UnixNano())
}

func printResults(s *settings, c *counters, d time.Duration) {
	total := c.total.Load()
	var tps, conflictRate float64
	var meanLatency time.Duration
	if total > 0 {
		tps = float64(total) / d.Seconds()
		conflictRate = float64(c.inFlight.Load()) / float64(total) * 100
		meanLatency = time.Duration(c.latencyNano.Load() / int64(total))
	}

	results := map[string]any{
		"workload":          s.workload,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"success_created":   c.created.Load(),
		"success_replay":    c.replayed.Load(),
		"rejected":          c.rejected.Load(),
		"conflict_409":      c.inFlight.Load(),
		"conflict_rate_pct": conflictRate,
		"errors":            c.failOther.Load(),
		"mean_latency_ms":   float64(meanLatency.Microseconds()) / 1000,
		"volume_moved":      decimal.New(c.movedMinor.Load(), -s.scale).StringFixed(s.scale),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)
}
