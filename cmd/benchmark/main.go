package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	reuseRate   float64
	donors      int
)

var (
	totalRequests uint64
	created       uint64
	replayed      uint64
	conflicts     uint64
	rejected      uint64 // 422 from the ledger
	unavailable   uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.Float64Var(&reuseRate, "reuse", 0.2, "Fraction of requests that retry an earlier idempotency key")
	flag.IntVar(&donors, "donors", 50, "Number of seeded donor accounts")
}

// keyPool remembers recent requests so workers can retry them like a client
// that lost the first response.
type keyPool struct {
	mu   sync.Mutex
	keys []string
	body map[string][]byte
}

func (p *keyPool) add(key string, body []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) >= 1000 {
		old := p.keys[0]
		p.keys = p.keys[1:]
		delete(p.body, old)
	}
	p.keys = append(p.keys, key)
	p.body[key] = body
}

func (p *keyPool) pick() (string, []byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return "", nil, false
	}
	k := p.keys[rand.Intn(len(p.keys))]
	return k, p.body[k], true
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s | Reuse: %.2f", workload, concurrency, duration, reuseRate)

	pool := &keyPool{body: map[string][]byte{}}
	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, i, pool)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time, id int, pool *keyPool) {
	defer wg.Done()
	client := &http.Client{Timeout: 15 * time.Second}
	seq := 0

	for time.Since(start) < duration {
		key, body, ok := "", []byte(nil), false
		if rand.Float64() < reuseRate {
			key, body, ok = pool.pick()
		}
		if !ok {
			seq++
			key = fmt.Sprintf("bench-%d-%d-%d", id, seq, time.Now().UnixNano())
			donor, recipient := generateAccounts()
			body, _ = json.Marshal(map[string]string{
				"donor_id":     donor,
				"recipient_id": recipient,
				"amount":       "1",
				"memo":         "bench",
			})
			pool.add(key, body)
		}

		req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/donations", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		atomic.AddUint64(&totalRequests, 1)
		switch {
		case resp.Header.Get("Idempotency-Replayed") == "true":
			atomic.AddUint64(&replayed, 1)
		case resp.StatusCode == http.StatusCreated:
			atomic.AddUint64(&created, 1)
		case resp.StatusCode == http.StatusConflict:
			atomic.AddUint64(&conflicts, 1)
		case resp.StatusCode == http.StatusUnprocessableEntity:
			atomic.AddUint64(&rejected, 1)
		case resp.StatusCode == http.StatusServiceUnavailable:
			atomic.AddUint64(&unavailable, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

// generateAccounts uses the account names written by the seeder.
func generateAccounts() (string, string) {
	recipient := fmt.Sprintf("GCHARITY%02d", rand.Intn(10))
	if workload == "hotspot" && rand.Float32() < 0.90 {
		// 90% of traffic comes from two donors
		return fmt.Sprintf("GDONOR%04d", rand.Intn(2)), recipient
	}
	return fmt.Sprintf("GDONOR%04d", rand.Intn(donors)), recipient
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	c409 := atomic.LoadUint64(&conflicts)

	conflictRate := 0.0
	if total > 0 {
		conflictRate = float64(c409) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":           workload,
		"duration_sec":       d.Seconds(),
		"total_requests":     total,
		"throughput_tps":     float64(total) / d.Seconds(),
		"created":            atomic.LoadUint64(&created),
		"replayed":           atomic.LoadUint64(&replayed),
		"conflicts":          c409,
		"conflict_rate_pct":  conflictRate,
		"ledger_rejected":    atomic.LoadUint64(&rejected),
		"ledger_unavailable": atomic.LoadUint64(&unavailable),
		"errors":             atomic.LoadUint64(&failOther),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("write %s: %v", filename, err)
		return
	}
	defer file.Close()
	_ = json.NewEncoder(file).Encode(results)
}
