package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
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
	provider    string
)

var (
	totalRequests uint64
	created201    uint64
	replayed      uint64
	fail502       uint64 // all providers failed
	fail503       uint64 // no provider available
	failOther     uint64

	servedMu sync.Mutex
	servedBy = map[string]uint64{}
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "unique", "Workload type: unique | retry")
	flag.StringVar(&provider, "provider", "", "Preferred provider sent with every payment")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, i)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time, id int) {
	defer wg.Done()
	client := &http.Client{Timeout: 30 * time.Second}
	seq := 0
	var lastKey string
	var lastBody []byte

	for time.Since(start) < duration {
		key, body := lastKey, lastBody
		// The retry workload resends a quarter of requests with the previous key and body.
		if workload != "retry" || lastKey == "" || rand.Float32() >= 0.25 {
			seq++
			key = fmt.Sprintf("bench-%d-%d-%d", id, seq, time.Now().UnixNano())
			payload := map[string]interface{}{
				"amount":      100 + seq%900,
				"currency":    "GBP",
				"description": "benchmark payment",
				"provider":    provider,
			}
			body, _ = json.Marshal(payload)
			lastKey, lastBody = key, body
		}

		req, _ := http.NewRequest("POST", targetURL+"/api/v1/payments", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			if resp.Header.Get("Idempotent-Replayed") == "true" {
				atomic.AddUint64(&replayed, 1)
			} else {
				atomic.AddUint64(&created201, 1)
			}
			var out struct {
				Provider string `json:"provider"`
			}
			if json.NewDecoder(resp.Body).Decode(&out) == nil {
				servedMu.Lock()
				servedBy[out.Provider]++
				servedMu.Unlock()
			}
		case http.StatusBadGateway:
			atomic.AddUint64(&fail502, 1)
		case http.StatusServiceUnavailable:
			atomic.AddUint64(&fail503, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	f502 := atomic.LoadUint64(&fail502)
	f503 := atomic.LoadUint64(&fail503)

	failRate := 0.0
	if total > 0 {
		failRate = float64(f502+f503) / float64(total) * 100
	}

	servedMu.Lock()
	defer servedMu.Unlock()

	results := map[string]interface{}{
		"workload":         workload,
		"duration_sec":     d.Seconds(),
		"total_requests":   total,
		"throughput_tps":   float64(total) / d.Seconds(),
		"success_created":  atomic.LoadUint64(&created201),
		"success_replay":   atomic.LoadUint64(&replayed),
		"exhausted_502":    f502,
		"unavailable_503":  f503,
		"failure_rate_pct": failRate,
		"errors":           atomic.LoadUint64(&failOther),
		"served_by":        servedBy,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("Unable to write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
