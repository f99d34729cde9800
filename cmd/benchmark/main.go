package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	userID      int64
	taskID      int64
	source      string
	amount      int64
	reuseKeys   bool
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Created
	fail409       uint64 // Eligibility and key conflicts
	fail422       uint64 // Balance and limit rejections
	fail429       uint64 // Rate limited
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "withdraw", "Workload type: withdraw | tasks")
	flag.Int64Var(&userID, "user", 1, "User id every request acts as")
	flag.Int64Var(&taskID, "task", 1, "Catalog task id for the tasks workload")
	flag.StringVar(&source, "source", "referral", "Earning source for the withdraw workload")
	flag.Int64Var(&amount, "amount", 600, "Withdrawal amount")
	flag.BoolVar(&reuseKeys, "reuse-keys", false, "Send one shared Idempotency-Key per worker")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | User: %d | Workers: %d | Duration: %s", workload, userID, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}
	workerKey := uuid.NewString()

	for time.Since(start) < duration {
		req, err := buildRequest(workerKey)
		if err != nil {
			log.Fatal(err)
		}

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 201:
			atomic.AddUint64(&success201, 1)
		case 200:
			atomic.AddUint64(&success200, 1)
		case 409:
			atomic.AddUint64(&fail409, 1)
		case 422:
			atomic.AddUint64(&fail422, 1)
		case 429:
			atomic.AddUint64(&fail429, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func buildRequest(workerKey string) (*http.Request, error) {
	var (
		path string
		body []byte
	)
	switch workload {
	case "withdraw":
		path = "/api/v1/me/withdrawals"
		body, _ = json.Marshal(map[string]any{
			"source":       source,
			"amount":       amount,
			"phone_number": "0712345678",
		})
	case "tasks":
		path = fmt.Sprintf("/api/v1/tasks/%d/complete", taskID)
	default:
		return nil, fmt.Errorf("unknown workload %q", workload)
	}

	req, err := http.NewRequest("POST", targetURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", strconv.FormatInt(userID, 10))
	if workload == "withdraw" {
		key := uuid.NewString()
		if reuseKeys {
			key = workerKey
		}
		req.Header.Set("Idempotency-Key", key)
	}
	return req, nil
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	s200 := atomic.LoadUint64(&success200)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	f429 := atomic.LoadUint64(&fail429)
	fErr := atomic.LoadUint64(&failOther)

	tps := 0.0
	if d > 0 {
		tps = float64(total) / d.Seconds()
	}

	results := map[string]interface{}{
		"workload":          workload,
		"user_id":           userID,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"success_created":   s201,
		"success_replay":    s200,
		"rejected_conflict": f409,
		"rejected_limit":    f422,
		"rate_limited":      f429,
		"errors":            fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not save results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
