package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tidyops/recurring-booking-service/internal/config"
	"github.com/tidyops/recurring-booking-service/internal/db"
)

// The simulator hammers the window endpoint with overlapping date ranges
// from many workers while sprinkling in reschedules, status changes, and
// assignments. Concurrent materializations of the same window are the
// interesting case: the anchor uniqueness index must absorb them without
// ever producing two occurrences for one slot.

type SimConfig struct {
	APIBaseURL      string
	APIToken        string
	Duration        time.Duration
	Workers         int
	WindowRatio     float64
	RescheduleRatio float64
	StatusRatio     float64
	AssignRatio     float64
	OccurrenceLimit int
	PostgresDSN     string
}

type DataPool struct {
	Cleaners    []uuid.UUID
	mu          sync.RWMutex
	occurrences []uuid.UUID
}

func (dp *DataPool) AddOccurrences(ids []uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.occurrences = append(dp.occurrences, ids...)
}

func (dp *DataPool) RandomOccurrence(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.occurrences) == 0 {
		return uuid.Nil, false
	}
	return dp.occurrences[rng.Intn(len(dp.occurrences))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type Metrics struct {
	Window     OperationMetrics
	Reschedule OperationMetrics
	Status     OperationMetrics
	Assign     OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d window=%.2f reschedule=%.2f status=%.2f assign=%.2f",
		cfg.Duration, cfg.Workers, cfg.WindowRatio, cfg.RescheduleRatio, cfg.StatusRatio, cfg.AssignRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d occurrences, %d cleaners", len(dataPool.occurrences), len(dataPool.Cleaners))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 15 * time.Second},
	}

	sim.Run()
	sim.PrintReport()

	if err := verifyNoDuplicateAnchors(context.Background(), pgPool); err != nil {
		log.Fatalf("POST-RUN CHECK FAILED: %v", err)
	}
	log.Println("post-run check passed: no duplicate slot anchors")
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:      getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		APIToken:        baseCfg.APIToken,
		Duration:        getDuration("SIM_DURATION", 30*time.Second),
		Workers:         getInt("SIM_WORKERS", 10),
		WindowRatio:     getFloat("SIM_WINDOW_RATIO", 0.4),
		RescheduleRatio: getFloat("SIM_RESCHEDULE_RATIO", 0.2),
		StatusRatio:     getFloat("SIM_STATUS_RATIO", 0.2),
		AssignRatio:     getFloat("SIM_ASSIGN_RATIO", 0.2),
		OccurrenceLimit: getInt("SIM_OCCURRENCE_LIMIT", 2000),
		PostgresDSN:     baseCfg.PostgresDSN,
	}

	total := cfg.WindowRatio + cfg.RescheduleRatio + cfg.StatusRatio + cfg.AssignRatio
	if total > 0 {
		cfg.WindowRatio /= total
		cfg.RescheduleRatio /= total
		cfg.StatusRatio /= total
		cfg.AssignRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id FROM booking_occurrences
		WHERE status = 'scheduled' AND start_at > now()
		LIMIT $1
	`, cfg.OccurrenceLimit)
	if err != nil {
		return nil, fmt.Errorf("load occurrences: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.occurrences = append(dataPool.occurrences, id)
	}

	rows, err = pool.Query(ctx, `SELECT id FROM cleaners WHERE active`)
	if err != nil {
		return nil, fmt.Errorf("load cleaners: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Cleaners = append(dataPool.Cleaners, id)
	}

	if len(dataPool.occurrences) == 0 {
		return nil, fmt.Errorf("no occurrences loaded, run cmd/seed first")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.WindowRatio:
				s.doWindow(ctx, rng)
			case r < s.config.WindowRatio+s.config.RescheduleRatio:
				s.doReschedule(ctx, rng)
			case r < s.config.WindowRatio+s.config.RescheduleRatio+s.config.StatusRatio:
				s.doStatus(ctx, rng)
			default:
				s.doAssign(ctx, rng)
			}
		}
	}
}

// doWindow requests one of a handful of overlapping week-long windows so
// workers constantly race to materialize the same slots.
func (s *Simulator) doWindow(ctx context.Context, rng *rand.Rand) {
	from := time.Now().UTC().AddDate(0, 0, rng.Intn(28)).Truncate(24 * time.Hour)
	to := from.AddDate(0, 0, 7)

	q := url.Values{}
	q.Set("from", from.Format(time.RFC3339))
	q.Set("to", to.Format(time.RFC3339))

	start := time.Now()
	req, _ := http.NewRequestWithContext(ctx, "GET", s.config.APIBaseURL+"/occurrences?"+q.Encode(), nil)

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			success = true
			var occs []struct {
				ID uuid.UUID `json:"id"`
			}
			bodyBytes, _ := io.ReadAll(resp.Body)
			if json.Unmarshal(bodyBytes, &occs) == nil {
				ids := make([]uuid.UUID, 0, len(occs))
				for _, o := range occs {
					ids = append(ids, o.ID)
				}
				s.pool.AddOccurrences(ids)
			}
		}
	}

	s.metrics.Window.Record(latency, success, false)
}

func (s *Simulator) doReschedule(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomOccurrence(rng)
	if !ok {
		return
	}

	newStart := time.Now().UTC().AddDate(0, 0, rng.Intn(35)).Truncate(time.Hour)
	body, _ := json.Marshal(map[string]any{
		"start_at": newStart,
		"end_at":   newStart.Add(2 * time.Hour),
	})

	s.doMutation(ctx, "/occurrences/"+id.String()+"/reschedule", body, &s.metrics.Reschedule)
}

func (s *Simulator) doStatus(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomOccurrence(rng)
	if !ok {
		return
	}

	statuses := []string{"scheduled", "completed", "cancelled", "skipped"}
	body, _ := json.Marshal(map[string]string{
		"status": statuses[rng.Intn(len(statuses))],
	})

	s.doMutation(ctx, "/occurrences/"+id.String()+"/status", body, &s.metrics.Status)
}

func (s *Simulator) doAssign(ctx context.Context, rng *rand.Rand) {
	id, ok := s.pool.RandomOccurrence(rng)
	if !ok {
		return
	}
	if len(s.pool.Cleaners) == 0 {
		return
	}

	cleanerID := s.pool.Cleaners[rng.Intn(len(s.pool.Cleaners))].String()
	body, _ := json.Marshal(map[string]*string{
		"cleaner_id": &cleanerID,
	})

	s.doMutation(ctx, "/occurrences/"+id.String()+"/assign", body, &s.metrics.Assign)
}

func (s *Simulator) doMutation(ctx context.Context, path string, body []byte, om *OperationMetrics) {
	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	}

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	conflict := false
	if err == nil {
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			success = true
		case http.StatusConflict:
			conflict = true
		}
	}

	om.Record(latency, success, conflict)
}

func (s *Simulator) PrintReport() {
	fmt.Println()
	fmt.Println("=== Simulation Report ===")
	printOp("window", &s.metrics.Window)
	printOp("reschedule", &s.metrics.Reschedule)
	printOp("status", &s.metrics.Status)
	printOp("assign", &s.metrics.Assign)
}

func printOp(name string, om *OperationMetrics) {
	avg, min, max, p50, p95 := om.Stats()
	fmt.Printf("%-12s total=%d success=%d conflict=%d error=%d avg=%s min=%s max=%s p50=%s p95=%s\n",
		name,
		atomic.LoadInt64(&om.Total),
		atomic.LoadInt64(&om.Success),
		atomic.LoadInt64(&om.Conflict),
		atomic.LoadInt64(&om.Error),
		avg, min, max, p50, p95,
	)
}

// verifyNoDuplicateAnchors is the whole point of the exercise: after any
// amount of concurrent materialization, each (series, effective anchor)
// pair must appear exactly once.
func verifyNoDuplicateAnchors(ctx context.Context, pool *pgxpool.Pool) error {
	var count int
	err := pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM (
			SELECT series_id, COALESCE(original_start_at, start_at)
			FROM booking_occurrences
			GROUP BY 1, 2
			HAVING COUNT(*) > 1
		) dups
	`).Scan(&count)
	if err != nil {
		return fmt.Errorf("query duplicate anchors: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("%d duplicated slot anchors found", count)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
