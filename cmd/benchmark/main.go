// Benchmark tool for driving the loyalty engine with player snapshots.
//
// Usage:
//
//	go run ./cmd/benchmark -csv /path/to/players.csv -url http://localhost:8080
//	go run ./cmd/benchmark -synthetic 5000 -workers 20
//
// This tool:
//  1. Reads player snapshots from a CSV file, or generates synthetic ones
//  2. Sends each snapshot to POST /evaluate (dry run unless -issue is set)
//  3. Tallies issued rewards, rejections by kind and abuse penalties
//  4. Reports latency percentiles and throughput
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/loyalty/internal/api"
	"github.com/opensource-finance/loyalty/internal/domain"
	"github.com/opensource-finance/loyalty/internal/pipeline"
)

// Metrics tracks benchmark results.
type Metrics struct {
	TotalProcessed int64
	TotalErrors    int64
	TotalIssued    int64

	mu         sync.Mutex
	rejections map[domain.RejectionKind]int
	penalties  map[domain.PenaltyAction]int
	latencies  []time.Duration
}

func (m *Metrics) record(d *domain.RewardDecision, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latencies = append(m.latencies, elapsed)
	m.penalties[d.Penalty]++
	for _, o := range d.Outcomes {
		if o.Issued {
			atomic.AddInt64(&m.TotalIssued, 1)
			continue
		}
		m.rejections[o.Rejection]++
	}
}

func main() {
	csvPath := flag.String("csv", "", "Path to a player snapshot CSV file")
	synthetic := flag.Int("synthetic", 0, "Generate this many synthetic players instead of reading a CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Loyalty base URL")
	limit := flag.Int("limit", 10000, "Maximum players to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	issue := flag.Bool("issue", false, "Issue rewards instead of running dry")
	seed := flag.Int64("seed", 42, "Seed for synthetic players")
	verbose := flag.Bool("verbose", false, "Print each decision")
	flag.Parse()

	if *csvPath == "" && *synthetic <= 0 {
		fmt.Println("Usage: benchmark -csv /path/to/players.csv | -synthetic N [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("LOYALTY BENCHMARK - reward cycle throughput")
	fmt.Printf("\nURL:      %s\n", *baseURL)
	fmt.Printf("Workers:  %d\n", *workers)
	fmt.Printf("Dry run:  %v\n", !*issue)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: loyalty not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure the server is running:")
		fmt.Println("  go run ./cmd/loyalty")
		os.Exit(1)
	}
	fmt.Println("server is healthy")

	var (
		players []*domain.PlayerState
		err     error
	)
	if *csvPath != "" {
		players, err = readPlayersCSV(*csvPath, *limit)
		if err != nil {
			fmt.Printf("ERROR: failed to read CSV: %v\n", err)
			os.Exit(1)
		}
	} else {
		players = syntheticPlayers(*synthetic, *seed)
	}
	fmt.Printf("loaded %d players\n", len(players))

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	start := time.Now()
	metrics := runBenchmark(players, *baseURL, *workers, !*issue, *verbose)
	printResults(metrics, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// readPlayersCSV reads snapshots keyed by header name. Unknown columns are
// ignored; missing numeric columns read as zero.
func readPlayersCSV(path string, limit int) ([]*domain.PlayerState, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}
	if _, ok := colIndex["player_id"]; !ok {
		return nil, fmt.Errorf("player_id column is required")
	}

	field := func(record []string, name string) string {
		if i, ok := colIndex[name]; ok && i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}
	number := func(record []string, name string) float64 {
		v, _ := strconv.ParseFloat(field(record, name), 64)
		return v
	}

	var players []*domain.PlayerState
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		state := &domain.PlayerState{
			PlayerID:       field(record, "player_id"),
			Segment:        domain.Segment(strings.ToUpper(field(record, "segment"))),
			TotalDeposited: number(record, "total_deposited"),
			TotalWagered:   number(record, "total_wagered"),
			TotalWon:       number(record, "total_won"),
			NetPnL:         number(record, "net_pnl"),
			SessionCount:   int(number(record, "session_count")),
			WinLossRatio:   number(record, "win_loss_ratio"),
			RecentWagered:  number(record, "recent_wagered"),
		}
		if v := field(record, "days_since_last_deposit"); v != "" {
			if d, err := strconv.Atoi(v); err == nil {
				state.DaysSinceLastDeposit = &d
			}
		}
		players = append(players, state)

		if limit > 0 && len(players) >= limit {
			break
		}
	}
	return players, nil
}

func syntheticPlayers(n int, seed int64) []*domain.PlayerState {
	rng := rand.New(rand.NewSource(seed))
	players := make([]*domain.PlayerState, n)
	for i := range players {
		deposited := float64(rng.Intn(20000))
		wagered := deposited * (1 + rng.Float64()*4)
		won := wagered * (0.8 + rng.Float64()*0.35)
		days := rng.Intn(60)
		players[i] = &domain.PlayerState{
			PlayerID:             fmt.Sprintf("bench-%06d", i),
			TotalDeposited:       deposited,
			TotalWagered:         wagered,
			TotalWon:             won,
			NetPnL:               won - wagered,
			SessionCount:         rng.Intn(300),
			WinLossRatio:         won / max(wagered-won, 1),
			DaysSinceLastDeposit: &days,
			RecentWagered:        wagered / 3,
		}
	}
	return players
}

func runBenchmark(players []*domain.PlayerState, baseURL string, numWorkers int, dryRun, verbose bool) *Metrics {
	metrics := &Metrics{
		rejections: make(map[domain.RejectionKind]int),
		penalties:  make(map[domain.PenaltyAction]int),
	}

	work := make(chan *domain.PlayerState, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for state := range work {
				start := time.Now()
				decision, err := evaluatePlayer(client, baseURL, state, dryRun)
				elapsed := time.Since(start)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", state.PlayerID, err)
					}
					continue
				}
				metrics.record(decision, elapsed)

				if verbose {
					fmt.Printf("%-12s | segment: %-9s | issued: %d/%d | abuse: %3d %s\n",
						state.PlayerID,
						decision.Segment,
						decision.IssuedCount(),
						len(decision.Outcomes),
						decision.AbuseScore,
						decision.Penalty,
					)
				}
			}
		}()
	}

	for _, state := range players {
		work <- state
	}
	close(work)
	wg.Wait()

	return metrics
}

func evaluatePlayer(client *http.Client, baseURL string, state *domain.PlayerState, dryRun bool) (*domain.RewardDecision, error) {
	body, err := json.Marshal(pipeline.Request{State: state, DryRun: dryRun})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result api.EvaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if result.Decision == nil {
		return nil, fmt.Errorf("empty decision")
	}
	return result.Decision, nil
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\nBENCHMARK RESULTS")

	fmt.Printf("\nPLAYERS\n")
	fmt.Printf("   Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Errors:     %d\n", m.TotalErrors)

	fmt.Printf("\nREWARDS\n")
	fmt.Printf("   Issued:     %d\n", m.TotalIssued)
	kinds := make([]string, 0, len(m.rejections))
	for k := range m.rejections {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("   %-18s %d\n", k+":", m.rejections[domain.RejectionKind(k)])
	}

	fmt.Printf("\nPENALTIES\n")
	for _, p := range []domain.PenaltyAction{
		domain.PenaltyNone, domain.PenaltyReducedRewards, domain.PenaltyIncreasedWagering, domain.PenaltyBlocked,
	} {
		fmt.Printf("   %-20s %d\n", string(p)+":", m.penalties[p])
	}

	sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })
	fmt.Printf("\nPERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		fmt.Printf("   p50 Latency:      %v\n", percentile(m.latencies, 0.50).Round(time.Microsecond))
		fmt.Printf("   p95 Latency:      %v\n", percentile(m.latencies, 0.95).Round(time.Microsecond))
		fmt.Printf("   p99 Latency:      %v\n", percentile(m.latencies, 0.99).Round(time.Microsecond))
		fmt.Printf("   Throughput:       %.2f players/sec\n", float64(m.TotalProcessed)/duration.Seconds())
	}
	fmt.Println()
}
