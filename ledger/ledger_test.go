package ledger

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gliderlab/taskpilot/pkg/config"
	"github.com/gliderlab/taskpilot/storage"
)

// memStore is an in-memory Store for ledger tests.
type memStore struct {
	mu      sync.Mutex
	entries []*storage.CostLogEntry
}

func (m *memStore) AppendCost(e *storage.CostLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) SumCostForTask(taskID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, e := range m.entries {
		if e.TaskID == taskID {
			sum += e.CostUSD
		}
	}
	return sum, nil
}

func (m *memStore) SumCostForPrefix(prefix string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, e := range m.entries {
		if strings.HasPrefix(e.Timestamp.UTC().Format(time.RFC3339), prefix) {
			sum += e.CostUSD
		}
	}
	return sum, nil
}

func testCeilings() config.BudgetConfig {
	return config.BudgetConfig{
		TaskCeilingUSD:    0.75,
		DailyCeilingUSD:   2.00,
		MonthlyCeilingUSD: 30.00,
	}
}

func TestCheckBlocksBeforeBreach(t *testing.T) {
	l := New(&memStore{}, testCeilings())
	defer l.Close()
	ctx := context.Background()

	// spend up to 0.70
	if err := l.Record(ctx, &storage.CostLogEntry{TaskID: "t1", Tier: "deep", CostUSD: 0.70}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// a 0.04 estimate fits under the 0.75 task ceiling
	d, err := l.Check(ctx, "t1", 0.04)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !d.Ok {
		t.Errorf("0.70+0.04 should pass, got breach %q", d.Breach)
	}

	// a 0.10 estimate would cross it: blocked before the call is issued
	d, _ = l.Check(ctx, "t1", 0.10)
	if d.Ok {
		t.Error("0.70+0.10 should be blocked")
	}
	if d.Breach != BreachTask {
		t.Errorf("breach = %q, want task", d.Breach)
	}
}

func TestDailyAndMonthlyCeilings(t *testing.T) {
	store := &memStore{}
	l := New(store, testCeilings())
	defer l.Close()
	ctx := context.Background()

	// three tasks each spend 0.65 today: day total 1.95
	for _, id := range []string{"a", "b", "c"} {
		if err := l.Record(ctx, &storage.CostLogEntry{TaskID: id, Tier: "deep", CostUSD: 0.65}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	// a fresh task is fine per-task but crosses the 2.00 daily ceiling
	d, err := l.Check(ctx, "fresh", 0.10)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if d.Ok || d.Breach != BreachDaily {
		t.Errorf("decision = %+v, want daily breach", d)
	}
}

func TestConcurrentRecordsLoseNothing(t *testing.T) {
	store := &memStore{}
	l := New(store, config.BudgetConfig{TaskCeilingUSD: 1000, DailyCeilingUSD: 1000, MonthlyCeilingUSD: 1000})
	defer l.Close()

	const workers = 20
	const perWorker = 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := l.Record(context.Background(), &storage.CostLogEntry{TaskID: id, Tier: "fast", CostUSD: 0.01}); err != nil {
					t.Errorf("Record: %v", err)
				}
			}
		}(string(rune('a' + w)))
	}
	wg.Wait()

	agg, err := l.Aggregates(context.Background(), "")
	if err != nil {
		t.Fatalf("Aggregates: %v", err)
	}
	want := float64(workers*perWorker) * 0.01
	if diff := agg.DaySpend - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("day spend = %v, want %v", agg.DaySpend, want)
	}
	if len(store.entries) != workers*perWorker {
		t.Errorf("stored %d entries, want %d", len(store.entries), workers*perWorker)
	}
}

func TestAggregatesReloadOnDayRollover(t *testing.T) {
	store := &memStore{}
	l := New(store, testCeilings())
	defer l.Close()

	day1 := time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 25, 1, 0, 0, 0, time.UTC)

	current := day1
	var mu sync.Mutex
	l.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}

	ctx := context.Background()
	l.Record(ctx, &storage.CostLogEntry{TaskID: "t1", CostUSD: 0.50, Timestamp: day1})

	agg, _ := l.Aggregates(ctx, "")
	if agg.DaySpend != 0.50 {
		t.Errorf("day1 spend = %v, want 0.50", agg.DaySpend)
	}

	mu.Lock()
	current = day2
	mu.Unlock()

	agg, _ = l.Aggregates(ctx, "")
	if agg.DaySpend != 0 {
		t.Errorf("day2 spend = %v, want 0 after rollover", agg.DaySpend)
	}
	if agg.MonthSpend != 0.50 {
		t.Errorf("month spend = %v, want 0.50 (same month)", agg.MonthSpend)
	}
}

func TestEstimateCallCost(t *testing.T) {
	tier := config.TierConfig{
		InputPerMTok:    3.00,
		OutputPerMTok:   15.00,
		MaxInputTokens:  12000,
		MaxOutputTokens: 4000,
	}
	// 12000*3/1e6 + 4000*15/1e6 = 0.036 + 0.060
	if got := EstimateCallCost(tier); got != 0.096 {
		t.Errorf("EstimateCallCost = %v, want 0.096", got)
	}
	if got := CostFor(tier, 1000, 100); got != 0.0045 {
		t.Errorf("CostFor = %v, want 0.0045", got)
	}
}

func TestForgetDropsCachedTotal(t *testing.T) {
	store := &memStore{}
	l := New(store, testCeilings())
	defer l.Close()
	ctx := context.Background()

	l.Record(ctx, &storage.CostLogEntry{TaskID: "t1", CostUSD: 0.10})
	l.Forget("t1")

	// reloads from the store, total intact
	agg, err := l.Aggregates(ctx, "t1")
	if err != nil {
		t.Fatalf("Aggregates: %v", err)
	}
	if agg.TaskSpend != 0.10 {
		t.Errorf("task spend after Forget = %v, want 0.10", agg.TaskSpend)
	}
}
