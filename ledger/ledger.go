// Package ledger enforces spend ceilings. All appends and ceiling checks
// flow through one owner goroutine so daily/monthly aggregates never lose
// updates under concurrent tasks.
package ledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gliderlab/taskpilot/pkg/config"
	"github.com/gliderlab/taskpilot/storage"
)

// Store is the persistence surface the ledger needs.
type Store interface {
	AppendCost(*storage.CostLogEntry) error
	SumCostForTask(taskID string) (float64, error)
	SumCostForPrefix(prefix string) (float64, error)
}

// Breach identifies which ceiling a proposed call would cross.
type Breach string

const (
	BreachNone    Breach = ""
	BreachTask    Breach = "task"
	BreachDaily   Breach = "daily"
	BreachMonthly Breach = "monthly"
)

// Decision is the answer to a pre-call ceiling check.
type Decision struct {
	Ok         bool
	Breach     Breach
	TaskSpend  float64
	DaySpend   float64
	MonthSpend float64
}

// Aggregates reports current spend at the three boundaries.
type Aggregates struct {
	TaskSpend  float64 `json:"task_spend"`
	DaySpend   float64 `json:"day_spend"`
	MonthSpend float64 `json:"month_spend"`
}

type opKind int

const (
	opRecord opKind = iota
	opCheck
	opAggregates
	opForget
)

type request struct {
	kind     opKind
	entry    *storage.CostLogEntry
	taskID   string
	estimate float64
	reply    chan response
}

type response struct {
	err      error
	decision Decision
	agg      Aggregates
}

// Ledger is the single-writer budget service.
type Ledger struct {
	store    Store
	ceilings config.BudgetConfig
	now      func() time.Time

	reqCh chan request
	done  chan struct{}
}

// New starts the ledger's owner goroutine.
func New(store Store, ceilings config.BudgetConfig) *Ledger {
	l := &Ledger{
		store:    store,
		ceilings: ceilings,
		now:      func() time.Time { return time.Now().UTC() },
		reqCh:    make(chan request),
		done:     make(chan struct{}),
	}
	go l.run()
	return l
}

// Close stops the owner goroutine. Pending requests are served first.
func (l *Ledger) Close() {
	close(l.reqCh)
	<-l.done
}

// EstimateCallCost returns the worst-case cost of one call at a tier:
// full input and output token budgets at the tier's pricing. The
// pre-call check uses this, never the unknown actual cost.
func EstimateCallCost(tier config.TierConfig) float64 {
	return (float64(tier.MaxInputTokens)*tier.InputPerMTok +
		float64(tier.MaxOutputTokens)*tier.OutputPerMTok) / 1e6
}

// CostFor computes the actual cost of a finished call from reported usage.
func CostFor(tier config.TierConfig, inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*tier.InputPerMTok +
		float64(outputTokens)*tier.OutputPerMTok) / 1e6
}

// Record appends a cost entry and updates aggregates atomically.
func (l *Ledger) Record(ctx context.Context, entry *storage.CostLogEntry) error {
	resp, err := l.send(ctx, request{kind: opRecord, entry: entry})
	if err != nil {
		return err
	}
	return resp.err
}

// Check reports whether a call with the given estimated cost would breach
// any ceiling for the task. Must run before every model call.
func (l *Ledger) Check(ctx context.Context, taskID string, estimate float64) (Decision, error) {
	resp, err := l.send(ctx, request{kind: opCheck, taskID: taskID, estimate: estimate})
	if err != nil {
		return Decision{}, err
	}
	return resp.decision, resp.err
}

// Aggregates returns current spend for the task, today, and this month.
func (l *Ledger) Aggregates(ctx context.Context, taskID string) (Aggregates, error) {
	resp, err := l.send(ctx, request{kind: opAggregates, taskID: taskID})
	if err != nil {
		return Aggregates{}, err
	}
	return resp.agg, resp.err
}

// Forget drops a finished task's in-memory total. Safe to call for
// unknown tasks.
func (l *Ledger) Forget(taskID string) {
	_, _ = l.send(context.Background(), request{kind: opForget, taskID: taskID})
}

func (l *Ledger) send(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case l.reqCh <- req:
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-l.done:
		return response{}, fmt.Errorf("ledger closed")
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// run owns all aggregate state. Nothing outside this goroutine touches it.
func (l *Ledger) run() {
	defer close(l.done)

	taskTotals := make(map[string]float64)
	taskLoaded := make(map[string]bool)
	var dayKey, monthKey string
	var dayTotal, monthTotal float64

	// rollCalendar reloads the day/month totals from the store when the
	// UTC calendar boundary moves.
	rollCalendar := func() error {
		now := l.now()
		dk := now.Format("2006-01-02")
		mk := now.Format("2006-01")
		if dk != dayKey {
			sum, err := l.store.SumCostForPrefix(dk)
			if err != nil {
				return fmt.Errorf("load day aggregate: %w", err)
			}
			dayKey, dayTotal = dk, sum
		}
		if mk != monthKey {
			sum, err := l.store.SumCostForPrefix(mk)
			if err != nil {
				return fmt.Errorf("load month aggregate: %w", err)
			}
			monthKey, monthTotal = mk, sum
		}
		return nil
	}

	taskTotal := func(taskID string) (float64, error) {
		if !taskLoaded[taskID] {
			sum, err := l.store.SumCostForTask(taskID)
			if err != nil {
				return 0, fmt.Errorf("load task aggregate: %w", err)
			}
			taskTotals[taskID] = sum
			taskLoaded[taskID] = true
		}
		return taskTotals[taskID], nil
	}

	for req := range l.reqCh {
		var resp response
		switch req.kind {
		case opRecord:
			resp.err = func() error {
				if err := rollCalendar(); err != nil {
					return err
				}
				if _, err := taskTotal(req.entry.TaskID); err != nil {
					return err
				}
				if req.entry.Timestamp.IsZero() {
					req.entry.Timestamp = l.now()
				}
				if err := l.store.AppendCost(req.entry); err != nil {
					return err
				}
				taskTotals[req.entry.TaskID] += req.entry.CostUSD
				// entries recorded for today by construction
				if req.entry.Timestamp.UTC().Format("2006-01-02") == dayKey {
					dayTotal += req.entry.CostUSD
				}
				if req.entry.Timestamp.UTC().Format("2006-01") == monthKey {
					monthTotal += req.entry.CostUSD
				}
				return nil
			}()

		case opCheck:
			resp.err = func() error {
				if err := rollCalendar(); err != nil {
					return err
				}
				taskSpend, err := taskTotal(req.taskID)
				if err != nil {
					return err
				}
				d := Decision{
					Ok:         true,
					TaskSpend:  taskSpend,
					DaySpend:   dayTotal,
					MonthSpend: monthTotal,
				}
				switch {
				case taskSpend+req.estimate > l.ceilings.TaskCeilingUSD:
					d.Ok, d.Breach = false, BreachTask
				case dayTotal+req.estimate > l.ceilings.DailyCeilingUSD:
					d.Ok, d.Breach = false, BreachDaily
				case monthTotal+req.estimate > l.ceilings.MonthlyCeilingUSD:
					d.Ok, d.Breach = false, BreachMonthly
				}
				if !d.Ok {
					log.Printf("[BUDGET] task %s blocked: %s ceiling (task=%.4f day=%.4f month=%.4f est=%.4f)",
						req.taskID, d.Breach, taskSpend, dayTotal, monthTotal, req.estimate)
				}
				resp.decision = d
				return nil
			}()

		case opAggregates:
			resp.err = func() error {
				if err := rollCalendar(); err != nil {
					return err
				}
				taskSpend := 0.0
				if req.taskID != "" {
					var err error
					taskSpend, err = taskTotal(req.taskID)
					if err != nil {
						return err
					}
				}
				resp.agg = Aggregates{TaskSpend: taskSpend, DaySpend: dayTotal, MonthSpend: monthTotal}
				return nil
			}()

		case opForget:
			delete(taskTotals, req.taskID)
			delete(taskLoaded, req.taskID)
		}
		req.reply <- resp
	}
}
