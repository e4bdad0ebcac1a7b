package recalc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/baseline-engine/internal/audit"
	"github.com/odyssey-erp/baseline-engine/internal/shared"
	"github.com/odyssey-erp/baseline-engine/internal/views"
	"github.com/odyssey-erp/baseline-engine/internal/vigency"
)

type memResults struct {
	mu     sync.Mutex
	saved  [][]Result
	stored map[shared.Period]Result
	err    error
	onSave func()
}

func (m *memResults) Get(_ context.Context, _ string, period shared.Period) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.stored[period]
	if !ok {
		return Result{}, ErrResultNotFound
	}
	return r, nil
}

func (m *memResults) SaveResults(_ context.Context, results []Result) error {
	if m.onSave != nil {
		m.onSave()
	}
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, append([]Result(nil), results...))
	if m.stored == nil {
		m.stored = map[shared.Period]Result{}
	}
	for _, r := range results {
		m.stored[r.Period()] = r
	}
	return nil
}

type auditLog struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *auditLog) Record(_ context.Context, e audit.Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *auditLog) byAction(action audit.Action) []audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []audit.Entry
	for _, e := range a.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type fixedBaseline struct {
	hours decimal.Decimal
}

func (f fixedBaseline) ResolveAt(_ context.Context, clientID string, date time.Time) (*vigency.Vigency, error) {
	return &vigency.Vigency{ClientID: clientID, BaselineHours: f.hours, StartDate: date}, nil
}

type harness struct {
	orchestrator *Orchestrator
	results      *memResults
	audit        *auditLog
	cache        *views.Cache
	locker       *shared.ClientLocker
}

func newHarness(t *testing.T, calc Calculator) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		results: &memResults{},
		audit:   &auditLog{},
		cache:   views.NewCache(client, time.Minute),
		locker:  shared.NewClientLocker(client, time.Minute, 0),
	}
	h.orchestrator = NewOrchestrator(Dependencies{
		Locker:      h.locker,
		Calculator:  calc,
		Baselines:   fixedBaseline{hours: decimal.NewFromInt(100)},
		Results:     h.results,
		Auditor:     h.audit,
		Invalidator: h.cache,
	})
	return h
}

func quarter() []shared.Period {
	return []shared.Period{{Month: 1, Year: 2025}, {Month: 2, Year: 2025}, {Month: 3, Year: 2025}}
}

func TestRunsPeriodsSequentiallyUnderLatency(t *testing.T) {
	var (
		mu       sync.Mutex
		order    []shared.Period
		inFlight int32
		overlap  int32
	)
	calc := CalculatorFunc(func(_ context.Context, req CalculationRequest) (Output, error) {
		if atomic.AddInt32(&inFlight, 1) > 1 {
			atomic.StoreInt32(&overlap, 1)
		}
		defer atomic.AddInt32(&inFlight, -1)
		if req.Period.Month == 1 {
			time.Sleep(40 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, req.Period)
		mu.Unlock()
		return Output{RemainingHours: req.Governing.BaselineHours}, nil
	})
	h := newHarness(t, calc)

	summary, err := h.orchestrator.RecalculatePeriods(context.Background(), "C1", quarter())
	require.NoError(t, err)
	assert.Equal(t, quarter(), order)
	assert.Zero(t, atomic.LoadInt32(&overlap), "calculator must never run concurrently")
	assert.Equal(t, 3, summary.SucceededCount)
	assert.Equal(t, OutcomeSuccess, summary.Outcome())
}

func TestPassesPreviousResultForCarryOver(t *testing.T) {
	var seen []*Result
	calc := CalculatorFunc(func(_ context.Context, req CalculationRequest) (Output, error) {
		seen = append(seen, req.Previous)
		return Output{CarryOver: decimal.NewFromInt(int64(req.Period.Month))}, nil
	})
	h := newHarness(t, calc)

	_, err := h.orchestrator.RecalculatePeriods(context.Background(), "C1", quarter())
	require.NoError(t, err)
	require.Len(t, seen, 3)
	assert.Nil(t, seen[0])
	require.NotNil(t, seen[2])
	assert.Equal(t, 2, seen[2].Month)
	assert.True(t, seen[2].Output.CarryOver.Equal(decimal.NewFromInt(2)))
}

func TestFirstPeriodReceivesStoredPriorMonth(t *testing.T) {
	var seen []*Result
	calc := CalculatorFunc(func(_ context.Context, req CalculationRequest) (Output, error) {
		seen = append(seen, req.Previous)
		return Output{CarryOver: decimal.NewFromInt(int64(req.Period.Month))}, nil
	})
	h := newHarness(t, calc)
	ctx := context.Background()

	_, err := h.orchestrator.RecalculatePeriods(ctx, "C1", quarter())
	require.NoError(t, err)

	seen = nil
	_, err = h.orchestrator.RecalculatePeriods(ctx, "C1", []shared.Period{{Month: 3, Year: 2025}, {Month: 4, Year: 2025}})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	require.NotNil(t, seen[0], "month before the run comes from the store")
	assert.Equal(t, 2, seen[0].Month)
	assert.True(t, seen[0].Output.CarryOver.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, 3, seen[1].Month)

	seen = nil
	_, err = h.orchestrator.RecalculatePeriods(ctx, "C2", quarter())
	require.NoError(t, err)
	assert.Nil(t, seen[0], "no stored prior month for a fresh client")
}

func TestPartialFailureIsReportedPerPeriod(t *testing.T) {
	calc := CalculatorFunc(func(_ context.Context, req CalculationRequest) (Output, error) {
		if req.Period.Month == 2 {
			return Output{}, errors.New("rate table missing")
		}
		return Output{}, nil
	})
	h := newHarness(t, calc)
	ctx := shared.ContextWithActor(context.Background(), "ops")

	summary, err := h.orchestrator.RecalculatePeriods(ctx, "C1", quarter())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.SucceededCount)
	assert.Equal(t, 1, summary.FailedCount)
	assert.Equal(t, OutcomePartial, summary.Outcome())
	assert.Equal(t, []shared.Period{{Month: 2, Year: 2025}}, summary.FailedPeriods())
	assert.Equal(t, "rate table missing", summary.Results[1].ErrorMessage)

	ok := h.audit.byAction(audit.ActionPeriodRecalculated)
	failed := h.audit.byAction(audit.ActionPeriodFailed)
	require.Len(t, ok, 2)
	require.Len(t, failed, 1)
	assert.Equal(t, 2, failed[0].Meta["month"])
	assert.Equal(t, "failed", failed[0].Meta["outcome"])
	assert.Equal(t, "ops", failed[0].ActorID)
	assert.Len(t, h.audit.byAction(audit.ActionRecalculationFinished), 1)

	require.Len(t, h.results.saved, 1, "results persisted once")
	assert.Len(t, h.results.saved[0], 3)
}

func TestAllFailedIsFailureOutcome(t *testing.T) {
	calc := CalculatorFunc(func(context.Context, CalculationRequest) (Output, error) {
		return Output{}, errors.New("down")
	})
	h := newHarness(t, calc)

	summary, err := h.orchestrator.RecalculatePeriods(context.Background(), "C1", quarter())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailure, summary.Outcome())
	assert.Equal(t, 3, summary.FailedCount)
}

func TestRejectsUnsortedOrEmptyPeriodsWithoutWork(t *testing.T) {
	var calls int32
	calc := CalculatorFunc(func(context.Context, CalculationRequest) (Output, error) {
		atomic.AddInt32(&calls, 1)
		return Output{}, nil
	})
	h := newHarness(t, calc)
	ctx := context.Background()

	cases := [][]shared.Period{
		nil,
		{{Month: 2, Year: 2025}, {Month: 1, Year: 2025}},
		{{Month: 1, Year: 2025}, {Month: 1, Year: 2025}},
		{{Month: 13, Year: 2025}},
	}
	for _, periods := range cases {
		_, err := h.orchestrator.RecalculatePeriods(ctx, "C1", periods)
		assert.ErrorIs(t, err, shared.ErrPrecondition)
	}
	assert.Zero(t, calls)
	assert.Empty(t, h.audit.entries)
	assert.Empty(t, h.results.saved)
}

func TestSecondRunForSameClientIsBusy(t *testing.T) {
	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})
	calc := CalculatorFunc(func(_ context.Context, req CalculationRequest) (Output, error) {
		if req.ClientID == "C1" && req.Period.Month == 1 {
			once.Do(func() {
				close(started)
				<-release
			})
		}
		return Output{}, nil
	})
	h := newHarness(t, calc)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.orchestrator.RecalculatePeriods(ctx, "C1", quarter())
		done <- err
	}()
	<-started

	_, err := h.orchestrator.RecalculatePeriods(ctx, "C1", quarter())
	assert.ErrorIs(t, err, shared.ErrBusy)

	_, err = h.orchestrator.RecalculatePeriods(ctx, "C2", quarter())
	assert.NoError(t, err, "other clients run independently")

	close(release)
	require.NoError(t, <-done)

	_, err = h.orchestrator.RecalculatePeriods(ctx, "C1", quarter())
	assert.NoError(t, err, "lock released after the run")
}

func TestTimeoutMarksRemainingPeriods(t *testing.T) {
	calc := CalculatorFunc(func(ctx context.Context, req CalculationRequest) (Output, error) {
		time.Sleep(30 * time.Millisecond)
		return Output{}, nil
	})
	h := newHarness(t, calc)

	summary, err := h.orchestrator.RecalculatePeriods(context.Background(), "C1", quarter(), WithTimeout(10*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SucceededCount, "in-flight period completes")
	assert.Equal(t, 2, summary.TimedOutCount)
	assert.Equal(t, StatusTimeout, summary.Results[2].Status)
	assert.Equal(t, OutcomePartial, summary.Outcome())
	assert.Len(t, h.audit.byAction(audit.ActionPeriodTimedOut), 2)
}

func TestRequestedTimeoutIsCappedByDefault(t *testing.T) {
	calc := CalculatorFunc(func(context.Context, CalculationRequest) (Output, error) {
		time.Sleep(30 * time.Millisecond)
		return Output{}, nil
	})
	h := newHarness(t, calc)
	h.orchestrator.timeout = 10 * time.Millisecond

	summary, err := h.orchestrator.RecalculatePeriods(context.Background(), "C1", quarter(), WithTimeout(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SucceededCount)
	assert.Equal(t, 2, summary.TimedOutCount)
}

func TestCallerCancellationDoesNotAbortRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calc := CalculatorFunc(func(callCtx context.Context, req CalculationRequest) (Output, error) {
		cancel()
		if err := callCtx.Err(); err != nil {
			return Output{}, err
		}
		return Output{}, nil
	})
	h := newHarness(t, calc)

	summary, err := h.orchestrator.RecalculatePeriods(ctx, "C1", quarter())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.SucceededCount)
}

func TestInvalidatesOnceAfterPersistence(t *testing.T) {
	calc := CalculatorFunc(func(context.Context, CalculationRequest) (Output, error) { return Output{}, nil })
	h := newHarness(t, calc)
	ctx := context.Background()

	before, err := h.cache.Version(ctx, "C1")
	require.NoError(t, err)

	var versionAtSave int64
	h.results.onSave = func() {
		versionAtSave, _ = h.cache.Version(ctx, "C1")
	}

	summary, err := h.orchestrator.RecalculatePeriods(ctx, "C1", quarter())
	require.NoError(t, err)
	assert.Equal(t, before, versionAtSave, "views untouched while results are written")
	assert.Equal(t, before+1, summary.ViewVersion, "exactly one bump per run")
}

func TestPersistenceFailureIsFatalAndSkipsInvalidation(t *testing.T) {
	calc := CalculatorFunc(func(context.Context, CalculationRequest) (Output, error) { return Output{}, nil })
	h := newHarness(t, calc)
	h.results.err = errors.New("connection refused")
	ctx := context.Background()

	before, err := h.cache.Version(ctx, "C1")
	require.NoError(t, err)

	_, err = h.orchestrator.RecalculatePeriods(ctx, "C1", quarter())
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrPersistence)

	after, err := h.cache.Version(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = h.locker.Acquire(ctx, "C1")
	assert.NoError(t, err, "lock released on error path")

	assert.Empty(t, h.audit.byAction(audit.ActionPeriodRecalculated), "no period reported as recalculated when nothing was stored")
	finished := h.audit.byAction(audit.ActionRecalculationFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, string(OutcomeFailure), finished[0].Meta["outcome"])
	assert.Equal(t, false, finished[0].Meta["persisted"])
}

func TestReservedRunHoldsLockUntilReleased(t *testing.T) {
	var calls int32
	calc := CalculatorFunc(func(context.Context, CalculationRequest) (Output, error) {
		atomic.AddInt32(&calls, 1)
		return Output{}, nil
	})
	h := newHarness(t, calc)
	ctx := context.Background()

	run, err := h.orchestrator.Reserve(ctx, "C1")
	require.NoError(t, err)

	_, err = h.orchestrator.RecalculatePeriods(ctx, "C1", quarter())
	assert.ErrorIs(t, err, shared.ErrBusy)
	_, err = h.orchestrator.Reserve(ctx, "C1")
	assert.ErrorIs(t, err, shared.ErrBusy)

	summary, err := run.RecalculatePeriods(ctx, quarter())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.SucceededCount)

	_, err = h.orchestrator.RecalculatePeriods(ctx, "C1", quarter())
	assert.ErrorIs(t, err, shared.ErrBusy, "lock survives the reserved run")

	require.NoError(t, run.Release(ctx))
	_, err = h.orchestrator.RecalculatePeriods(ctx, "C1", quarter())
	assert.NoError(t, err)
	assert.EqualValues(t, 6, atomic.LoadInt32(&calls))
}
