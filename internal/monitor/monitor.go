// Package monitor runs update cycles: fetch balances, diff against the stored snapshot,
// persist the new snapshot and notify about changes.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/coinwatch/internal/domain"
	"github.com/vadiminshakov/coinwatch/internal/metrics"
)

// ErrCycleInProgress is returned when a trigger arrives while a cycle is running.
var ErrCycleInProgress = errors.New("update cycle already in progress")

// State of the orchestrator.
type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type fetcher interface {
	FetchBalances(ctx context.Context, address string) ([]domain.CoinBalance, error)
}

type snapshotStore interface {
	Load(ctx context.Context, account string) (domain.Snapshot, error)
	Save(ctx context.Context, account string, snapshot domain.Snapshot) error
}

type differ interface {
	Diff(account string, prev, next domain.Snapshot) []domain.Change
}

type sender interface {
	SendText(ctx context.Context, text string) error
}

type changeJournal interface {
	Append(event domain.ChangeEvent) (uint64, error)
}

type publisher interface {
	Publish(record domain.ChangeEventRecord)
}

type changeFilter interface {
	Filter(account string, changes []domain.Change) []domain.Change
	Remember(account string, changes []domain.Change)
}

// AccountResult outcome of one account within a cycle.
type AccountResult struct {
	Account string          `json:"account"`
	Changes []domain.Change `json:"changes"`
	// Stage where processing stopped or degraded, empty on success.
	Stage string `json:"stage,omitempty"`
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
}

// CycleReport summary of a finished cycle.
type CycleReport struct {
	ID         string          `json:"id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Accounts   []AccountResult `json:"accounts"`
}

// Option configures optional collaborators of the Monitor.
type Option func(*Monitor)

// WithJournal records every detected change event.
func WithJournal(j changeJournal) Option {
	return func(m *Monitor) {
		m.journal = j
	}
}

// WithPublisher announces every journaled change event.
func WithPublisher(p publisher) Option {
	return func(m *Monitor) {
		m.publisher = p
	}
}

// WithFilter drops already delivered changes from the cycle that follows a failed
// snapshot save, when the same changes are detected again.
func WithFilter(f changeFilter) Option {
	return func(m *Monitor) {
		m.filter = f
	}
}

func WithMetrics(c *metrics.Cycle) Option {
	return func(m *Monitor) {
		m.metrics = c
	}
}

// WithFetchTimeout bounds each balance request.
func WithFetchTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		m.fetchTimeout = d
	}
}

// Monitor orchestrates update cycles over a fixed set of accounts.
// At most one cycle runs at a time; concurrent triggers are dropped.
type Monitor struct {
	l        *zap.Logger
	accounts []domain.Account
	fetcher  fetcher
	store    snapshotStore
	differ   differ
	sender   sender

	journal      changeJournal
	publisher    publisher
	filter       changeFilter
	metrics      *metrics.Cycle
	fetchTimeout time.Duration
	now          func() time.Time

	state atomic.Int32

	mu         sync.RWMutex
	lastReport *CycleReport

	// accounts whose last save failed, so their next diff may repeat delivered changes
	repeatMu      sync.Mutex
	pendingRepeat map[string]struct{}
}

// NewMonitor creates an idle monitor.
func NewMonitor(l *zap.Logger, accounts []domain.Account, f fetcher, store snapshotStore, d differ, s sender, opts ...Option) *Monitor {
	if l == nil {
		l = zap.NewNop()
	}

	m := &Monitor{
		l:        l,
		accounts: accounts,
		fetcher:  f,
		store:    store,
		differ:   d,
		sender:   s,
		now:      time.Now,

		pendingRepeat: make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// State returns the current orchestrator state.
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// LastReport returns the report of the last finished cycle, if any.
func (m *Monitor) LastReport() (CycleReport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.lastReport == nil {
		return CycleReport{}, false
	}

	return *m.lastReport, true
}

// Trigger requests a cycle on demand.
func (m *Monitor) Trigger(ctx context.Context) (CycleReport, error) {
	return m.RunCycle(ctx)
}

// Run starts a cycle immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return errors.Errorf("poll interval must be positive, got %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.l.Info("Starting monitor loop", zap.Int("accounts", len(m.accounts)), zap.Duration("poll_interval", interval))

	m.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			m.l.Info("Context done, stopping monitor loop")
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if _, err := m.RunCycle(ctx); err != nil {
		switch {
		case errors.Is(err, ErrCycleInProgress):
			m.l.Debug("Previous cycle still running, tick dropped")
		case errors.Is(err, context.Canceled):
		default:
			m.l.Error("Update cycle failed", zap.Error(err))
		}
	}
}

// RunCycle processes every account once. It returns ErrCycleInProgress without doing
// anything if another cycle is running.
func (m *Monitor) RunCycle(ctx context.Context) (report CycleReport, err error) {
	if !m.state.CompareAndSwap(int32(Idle), int32(Running)) {
		m.metrics.CycleSkipped()
		return CycleReport{}, ErrCycleInProgress
	}
	defer m.state.Store(int32(Idle))

	report = CycleReport{ID: uuid.NewString(), StartedAt: m.now().UTC()}
	m.metrics.CycleStarted()

	l := m.l.With(zap.String("cycle_id", report.ID))
	l.Debug("Update cycle started")

	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("update cycle panicked: %v", r)
			l.Error("Update cycle panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		report.FinishedAt = m.now().UTC()
		m.metrics.CycleFinished(report.StartedAt)
		m.storeReport(report)
	}()

	for _, account := range m.accounts {
		if ctxErr := ctx.Err(); ctxErr != nil {
			l.Info("Update cycle interrupted", zap.Error(ctxErr))
			return report, ctxErr
		}

		report.Accounts = append(report.Accounts, m.processAccount(ctx, l, report.ID, account))
	}

	l.Debug("Update cycle finished", zap.Int("accounts", len(report.Accounts)))

	return report, nil
}

func (m *Monitor) storeReport(report CycleReport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastReport = &report
}

func (m *Monitor) processAccount(ctx context.Context, l *zap.Logger, cycleID string, account domain.Account) AccountResult {
	l = l.With(zap.String("account", account.Name))
	res := AccountResult{Account: account.Name}

	coins, err := m.fetch(ctx, account.Address)
	if err != nil {
		l.Error("Failed to fetch balances", zap.String("address", account.Address), zap.Error(err))
		m.metrics.AccountFailed(metrics.StageFetch)
		return res.fail(metrics.StageFetch, err)
	}

	prev, err := m.store.Load(ctx, account.Name)
	if err != nil {
		var malformed *domain.MalformedSnapshotError
		if errors.As(err, &malformed) {
			l.Error("Stored snapshot is malformed, account skipped until it is repaired", zap.Error(err))
		} else {
			l.Error("Failed to load snapshot", zap.Error(err))
		}
		m.metrics.AccountFailed(metrics.StageLoad)
		return res.fail(metrics.StageLoad, err)
	}

	next := domain.NewSnapshot(coins)
	next.UpdatedAt = m.now().UTC()

	repeat := m.takeRepeat(account.Name)

	changes := m.differ.Diff(account.Name, prev, next)
	res.Changes = changes

	if !prev.Found && len(changes) == 0 {
		l.Info("First observation, snapshot seeded", zap.Int("coins", len(coins)))
	}

	if err := m.store.Save(ctx, account.Name, next); err != nil {
		// changes are still delivered, the next cycle may repeat them
		l.Error("Failed to save snapshot", zap.Error(err))
		m.metrics.AccountFailed(metrics.StageSave)
		res = res.fail(metrics.StageSave, err)
		m.markRepeat(account.Name)
	}

	if len(changes) == 0 {
		return res
	}

	for _, c := range changes {
		m.metrics.ChangesDetected(string(c.Kind), 1)
	}

	if m.journal != nil {
		event := domain.ChangeEvent{
			Timestamp: next.UpdatedAt,
			CycleID:   cycleID,
			Account:   account.Name,
			Changes:   changes,
		}
		idx, err := m.journal.Append(event)
		if err != nil {
			l.Warn("Failed to journal changes", zap.Error(err))
			m.metrics.AccountFailed(metrics.StageJournal)
		} else if m.publisher != nil {
			m.publisher.Publish(domain.ChangeEventRecord{Index: idx, Event: event})
		}
	}

	toSend := changes
	if m.filter != nil && repeat {
		toSend = m.filter.Filter(account.Name, changes)
		if dropped := len(changes) - len(toSend); dropped > 0 {
			l.Info("Suppressed recently delivered changes", zap.Int("dropped", dropped))
		}
	}

	if len(toSend) == 0 {
		return res
	}

	delivered := m.notify(ctx, l, account.Name, toSend)
	if len(delivered) < len(toSend) {
		m.metrics.AccountFailed(metrics.StageNotify)
		if res.Stage == "" {
			res = res.fail(metrics.StageNotify, errors.Errorf("%d of %d messages not delivered",
				len(toSend)-len(delivered), len(toSend)))
		}
	}
	if m.filter != nil {
		m.filter.Remember(account.Name, delivered)
	}

	return res
}

func (m *Monitor) markRepeat(account string) {
	m.repeatMu.Lock()
	defer m.repeatMu.Unlock()
	m.pendingRepeat[account] = struct{}{}
}

// takeRepeat reports and clears the pending repeat mark of the account.
func (m *Monitor) takeRepeat(account string) bool {
	m.repeatMu.Lock()
	defer m.repeatMu.Unlock()
	_, ok := m.pendingRepeat[account]
	delete(m.pendingRepeat, account)
	return ok
}

func (m *Monitor) fetch(ctx context.Context, address string) ([]domain.CoinBalance, error) {
	if m.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.fetchTimeout)
		defer cancel()
	}

	return m.fetcher.FetchBalances(ctx, address)
}

// notify sends the header followed by one message per change and returns the
// changes whose message was delivered. Failures do not stop the remaining messages.
func (m *Monitor) notify(ctx context.Context, l *zap.Logger, account string, changes []domain.Change) []domain.Change {
	if err := m.sender.SendText(ctx, FormatHeader(account)); err != nil {
		l.Error("Failed to send account header", zap.Error(err))
	}

	delivered := make([]domain.Change, 0, len(changes))
	for _, c := range changes {
		if err := m.sender.SendText(ctx, FormatChange(c)); err != nil {
			l.Error("Failed to send change", zap.String("coin_type", c.CoinType), zap.Error(err))
			continue
		}
		delivered = append(delivered, c)
	}

	return delivered
}

func (r AccountResult) fail(stage string, err error) AccountResult {
	r.Stage = stage
	r.Err = err
	r.Error = err.Error()
	return r
}
