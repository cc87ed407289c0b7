package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/coinwatch/internal/diff"
	"github.com/vadiminshakov/coinwatch/internal/domain"
	"github.com/vadiminshakov/coinwatch/internal/events"
	"github.com/vadiminshakov/coinwatch/internal/metrics"
	"github.com/vadiminshakov/coinwatch/internal/notifier"
	"github.com/vadiminshakov/coinwatch/internal/storage/snapshots"
)

func coin(coinType, balance string) domain.CoinBalance {
	return domain.CoinBalance{
		CoinType: coinType,
		Name:     coinType + " coin",
		Symbol:   coinType,
		Balance:  decimal.RequireFromString(balance),
	}
}

// recordingSender collects sent messages and fails the ones listed in failOn.
type recordingSender struct {
	mu     sync.Mutex
	sent   []string
	failOn map[string]error
}

func (s *recordingSender) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failOn[text]; ok {
		return err
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *recordingSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// staticFetcher returns canned balances per address.
type staticFetcher struct {
	mu       sync.Mutex
	balances map[string][]domain.CoinBalance
	errs     map[string]error
}

func (f *staticFetcher) set(address string, coins ...domain.CoinBalance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[address] = coins
}

func (f *staticFetcher) FetchBalances(_ context.Context, address string) ([]domain.CoinBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[address]; err != nil {
		return nil, err
	}
	return f.balances[address], nil
}

func newStaticFetcher() *staticFetcher {
	return &staticFetcher{balances: map[string][]domain.CoinBalance{}, errs: map[string]error{}}
}

func newFileStore(t *testing.T) *snapshots.FileStore {
	store, err := snapshots.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func engine() *diff.Engine {
	return diff.NewEngine(zap.NewNop(), diff.Policy{})
}

func TestMonitor_SeedThenReportChanges(t *testing.T) {
	accounts := []domain.Account{{Address: "0xa", Name: "alice"}}
	f := newStaticFetcher()
	s := &recordingSender{}
	m := NewMonitor(zap.NewNop(), accounts, f, newFileStore(t), engine(), s)

	f.set("0xa", coin("SUI", "100"))
	report, err := m.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Accounts, 1)
	assert.Empty(t, report.Accounts[0].Changes)
	assert.Empty(t, s.messages())

	f.set("0xa", coin("SUI", "150"), coin("USDC", "10"))
	report, err = m.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Accounts[0].Changes, 2)

	assert.Equal(t, []string{
		"Account alice",
		"SUI\n SUI coin\n SUI\n 100 to 150\n diff: 50",
		"USDC\n USDC coin\n USDC\n 0 to 10\n diff: 10",
	}, s.messages())

	_, err = m.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, s.messages(), 3, "unchanged balances produce no messages")
}

func TestMonitor_SingleFlight(t *testing.T) {
	accounts := []domain.Account{{Address: "0xa", Name: "alice"}}

	started := make(chan struct{})
	release := make(chan struct{})

	fetcher := &fetcherMock{}
	fetcher.On("FetchBalances", mock.Anything, "0xa").
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return([]domain.CoinBalance{coin("SUI", "1")}, nil).Once()

	reg := prometheus.NewRegistry()
	m := NewMonitor(zap.NewNop(), accounts, fetcher, newFileStore(t), engine(), &recordingSender{}, WithMetrics(metrics.New(reg)))

	done := make(chan error, 1)
	go func() {
		_, err := m.RunCycle(context.Background())
		done <- err
	}()

	<-started
	assert.Equal(t, Running, m.State())

	for i := 0; i < 5; i++ {
		_, err := m.Trigger(context.Background())
		require.ErrorIs(t, err, ErrCycleInProgress)
	}

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Idle, m.State())
	fetcher.AssertNumberOfCalls(t, "FetchBalances", 1)

	report, ok := m.LastReport()
	require.True(t, ok)
	assert.NotEmpty(t, report.ID)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}

func TestMonitor_ConcurrentTriggersRunOnce(t *testing.T) {
	accounts := []domain.Account{{Address: "0xa", Name: "alice"}}
	gate := make(chan struct{})

	fetcher := &fetcherMock{}
	fetcher.On("FetchBalances", mock.Anything, "0xa").
		Run(func(mock.Arguments) { <-gate }).
		Return([]domain.CoinBalance{}, nil)

	m := NewMonitor(zap.NewNop(), accounts, fetcher, newFileStore(t), engine(), &recordingSender{})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		rejected int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.RunCycle(context.Background()); errors.Is(err, ErrCycleInProgress) {
				mu.Lock()
				rejected++
				mu.Unlock()
			}
		}()
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return rejected == 9
	}, time.Second, 5*time.Millisecond)

	close(gate)
	wg.Wait()
	fetcher.AssertNumberOfCalls(t, "FetchBalances", 1)
	assert.Equal(t, Idle, m.State())
}

func TestMonitor_FailureIsolation(t *testing.T) {
	accounts := []domain.Account{
		{Address: "0xa", Name: "alice"},
		{Address: "0xb", Name: "bob"},
	}
	f := newStaticFetcher()
	store := newFileStore(t)
	s := &recordingSender{}
	m := NewMonitor(zap.NewNop(), accounts, f, store, engine(), s)

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "alice", domain.NewSnapshot([]domain.CoinBalance{coin("SUI", "1")})))
	require.NoError(t, store.Save(ctx, "bob", domain.NewSnapshot([]domain.CoinBalance{coin("SUI", "1")})))

	f.errs["0xa"] = &domain.FetchError{Address: "0xa", Kind: domain.FetchErrorNetwork, Err: errors.New("timeout")}
	f.set("0xb", coin("SUI", "2"))

	report, err := m.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, report.Accounts, 2)

	assert.Equal(t, metrics.StageFetch, report.Accounts[0].Stage)
	assert.Contains(t, report.Accounts[0].Error, "timeout")
	assert.Empty(t, report.Accounts[1].Stage)
	assert.Equal(t, []string{"Account bob", "SUI\n SUI coin\n SUI\n 1 to 2\n diff: 1"}, s.messages())

	alice, err := store.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "1", alice.Coins[0].Balance.String(), "failed account keeps its snapshot")
}

func TestMonitor_MalformedSnapshotSkipped(t *testing.T) {
	accounts := []domain.Account{{Address: "0xa", Name: "alice"}}
	f := newStaticFetcher()
	f.set("0xa", coin("SUI", "5"))

	store := &storeMock{}
	store.On("Load", mock.Anything, "alice").
		Return(domain.Snapshot{}, &domain.MalformedSnapshotError{Account: "alice", Err: errors.New("bad json")})

	s := &recordingSender{}
	m := NewMonitor(zap.NewNop(), accounts, f, store, engine(), s)

	report, err := m.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metrics.StageLoad, report.Accounts[0].Stage)
	store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)
	assert.Empty(t, s.messages())
}

func TestMonitor_SaveFailureStillNotifies(t *testing.T) {
	accounts := []domain.Account{{Address: "0xa", Name: "alice"}}
	f := newStaticFetcher()
	f.set("0xa", coin("SUI", "2"))

	store := &storeMock{}
	store.On("Load", mock.Anything, "alice").Return(domain.NewSnapshot([]domain.CoinBalance{coin("SUI", "1")}), nil)
	store.On("Save", mock.Anything, "alice", mock.Anything).
		Return(&domain.PersistenceError{Account: "alice", Op: domain.PersistenceSave, Err: errors.New("disk full")})

	journal := &journalMock{}
	journal.On("Append", mock.MatchedBy(func(e domain.ChangeEvent) bool {
		return e.Account == "alice" && len(e.Changes) == 1 && e.CycleID != ""
	})).Return(uint64(1), nil).Once()

	s := &recordingSender{}
	m := NewMonitor(zap.NewNop(), accounts, f, store, engine(), s, WithJournal(journal))

	report, err := m.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, metrics.StageSave, report.Accounts[0].Stage)
	assert.Len(t, s.messages(), 2)
	journal.AssertExpectations(t)
}

func TestMonitor_PublishesJournaledEvents(t *testing.T) {
	accounts := []domain.Account{{Address: "0xa", Name: "alice"}}
	f := newStaticFetcher()
	store := newFileStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "alice", domain.NewSnapshot([]domain.CoinBalance{coin("SUI", "1")})))
	f.set("0xa", coin("SUI", "3"))

	journal := &journalMock{}
	journal.On("Append", mock.Anything).Return(uint64(42), nil).Once()

	b := events.NewChangeBroadcaster(4)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	m := NewMonitor(zap.NewNop(), accounts, f, store, engine(), &recordingSender{},
		WithJournal(journal), WithPublisher(b))

	_, err := m.RunCycle(ctx)
	require.NoError(t, err)

	select {
	case rec := <-sub:
		assert.Equal(t, uint64(42), rec.Index)
		assert.Equal(t, "alice", rec.Event.Account)
		require.Len(t, rec.Event.Changes, 1)
		assert.Equal(t, "2", rec.Event.Changes[0].Diff)
	default:
		t.Fatal("change event was not published")
	}
}

func TestMonitor_NotifyFailureContinues(t *testing.T) {
	accounts := []domain.Account{{Address: "0xa", Name: "alice"}}
	f := newStaticFetcher()
	store := newFileStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "alice", domain.NewSnapshot([]domain.CoinBalance{coin("A", "1"), coin("B", "1")})))
	f.set("0xa", coin("A", "2"), coin("B", "2"))

	s := &recordingSender{failOn: map[string]error{
		"A\n A coin\n A\n 1 to 2\n diff: 1": &domain.NotifyError{Status: 500, Err: errors.New("boom")},
	}}
	m := NewMonitor(zap.NewNop(), accounts, f, store, engine(), s)

	report, err := m.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Account alice", "B\n B coin\n B\n 1 to 2\n diff: 1"}, s.messages())
	assert.Equal(t, metrics.StageNotify, report.Accounts[0].Stage)

	saved, err := store.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "2", saved.Coins[0].Balance.String())
}

func TestMonitor_DedupeFilter(t *testing.T) {
	accounts := []domain.Account{{Address: "0xa", Name: "alice"}}
	f := newStaticFetcher()
	f.set("0xa", coin("SUI", "2"))

	store := &storeMock{}
	store.On("Load", mock.Anything, "alice").Return(domain.NewSnapshot([]domain.CoinBalance{coin("SUI", "1")}), nil)
	store.On("Save", mock.Anything, "alice", mock.Anything).Return(errors.New("read-only"))

	s := &recordingSender{}
	m := NewMonitor(zap.NewNop(), accounts, f, store, engine(), s, WithFilter(notifier.NewDeduper(time.Minute)))

	_, err := m.RunCycle(context.Background())
	require.NoError(t, err)
	_, err = m.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Len(t, s.messages(), 2, "repeated change is delivered once")
}

func TestMonitor_DedupeOnlyAfterSaveFailure(t *testing.T) {
	accounts := []domain.Account{{Address: "0xa", Name: "alice"}}
	f := newStaticFetcher()
	store := newFileStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "alice", domain.NewSnapshot([]domain.CoinBalance{coin("SUI", "100")})))

	s := &recordingSender{}
	m := NewMonitor(zap.NewNop(), accounts, f, store, engine(), s, WithFilter(notifier.NewDeduper(time.Hour)))

	for _, balance := range []string{"150", "100", "150"} {
		f.set("0xa", coin("SUI", balance))
		_, err := m.RunCycle(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{
		"Account alice", "SUI\n SUI coin\n SUI\n 100 to 150\n diff: 50",
		"Account alice", "SUI\n SUI coin\n SUI\n 150 to 100\n diff: -50",
		"Account alice", "SUI\n SUI coin\n SUI\n 100 to 150\n diff: 50",
	}, s.messages(), "a balance swinging back is reported every time")
}

func TestMonitor_DedupeClearedAfterRepeatCycle(t *testing.T) {
	accounts := []domain.Account{{Address: "0xa", Name: "alice"}}
	f := newStaticFetcher()
	f.set("0xa", coin("SUI", "2"))

	store := &storeMock{}
	store.On("Load", mock.Anything, "alice").Return(domain.NewSnapshot([]domain.CoinBalance{coin("SUI", "1")}), nil)
	store.On("Save", mock.Anything, "alice", mock.Anything).Return(errors.New("read-only")).Once()
	store.On("Save", mock.Anything, "alice", mock.Anything).Return(nil)

	s := &recordingSender{}
	m := NewMonitor(zap.NewNop(), accounts, f, store, engine(), s, WithFilter(notifier.NewDeduper(time.Hour)))

	for i := 0; i < 3; i++ {
		_, err := m.RunCycle(context.Background())
		require.NoError(t, err)
	}

	// only the cycle right after the failed save is filtered
	assert.Len(t, s.messages(), 4)
}

func TestMonitor_PanicResetsState(t *testing.T) {
	accounts := []domain.Account{{Address: "0xa", Name: "alice"}}

	fetcher := &fetcherMock{}
	fetcher.On("FetchBalances", mock.Anything, "0xa").Run(func(mock.Arguments) {
		panic("unexpected")
	}).Once()
	fetcher.On("FetchBalances", mock.Anything, "0xa").Return([]domain.CoinBalance{}, nil).Once()

	m := NewMonitor(zap.NewNop(), accounts, fetcher, newFileStore(t), engine(), &recordingSender{})

	_, err := m.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, Idle, m.State())

	_, err = m.RunCycle(context.Background())
	require.NoError(t, err)
}

func TestMonitor_CancelledBetweenAccounts(t *testing.T) {
	accounts := []domain.Account{
		{Address: "0xa", Name: "alice"},
		{Address: "0xb", Name: "bob"},
	}
	ctx, cancel := context.WithCancel(context.Background())

	fetcher := &fetcherMock{}
	fetcher.On("FetchBalances", mock.Anything, "0xa").Run(func(mock.Arguments) { cancel() }).
		Return([]domain.CoinBalance{}, nil).Once()

	m := NewMonitor(zap.NewNop(), accounts, fetcher, newFileStore(t), engine(), &recordingSender{})

	report, err := m.RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, report.Accounts, 1)
	fetcher.AssertNotCalled(t, "FetchBalances", mock.Anything, "0xb")
	assert.Equal(t, Idle, m.State())
}

func TestMonitor_FetchTimeout(t *testing.T) {
	accounts := []domain.Account{{Address: "0xa", Name: "alice"}}

	fetcher := &fetcherMock{}
	fetcher.On("FetchBalances", mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	}), "0xa").Return([]domain.CoinBalance{}, nil).Once()

	m := NewMonitor(zap.NewNop(), accounts, fetcher, newFileStore(t), engine(), &recordingSender{},
		WithFetchTimeout(time.Second))

	_, err := m.RunCycle(context.Background())
	require.NoError(t, err)
	fetcher.AssertExpectations(t)
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	accounts := []domain.Account{{Address: "0xa", Name: "alice"}}
	f := newStaticFetcher()
	m := NewMonitor(zap.NewNop(), accounts, f, newFileStore(t), engine(), &recordingSender{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := m.Run(ctx, 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok := m.LastReport()
	assert.True(t, ok)

	require.Error(t, m.Run(context.Background(), 0))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
}
