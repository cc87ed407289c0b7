package monitor

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/vadiminshakov/coinwatch/internal/domain"
)

type fetcherMock struct {
	mock.Mock
}

func (m *fetcherMock) FetchBalances(ctx context.Context, address string) ([]domain.CoinBalance, error) {
	args := m.Called(ctx, address)
	coins, _ := args.Get(0).([]domain.CoinBalance)
	return coins, args.Error(1)
}

type storeMock struct {
	mock.Mock
}

func (m *storeMock) Load(ctx context.Context, account string) (domain.Snapshot, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(domain.Snapshot), args.Error(1)
}

func (m *storeMock) Save(ctx context.Context, account string, snapshot domain.Snapshot) error {
	args := m.Called(ctx, account, snapshot)
	return args.Error(0)
}

type senderMock struct {
	mock.Mock
}

func (m *senderMock) SendText(ctx context.Context, text string) error {
	args := m.Called(ctx, text)
	return args.Error(0)
}

type journalMock struct {
	mock.Mock
}

func (m *journalMock) Append(event domain.ChangeEvent) (uint64, error) {
	args := m.Called(event)
	return args.Get(0).(uint64), args.Error(1)
}
