package notifier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vadiminshakov/coinwatch/internal/domain"
)

func changes() []domain.Change {
	return []domain.Change{
		{Kind: domain.ChangeModified, CoinType: "SUI", BalanceBefore: "1", BalanceAfter: "2", Diff: "1"},
		{Kind: domain.ChangeAdded, CoinType: "USDC", BalanceBefore: "0", BalanceAfter: "5", Diff: "5"},
	}
}

func TestDeduper_FiltersRemembered(t *testing.T) {
	d := NewDeduper(time.Minute)
	require.NotNil(t, d)

	first := d.Filter("alice", changes())
	require.Len(t, first, 2)
	d.Remember("alice", first[:1])

	second := d.Filter("alice", changes())
	require.Len(t, second, 1)
	assert.Equal(t, "USDC", second[0].CoinType)

	other := d.Filter("bob", changes())
	assert.Len(t, other, 2)
}

func TestDeduper_Expires(t *testing.T) {
	d := NewDeduper(20 * time.Millisecond)
	d.Remember("alice", changes())
	assert.Empty(t, d.Filter("alice", changes()))

	time.Sleep(40 * time.Millisecond)
	assert.Len(t, d.Filter("alice", changes()), 2)
}

func TestDeduper_Disabled(t *testing.T) {
	d := NewDeduper(0)
	assert.Nil(t, d)

	d.Remember("alice", changes())
	assert.Len(t, d.Filter("alice", changes()), 2)
}

func TestLogSender(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := NewLogSender(zap.New(core))

	require.NoError(t, s.SendText(context.Background(), "Account alice"))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Account alice", logs.All()[0].ContextMap()["text"])
}
