package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/pkg/money"
)

func TestRecordAndQuery(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), 16)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := domain.MustParseMarket("BTC-USDT")
	j.RecordFill(domain.Fill{
		Exchange: "paper", Market: m, Side: domain.SideBuy,
		Price: money.MustParse("83"), Quantity: money.MustParse("0.5"),
		RemoteID: "r1", Source: domain.FillFromSnapshot, At: at,
	})
	j.RecordFill(domain.Fill{
		Exchange: "other", Market: m, Side: domain.SideSell,
		Price: money.MustParse("84"), Quantity: money.MustParse("0.5"),
		RemoteID: "r2", Source: domain.FillFromTicker, Landmark: true, At: at.Add(time.Second),
	})
	j.RecordCancel("paper", m, "r3", domain.CancelOperator, at)

	ctx := context.Background()
	require.NoError(t, j.Flush(ctx))

	fills, err := j.Fills(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "r2", fills[0].RemoteID)
	assert.True(t, fills[0].Landmark)
	assert.Equal(t, "ticker", fills[0].Source)

	fills, err = j.Fills(ctx, "paper", 10)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Price.Equal(money.MustParse("83")))
	assert.Equal(t, "BTC-USDT", fills[0].Market)
	assert.True(t, fills[0].At.Equal(at))

	cancels, err := j.Cancels(ctx, "paper", 10)
	require.NoError(t, err)
	require.Len(t, cancels, 1)
	assert.Equal(t, "operator", cancels[0].Reason)
}

func TestCloseIsIdempotent(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "j.db"), 0)
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	// 关闭后的记录被忽略
	j.RecordCancel("paper", domain.MustParseMarket("A-B"), "x", domain.CancelShutdown, time.Now())
	assert.ErrorIs(t, j.Flush(context.Background()), ErrClosed)
}
