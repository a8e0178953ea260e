package exec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huyquangict/nof1.ai/internal/exchange"
	"github.com/huyquangict/nof1.ai/internal/storage"
)

func TestReconcileZeroReadNeedsConfirmation(t *testing.T) {
	mock := newMockExchange()
	// First read flickers to zero; the confirming re-read shows the
	// position is still there.
	mock.positions = [][]exchange.Position{
		{},
		{{Symbol: "BTCUSDT", Side: exchange.Long, Quantity: 10, EntryPrice: 100, MarkPrice: 101, Leverage: 10}},
	}
	e, store := newTestExecutor(t, mock)
	require.NoError(t, store.SavePosition(storage.Position{
		Symbol: "BTCUSDT", Side: exchange.Long, Quantity: 10, EntryPrice: 100, Leverage: 10, OpenedAt: time.Now(),
	}))
	require.NoError(t, store.SavePosition(storage.Position{
		Symbol: "ETHUSDT", Side: exchange.Short, Quantity: 1, EntryPrice: 3000, Leverage: 5, OpenedAt: time.Now(),
	}))

	require.NoError(t, e.Reconcile(context.Background()))

	// BTCUSDT survives the flicker; ETHUSDT was genuinely gone on the
	// confirmed read and is removed.
	pos, err := store.Position("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 101.0, pos.CurrentPrice)

	_, err = store.Position("ETHUSDT")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReconcileConfirmedZeroDeletesLocalRows(t *testing.T) {
	mock := newMockExchange()
	mock.positions = [][]exchange.Position{{}, {}}
	e, store := newTestExecutor(t, mock)
	require.NoError(t, store.SavePosition(storage.Position{
		Symbol: "BTCUSDT", Side: exchange.Long, Quantity: 10, EntryPrice: 100, Leverage: 10, OpenedAt: time.Now(),
	}))
	require.NoError(t, store.SavePosition(storage.Position{
		Symbol: "ETHUSDT", Side: exchange.Short, Quantity: 1, EntryPrice: 3000, Leverage: 5, OpenedAt: time.Now(),
	}))

	require.NoError(t, e.Reconcile(context.Background()))

	// Two reads were issued before accepting the zero state.
	assert.Equal(t, 2, mock.posCalls)
	positions, err := store.Positions()
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestReconcileUpdatesQuantityKeepsMetadata(t *testing.T) {
	mock := newMockExchange()
	mock.positions = [][]exchange.Position{{{
		Symbol: "BTCUSDT", Side: exchange.Long, Quantity: 7, EntryPrice: 100, MarkPrice: 108, Leverage: 10, UnrealizedPnl: 56,
	}}}
	e, store := newTestExecutor(t, mock)
	openedAt := time.Now().Add(-2 * time.Hour).UTC()
	require.NoError(t, store.SavePosition(storage.Position{
		Symbol: "BTCUSDT", Side: exchange.Long, Quantity: 10, EntryPrice: 100,
		Leverage: 10, OpenedAt: openedAt, OrderIDs: []string{"o1"}, PeakPnlPercent: 2,
	}))

	require.NoError(t, e.Reconcile(context.Background()))

	pos, err := store.Position("BTCUSDT")
	require.NoError(t, err)
	// Exchange truth for quantity and prices.
	assert.Equal(t, 7.0, pos.Quantity)
	assert.Equal(t, 108.0, pos.CurrentPrice)
	assert.Equal(t, 56.0, pos.UnrealizedPnl)
	// Local truth for metadata.
	assert.True(t, pos.OpenedAt.Equal(openedAt))
	assert.Equal(t, []string{"o1"}, pos.OrderIDs)
	// Ratchet advanced: +8% price at 10x -> 80%.
	assert.InDelta(t, 80.0, pos.PeakPnlPercent, 1e-9)
}

func TestReconcileRatchetNeverMovesBack(t *testing.T) {
	mock := newMockExchange()
	mock.positions = [][]exchange.Position{{{
		Symbol: "BTCUSDT", Side: exchange.Long, Quantity: 10, EntryPrice: 100, MarkPrice: 100.1, Leverage: 10,
	}}}
	e, store := newTestExecutor(t, mock)
	require.NoError(t, store.SavePosition(storage.Position{
		Symbol: "BTCUSDT", Side: exchange.Long, Quantity: 10, EntryPrice: 100,
		Leverage: 10, OpenedAt: time.Now(), PeakPnlPercent: 42,
	}))

	require.NoError(t, e.Reconcile(context.Background()))

	pos, err := store.Position("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 42.0, pos.PeakPnlPercent)
}

func TestReconcileAdoptsUnknownExchangePosition(t *testing.T) {
	mock := newMockExchange()
	mock.positions = [][]exchange.Position{{{
		Symbol: "SOLUSDT", Side: exchange.Short, Quantity: 3, EntryPrice: 200, MarkPrice: 195, Leverage: 5,
	}}}
	e, store := newTestExecutor(t, mock)

	require.NoError(t, e.Reconcile(context.Background()))

	pos, err := store.Position("SOLUSDT")
	require.NoError(t, err)
	assert.Equal(t, exchange.Short, pos.Side)
	assert.Equal(t, 3.0, pos.Quantity)
	assert.False(t, pos.OpenedAt.IsZero())
}

func TestReconcileSurfacesAmbiguityOnReadError(t *testing.T) {
	mock := newMockExchange()
	e, store := newTestExecutor(t, mock)
	require.NoError(t, store.SavePosition(storage.Position{
		Symbol: "BTCUSDT", Side: exchange.Long, Quantity: 10, EntryPrice: 100, Leverage: 10, OpenedAt: time.Now(),
	}))

	failing := &failingPositionsExchange{mockExchange: mock}
	e.ex = failing

	err := e.Reconcile(context.Background())
	var amb *ReconciliationAmbiguity
	require.ErrorAs(t, err, &amb)

	// Local state untouched.
	_, err = store.Position("BTCUSDT")
	assert.NoError(t, err)
}

type failingPositionsExchange struct {
	*mockExchange
}

func (f *failingPositionsExchange) Positions(context.Context) ([]exchange.Position, error) {
	return nil, assert.AnError
}
