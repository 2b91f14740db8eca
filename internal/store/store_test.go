package store

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/optionscout/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testTrade() *models.Trade {
	return &models.Trade{
		Ticker:     "AAPL",
		OptionType: models.OptionCall,
		Strike:     200,
		Expiry:     time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC),
		Direction:  models.DirectionBuy,
		EntryPrice: 12.50,
		Quantity:   2,
		Status:     models.StatusPending,
		BrokerMode: models.ModeSandbox,
	}
}

func TestCreateTradeRecordsCreationTransition(t *testing.T) {
	s := newTestStore(t)
	scope := s.ForUser("alice")
	ctx := context.Background()

	tr := testTrade()
	require.NoError(t, scope.CreateTrade(ctx, tr, "trade_created", map[string]string{"source": "scan"}))
	assert.Greater(t, tr.ID, int64(0))
	assert.Equal(t, int64(1), tr.Version)

	got, err := scope.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, tr.Expiry, got.Expiry)

	audit, err := scope.Transitions(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Nil(t, audit[0].From, "creation has no prior status")
	assert.Equal(t, models.StatusPending, audit[0].To)
	assert.Equal(t, "scan", audit[0].Metadata["source"])
}

func TestIdempotencyKeyUniqueWherePresent(t *testing.T) {
	s := newTestStore(t)
	scope := s.ForUser("alice")
	ctx := context.Background()

	first := testTrade()
	first.IdempotencyKey = "key-1"
	require.NoError(t, scope.CreateTrade(ctx, first, "trade_created", nil))

	dup := testTrade()
	dup.IdempotencyKey = "key-1"
	assert.ErrorIs(t, scope.CreateTrade(ctx, dup, "trade_created", nil), ErrDuplicateIdempotencyKey)

	found, err := scope.FindByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)

	// Keyless trades never collide.
	require.NoError(t, scope.CreateTrade(ctx, testTrade(), "trade_created", nil))
	require.NoError(t, scope.CreateTrade(ctx, testTrade(), "trade_created", nil))
}

func TestSaveTradeBumpsVersion(t *testing.T) {
	s := newTestStore(t)
	scope := s.ForUser("alice")
	ctx := context.Background()

	tr := testTrade()
	require.NoError(t, scope.CreateTrade(ctx, tr, "trade_created", nil))

	tr.CurrentPrice = 13.10
	tr.UnrealizedPnL = 120
	require.NoError(t, scope.SaveTrade(ctx, tr))
	assert.Equal(t, int64(2), tr.Version)

	got, err := scope.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 13.10, got.CurrentPrice)

	// A price refresh leaves the audit trail untouched.
	audit, err := scope.Transitions(ctx, tr.ID)
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestStaleVersionLosesAndRowIsUnchanged(t *testing.T) {
	s := newTestStore(t)
	scope := s.ForUser("alice")
	ctx := context.Background()

	tr := testTrade()
	require.NoError(t, scope.CreateTrade(ctx, tr, "trade_created", nil))

	winner, err := scope.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	loser, err := scope.GetTrade(ctx, tr.ID)
	require.NoError(t, err)

	winner.Status = models.StatusOpen
	require.NoError(t, scope.TransitionTrade(ctx, winner, models.StatusPending, "order_filled", nil))

	loser.Status = models.StatusCanceled
	err = scope.TransitionTrade(ctx, loser, models.StatusPending, "user_canceled", nil)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	got, err := scope.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusOpen, got.Status, "loser left no trace")
	assert.Equal(t, int64(2), got.Version)

	audit, err := scope.Transitions(ctx, tr.ID)
	require.NoError(t, err)
	require.Len(t, audit, 2, "no audit row for the failed transition")
	assert.Equal(t, "order_filled", audit[1].Trigger)
}

func TestSaveTradeUnknownID(t *testing.T) {
	s := newTestStore(t)
	scope := s.ForUser("alice")

	tr := testTrade()
	tr.ID = 9999
	tr.Version = 1
	assert.ErrorIs(t, scope.SaveTrade(context.Background(), tr), ErrNotFound)
}

func TestUserScopeIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := s.ForUser("alice")
	bob := s.ForUser("bob")

	tr := testTrade()
	require.NoError(t, alice.CreateTrade(ctx, tr, "trade_created", nil))

	_, err := bob.GetTrade(ctx, tr.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	theirs := *tr
	theirs.CurrentPrice = 1
	assert.ErrorIs(t, bob.SaveTrade(ctx, &theirs), ErrNotFound)

	list, err := bob.ListTrades(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	audit, err := bob.Transitions(ctx, tr.ID)
	require.NoError(t, err)
	assert.Empty(t, audit, "audit trail is invisible across users")

	// Same idempotency key under another user is a different namespace.
	withKey := testTrade()
	withKey.IdempotencyKey = "shared"
	require.NoError(t, alice.CreateTrade(ctx, withKey, "trade_created", nil))
	bobs := testTrade()
	bobs.IdempotencyKey = "shared"
	require.NoError(t, bob.CreateTrade(ctx, bobs, "trade_created", nil))
}

func TestListTradesFiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	scope := s.ForUser("alice")
	ctx := context.Background()

	open := testTrade()
	open.Status = models.StatusOpen
	require.NoError(t, scope.CreateTrade(ctx, open, "trade_created", nil))

	pending := testTrade()
	require.NoError(t, scope.CreateTrade(ctx, pending, "trade_created", nil))

	closedAt := time.Now().UTC()
	exit := 14.0
	pnl := 300.0
	closed := testTrade()
	closed.Status = models.StatusClosed
	closed.ExitPrice = &exit
	closed.RealizedPnL = &pnl
	closed.CloseReason = "profit_target"
	closed.ClosedAt = &closedAt
	require.NoError(t, scope.CreateTrade(ctx, closed, "trade_created", nil))

	live, err := scope.LiveTrades(ctx)
	require.NoError(t, err)
	assert.Len(t, live, 2)

	closedOnly, err := scope.ListTrades(ctx, models.StatusClosed)
	require.NoError(t, err)
	require.Len(t, closedOnly, 1)
	require.NotNil(t, closedOnly[0].RealizedPnL)
	assert.Equal(t, 300.0, *closedOnly[0].RealizedPnL)
}

func TestOpenExposureSumsFilledTradesOnly(t *testing.T) {
	s := newTestStore(t)
	scope := s.ForUser("alice")
	ctx := context.Background()

	total, err := scope.OpenExposure(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.0, total)

	open := testTrade() // 12.50 x 100 x 2 = 2500
	open.Status = models.StatusOpen
	require.NoError(t, scope.CreateTrade(ctx, open, "trade_created", nil))

	partial := testTrade()
	partial.Status = models.StatusPartiallyFilled
	partial.Quantity = 1
	require.NoError(t, scope.CreateTrade(ctx, partial, "trade_created", nil))

	// Pending premium is not committed yet.
	pending := testTrade()
	require.NoError(t, scope.CreateTrade(ctx, pending, "trade_created", nil))

	total, err = scope.OpenExposure(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 3750.0, total, 1e-9)
}

func TestTradeContextRoundTrip(t *testing.T) {
	s := newTestStore(t)
	scope := s.ForUser("alice")
	ctx := context.Background()

	tr := testTrade()
	tr.Context = &models.TradeContext{
		Strategy:         models.StrategyLEAP,
		OpportunityScore: 72.5,
		TechnicalScore:   68,
		VolRegime:        models.RegimeElevated,
		Greeks:           models.Greeks{Delta: 0.55, Theta: -0.02},
		PriceSource:      "live",
	}
	require.NoError(t, scope.CreateTrade(ctx, tr, "trade_created", nil))

	got, err := scope.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Context)
	assert.Equal(t, models.StrategyLEAP, got.Context.Strategy)
	assert.Equal(t, 0.55, got.Context.Greeks.Delta)
	assert.Equal(t, "live", got.Context.PriceSource)
}

func TestSnapshotsRoundTripAndPrune(t *testing.T) {
	s := newTestStore(t)
	scope := s.ForUser("alice")
	ctx := context.Background()

	tr := testTrade()
	require.NoError(t, scope.CreateTrade(ctx, tr, "trade_created", nil))

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, scope.AddSnapshot(ctx, &models.PriceSnapshot{
		TradeID: tr.ID, Timestamp: old, Mark: 12.0, Kind: models.SnapshotPeriodic,
	}))
	require.NoError(t, scope.AddSnapshot(ctx, &models.PriceSnapshot{
		TradeID: tr.ID, Timestamp: old, Mark: 12.1, Kind: models.SnapshotPreSession,
	}))
	require.NoError(t, scope.AddSnapshot(ctx, &models.PriceSnapshot{
		TradeID: tr.ID, Mark: 12.9, Bid: 12.8, Ask: 13.0, Kind: models.SnapshotPeriodic,
	}))

	all, err := scope.Snapshots(ctx, tr.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alice", all[0].Username)

	n, err := scope.PruneSnapshots(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the old periodic row goes")

	left, err := scope.Snapshots(ctx, tr.ID, time.Time{})
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestSettingsUpsert(t *testing.T) {
	s := newTestStore(t)
	scope := s.ForUser("alice")
	ctx := context.Background()

	_, err := scope.Settings(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, scope.SaveSettings(ctx, &models.UserSettings{
		BrokerMode:      models.ModeSandbox,
		SandboxTokenEnc: "sealed-token",
		AccountBalance:  50_000,
		MaxPositions:    8,
	}))

	require.NoError(t, scope.SaveSettings(ctx, &models.UserSettings{
		BrokerMode:      models.ModeLive,
		SandboxTokenEnc: "sealed-token",
		LiveTokenEnc:    "sealed-live",
		AccountBalance:  52_000,
		MaxPositions:    8,
	}))

	got, err := scope.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ModeLive, got.BrokerMode)
	assert.Equal(t, 52_000.0, got.AccountBalance)
	assert.Equal(t, "sealed-live", got.LiveTokenEnc)
}

func TestScanHistoryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	scope := s.ForUser("alice")
	ctx := context.Background()

	require.NoError(t, scope.RecordScan(ctx, &ScanRecord{
		Ticker: "XYZ", Strategy: models.StrategyLEAP,
		OptionType: models.OptionCall, Verdict: "wrong_trend",
	}))
	require.NoError(t, scope.RecordScan(ctx, &ScanRecord{
		Ticker: "AAPL", Strategy: models.StrategyLEAP,
		OptionType: models.OptionCall, Verdict: "ok", Score: 71.2,
		Result: &models.Opportunity{Ticker: "AAPL", Strike: 200, Score: 71.2},
	}))

	recs, err := scope.ScanHistory(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "AAPL", recs[0].Ticker, "newest first")
	require.NotNil(t, recs[0].Result)
	assert.Equal(t, 200.0, recs[0].Result.Strike)
	assert.Nil(t, recs[1].Result)

	other, err := s.ForUser("bob").ScanHistory(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}
