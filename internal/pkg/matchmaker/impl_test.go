package matchmaker_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vreid/prisoners/internal/pkg/apperr"
	"github.com/vreid/prisoners/internal/pkg/common"
	"github.com/vreid/prisoners/internal/pkg/dilemma"
	"github.com/vreid/prisoners/internal/pkg/matchmaker"
	"github.com/vreid/prisoners/internal/pkg/throttle"
	"go.uber.org/zap"
)

const (
	idleTime = 10 * time.Second
	maxAge   = 30 * time.Second
)

type fakePayer struct {
	mu    sync.Mutex
	calls []string
}

func (p *fakePayer) Payout(_ context.Context, paymentID string, _ decimal.Decimal, _ string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, call := range p.calls {
		if call == paymentID {
			return false, nil
		}
	}

	p.calls = append(p.calls, paymentID)

	return true, nil
}

type fixture struct {
	service  *matchmaker.MatchmakerService
	clock    *common.ManualClock
	throttle *throttle.ThrottleService
	payer    *fakePayer
	outcomes chan dilemma.Outcome
	counts   chan matchmaker.PlayerCount
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	return newFixtureWithMinimum(t, 2)
}

func newFixtureWithMinimum(t *testing.T, minUniqueAddresses int) *fixture {
	t.Helper()

	clock := common.NewManualClock(time.Unix(1_700_000_000, 0))

	throttleService := throttle.New(throttle.Config{
		InitialMinUniqueAddresses: minUniqueAddresses,
		MaxMinUniqueAddresses:     10,
		MaxAddressProportion:      50,
		WinWindow:                 time.Minute,
	}, common.NewMemoryStore(), clock, zap.NewNop())
	require.NoError(t, throttleService.Load(context.Background()))

	payer := &fakePayer{}

	service := matchmaker.New(matchmaker.Config{
		Dilemma: dilemma.Config{
			IdleTime: idleTime,
			MaxAge:   maxAge,
		},
		MinUniqueAddresses: 2,
		Reward:             decimal.RequireFromString("1.00"),
	}, clock, throttleService, payer, zap.NewNop())

	outcomes := make(chan dilemma.Outcome, 10)
	counts := make(chan matchmaker.PlayerCount, 100)

	service.OutcomeSink = outcomes
	service.PlayerCountSink = counts

	return &fixture{
		service:  service,
		clock:    clock,
		throttle: throttleService,
		payer:    payer,
		outcomes: outcomes,
		counts:   counts,
	}
}

func (f *fixture) activate(t *testing.T, addresses ...string) []dilemma.Player {
	t.Helper()

	players := make([]dilemma.Player, 0, len(addresses))

	for _, address := range addresses {
		player := f.service.CreatePlayer(address)
		_, err := f.service.ActivatePlayer(player.ID)
		require.NoError(t, err)

		players = append(players, player)
	}

	return players
}

func playerIDs(d *dilemma.Dilemma) []dilemma.PlayerID {
	result := []dilemma.PlayerID{}
	for _, player := range d.Players {
		result = append(result, player.ID)
	}

	return result
}

func TestPairingRespectsAddressDiversity(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	a1 := f.service.CreatePlayer("A")
	a2 := f.service.CreatePlayer("A")
	b := f.service.CreatePlayer("B")
	c := f.service.CreatePlayer("C")
	d := f.service.CreatePlayer("D")

	changed, err := f.service.ActivatePlayer(a1.ID)
	require.NoError(t, err)
	assert.Empty(t, changed)

	changed, err = f.service.ActivatePlayer(a2.ID)
	require.NoError(t, err)
	assert.Empty(t, changed, "players from the same address are never paired")

	changed, err = f.service.ActivatePlayer(b.ID)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, []dilemma.PlayerID{a1.ID, b.ID}, playerIDs(changed[0]))

	changed, err = f.service.ActivatePlayer(c.ID)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, []dilemma.PlayerID{a2.ID, c.ID}, playerIDs(changed[0]))

	changed, err = f.service.ActivatePlayer(d.ID)
	require.ErrorIs(t, err, apperr.ErrTooFewUniqueAddresses)
	assert.Nil(t, changed)
	assert.Equal(t, map[string]string{
		apperr.MetaReason:  string(throttle.ReasonActivePlayers),
		apperr.MetaMinimum: "2",
	}, apperr.GetMetadata(err))

	assert.Nil(t, f.service.Dilemma(d.ID))
	assert.Equal(t, matchmaker.PlayerCount{Players: 5, Active: 5}, f.service.PlayerCount())

	opponent, ok := f.service.Opponent(a2.ID)
	require.True(t, ok)
	assert.Equal(t, c, opponent)
}

func TestActivateUnknownPlayer(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.service.ActivatePlayer(42)
	require.ErrorIs(t, err, apperr.ErrInvalidPlayerID)
	assert.True(t, apperr.IsFatal(err))
}

func TestShufflerIsApplied(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	f.service.Shuffle = func(n int, swap func(i, j int)) {
		for i := range n / 2 {
			swap(i, n-1-i)
		}
	}

	players := f.activate(t, "A", "B")

	d := f.service.Dilemma(players[0].ID)
	require.NotNil(t, d)
	assert.Equal(t, []dilemma.PlayerID{players[1].ID, players[0].ID}, playerIDs(d))
}

func TestChoicesAndOutcome(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	players := f.activate(t, "A", "B")

	_, _, err := f.service.SetChoice(players[0].ID, "Split")
	require.ErrorIs(t, err, apperr.ErrTooEarlyToChoose)

	f.clock.Advance(idleTime)

	_, _, err = f.service.SetChoice(players[0].ID, "share")
	require.ErrorIs(t, err, apperr.ErrInvalidChoice)

	d, _, err := f.service.SetChoice(players[0].ID, "Split")
	require.NoError(t, err)
	assert.Equal(t, dilemma.OutcomePending, d.Outcome())
	assert.Empty(t, f.outcomes)

	d, _, err = f.service.SetChoice(players[1].ID, "Steal")
	require.NoError(t, err)
	assert.Equal(t, dilemma.OutcomeSteal, d.Outcome())

	_, _, err = f.service.SetChoice(players[1].ID, "Split")
	require.ErrorIs(t, err, apperr.ErrTooLateToChangeChoice)

	require.Len(t, f.outcomes, 1)
	assert.Equal(t, dilemma.OutcomeSteal, <-f.outcomes)

	assert.Equal(t, []string{"B"}, f.throttle.Metadata().WinningAddresses)

	_, err = f.service.ClaimReward(ctx, players[0].ID, "loser@example.com")
	require.ErrorIs(t, err, apperr.ErrNotAWinner)

	paid, err := f.service.ClaimReward(ctx, players[1].ID, "winner@example.com")
	require.NoError(t, err)
	assert.True(t, paid)

	paid, err = f.service.ClaimReward(ctx, players[1].ID, "winner@example.com")
	require.NoError(t, err)
	assert.False(t, paid)

	assert.Equal(t, []string{"0:1"}, f.payer.calls)
}

func TestSetChoiceWithoutDilemma(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	player := f.service.CreatePlayer("A")

	d, _, err := f.service.SetChoice(player.ID, "Split")
	require.NoError(t, err)
	assert.Nil(t, d)

	_, _, err = f.service.SetChoice(99, "Split")
	require.ErrorIs(t, err, apperr.ErrInvalidPlayerID)
}

func TestExpiredDilemmaIsRecordedOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	players := f.activate(t, "A", "B")

	f.clock.Advance(idleTime + maxAge)

	d := f.service.Dilemma(players[0].ID)
	require.NotNil(t, d)
	assert.Equal(t, dilemma.OutcomeLose, d.Outcome())

	// a later inspection must not record the outcome again
	f.service.Dilemma(players[1].ID)

	require.Len(t, f.outcomes, 1)
	assert.Equal(t, dilemma.OutcomeLose, <-f.outcomes)
	assert.Empty(t, f.throttle.Metadata().WinningAddresses)
}

func TestDeactivateAndReactivate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	players := f.activate(t, "A", "B")

	original := f.service.Dilemma(players[0].ID)
	require.NotNil(t, original)

	changed, err := f.service.DeactivatePlayer(players[0].ID)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, []dilemma.PlayerID{players[1].ID}, playerIDs(changed[0]))
	assert.Equal(t, dilemma.StateWaitingForOpponent, changed[0].State())

	_, ok := f.service.Opponent(players[1].ID)
	assert.False(t, ok)
	assert.Equal(t, matchmaker.PlayerCount{Players: 2, Active: 1}, f.service.PlayerCount())

	changed, err = f.service.ActivatePlayer(players[0].ID)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, original.ID, changed[0].ID)
	assert.Equal(t, []dilemma.PlayerID{players[1].ID, players[0].ID}, playerIDs(changed[0]))
}

func TestRemovePlayer(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	players := f.activate(t, "A", "B")

	changed, err := f.service.RemovePlayer(players[1].ID)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, []dilemma.PlayerID{players[0].ID}, playerIDs(changed[0]))

	_, err = f.service.RemovePlayer(players[1].ID)
	require.ErrorIs(t, err, apperr.ErrInvalidPlayerID)

	assert.Equal(t, matchmaker.PlayerCount{Players: 1, Active: 1}, f.service.PlayerCount())

	changed, err = f.service.RemovePlayer(players[0].ID)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Empty(t, changed[0].Players)

	_, err = f.service.ClaimReward(context.Background(), players[0].ID, "a@example.com")
	require.ErrorIs(t, err, apperr.ErrInvalidPlayerID)
}

func TestResolvedOutcomeSurvivesLeaving(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	players := f.activate(t, "A", "B")

	f.clock.Advance(idleTime)

	_, _, err := f.service.SetChoice(players[0].ID, "Split")
	require.NoError(t, err)
	_, _, err = f.service.SetChoice(players[1].ID, "Split")
	require.NoError(t, err)

	_, err = f.service.DeactivatePlayer(players[1].ID)
	require.NoError(t, err)

	paid, err := f.service.ClaimReward(ctx, players[0].ID, "a@example.com")
	require.NoError(t, err)
	assert.True(t, paid)

	_, err = f.service.ClaimReward(ctx, players[1].ID, "b@example.com")
	require.ErrorIs(t, err, apperr.ErrDilemmaNotFound)
}

func TestClaimRewardValidatesEmail(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	player := f.service.CreatePlayer("A")

	_, err := f.service.ClaimReward(context.Background(), player.ID, "not an email")
	require.ErrorIs(t, err, apperr.ErrInvalidEmail)
	assert.Equal(t, apperr.KindWarning, apperr.GetKind(err))
}

func TestRecentWinThrottlesSameAddressPool(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	players := f.activate(t, "A", "B")

	f.clock.Advance(idleTime)

	_, _, err := f.service.SetChoice(players[0].ID, "Split")
	require.NoError(t, err)
	_, _, err = f.service.SetChoice(players[1].ID, "Split")
	require.NoError(t, err)

	c1 := f.service.CreatePlayer("C")
	_, err = f.service.ActivatePlayer(c1.ID)
	require.ErrorIs(t, err, apperr.ErrTooFewUniqueAddresses)
	assert.Equal(t, string(throttle.ReasonRecentWin), apperr.GetMetadata(err)[apperr.MetaReason])

	f.clock.Advance(time.Hour)

	d1 := f.service.CreatePlayer("D")
	changed, err := f.service.ActivatePlayer(d1.ID)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, []dilemma.PlayerID{c1.ID, d1.ID}, playerIDs(changed[0]))
}

func TestPlayerCountUpdates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	player := f.service.CreatePlayer("A")
	_, err := f.service.ActivatePlayer(player.ID)
	require.NoError(t, err)
	_, err = f.service.RemovePlayer(player.ID)
	require.NoError(t, err)

	var last matchmaker.PlayerCount

	require.Len(t, f.counts, 4)

	for range 4 {
		last = <-f.counts
	}

	assert.Equal(t, matchmaker.PlayerCount{}, last)
}

func TestGetPlayerCount(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.activate(t, "A")
	f.service.CreatePlayer("B")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/matchmaker/players", nil)
	rec := httptest.NewRecorder()

	require.NoError(t, f.service.GetPlayerCount(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)

	var count matchmaker.PlayerCount
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &count))
	assert.Equal(t, matchmaker.PlayerCount{Players: 2, Active: 1}, count)
}

// throttled activates players that the diversity check keeps waiting.
func (f *fixture) throttled(t *testing.T, addresses ...string) []dilemma.Player {
	t.Helper()

	players := make([]dilemma.Player, 0, len(addresses))

	for _, address := range addresses {
		player := f.service.CreatePlayer(address)
		_, err := f.service.ActivatePlayer(player.ID)
		require.ErrorIs(t, err, apperr.ErrTooFewUniqueAddresses)

		players = append(players, player)
	}

	return players
}

func TestRemovePlayerPairsWaitingPlayers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	players := f.activate(t, "A", "B")
	waiting := f.throttled(t, "C")

	changed, err := f.service.RemovePlayer(players[0].ID)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, []dilemma.PlayerID{players[1].ID, waiting[0].ID}, playerIDs(changed[0]))

	opponent, ok := f.service.Opponent(players[1].ID)
	require.True(t, ok)
	assert.Equal(t, waiting[0], opponent)
}

func TestDeactivatePlayerPairsWaitingPlayers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	players := f.activate(t, "A", "B")
	waiting := f.throttled(t, "C")

	changed, err := f.service.DeactivatePlayer(players[1].ID)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, []dilemma.PlayerID{players[0].ID, waiting[0].ID}, playerIDs(changed[0]))

	assert.Nil(t, f.service.Dilemma(players[1].ID))
	assert.Equal(t, matchmaker.PlayerCount{Players: 3, Active: 2}, f.service.PlayerCount())
}

func TestFollowUpPassReportsThrottling(t *testing.T) {
	t.Parallel()

	f := newFixtureWithMinimum(t, 3)
	players := f.activate(t, "P", "Q")

	f.clock.Advance(idleTime)

	_, _, err := f.service.SetChoice(players[0].ID, "Split")
	require.NoError(t, err)
	_, _, err = f.service.SetChoice(players[1].ID, "Split")
	require.NoError(t, err)

	waiting := f.throttled(t, "C", "D", "C")

	changed, err := f.service.DeactivatePlayer(waiting[1].ID)
	require.ErrorIs(t, err, apperr.ErrTooFewUniqueAddresses)
	assert.Equal(t, string(throttle.ReasonRecentWin), apperr.GetMetadata(err)[apperr.MetaReason])
	assert.Empty(t, changed)
}

func TestResolvedDilemmaFreesPairing(t *testing.T) {
	t.Parallel()

	f := newFixtureWithMinimum(t, 3)
	players := f.activate(t, "A", "B")
	waiting := f.throttled(t, "C", "D")

	f.clock.Advance(idleTime)

	_, paired, err := f.service.SetChoice(players[0].ID, "Steal")
	require.NoError(t, err)
	assert.Empty(t, paired)

	d, paired, err := f.service.SetChoice(players[1].ID, "Steal")
	require.NoError(t, err)
	assert.Equal(t, dilemma.OutcomeLose, d.Outcome())
	require.Len(t, paired, 1)
	assert.Equal(t, []dilemma.PlayerID{waiting[0].ID, waiting[1].ID}, playerIDs(paired[0]))
}

func TestRematchAfterExpiry(t *testing.T) {
	t.Parallel()

	f := newFixtureWithMinimum(t, 3)
	f.activate(t, "A", "B")
	waiting := f.throttled(t, "C", "D")

	f.clock.Advance(idleTime + maxAge)

	paired, err := f.service.Rematch()
	require.NoError(t, err)
	require.Len(t, paired, 1)
	assert.Equal(t, []dilemma.PlayerID{waiting[0].ID, waiting[1].ID}, playerIDs(paired[0]))

	require.Len(t, f.outcomes, 1)
	assert.Equal(t, dilemma.OutcomeLose, <-f.outcomes)
}

func TestSameRoundWinsGrowScaleOnce(t *testing.T) {
	t.Parallel()

	f := newFixtureWithMinimum(t, 3)
	f.activate(t, "X", "Y")

	waiting := f.throttled(t, "c", "d", "c")

	last := f.service.CreatePlayer("f")
	changed, err := f.service.ActivatePlayer(last.ID)
	require.NoError(t, err)
	require.Len(t, changed, 2)
	assert.Equal(t, []dilemma.PlayerID{waiting[0].ID, waiting[1].ID}, playerIDs(changed[0]))
	assert.Equal(t, []dilemma.PlayerID{waiting[2].ID, last.ID}, playerIDs(changed[1]))
	assert.Equal(t, changed[0].Round, changed[1].Round)

	f.clock.Advance(idleTime)

	for _, player := range append(waiting, last) {
		_, _, err = f.service.SetChoice(player.ID, "Split")
		require.NoError(t, err)
	}

	require.Len(t, f.outcomes, 2)

	metadata := f.throttle.Metadata()
	assert.InDelta(t, 1.0, metadata.MinAddressScale, 1e-9)
	assert.Equal(t, []string{"c", "d", "f"}, metadata.WinningAddresses)
	assert.Equal(t, 3, f.throttle.RequiredMinUniqueAddresses())
}
