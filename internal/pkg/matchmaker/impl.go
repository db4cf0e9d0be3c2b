// Package matchmaker owns every player and dilemma in the process and pairs
// waiting players while enforcing network address diversity.
//
// All state lives behind a single mutex. Each exported operation takes it
// for its whole duration, so pairing passes and choice updates never
// interleave. The only work done outside the lock is the external payout.
package matchmaker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/mail"
	"slices"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/shopspring/decimal"
	"github.com/vreid/prisoners/internal/pkg/apperr"
	"github.com/vreid/prisoners/internal/pkg/common"
	"github.com/vreid/prisoners/internal/pkg/dilemma"
	"github.com/vreid/prisoners/internal/pkg/payout"
	"github.com/vreid/prisoners/internal/pkg/throttle"
	"go.uber.org/zap"
)

// Payer is the payout side of reward claims.
type Payer interface {
	Payout(ctx context.Context, paymentID string, amount decimal.Decimal, email string) (bool, error)
}

type MatchmakerService struct {
	Config Config

	Clock    common.Clock
	Throttle *throttle.ThrottleService
	Payer    Payer
	Shuffle  Shuffler
	Logger   *zap.Logger

	OutcomeSink     chan<- dilemma.Outcome
	PlayerCountSink chan<- PlayerCount

	mu            sync.Mutex
	nextPlayerID  dilemma.PlayerID
	nextDilemmaID dilemma.ID
	round         int64
	players       map[dilemma.PlayerID]dilemma.Player
	active        []dilemma.PlayerID
	dilemmas      []*dilemma.Dilemma
}

func NewMatchmakerService(i do.Injector) (*MatchmakerService, error) {
	reward, err := decimal.NewFromString(do.MustInvokeNamed[string](i, "payout-amount"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse payout amount: %w", err)
	}

	config := Config{
		Dilemma: dilemma.Config{
			IdleTime: do.MustInvokeNamed[time.Duration](i, "idle-time"),
			MaxAge:   do.MustInvokeNamed[time.Duration](i, "max-age"),
		},
		MinUniqueAddresses: do.MustInvokeNamed[int](i, "min-unique-addresses"),
		Reward:             reward,
	}

	throttleService, err := do.Invoke[*throttle.ThrottleService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create throttle service: %w", err)
	}

	payoutService, err := do.Invoke[*payout.PayoutService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create payout service: %w", err)
	}

	result := New(config, do.MustInvoke[common.Clock](i), throttleService, payoutService, do.MustInvoke[*zap.Logger](i))
	result.OutcomeSink = do.MustInvokeNamed[chan<- dilemma.Outcome](i, "outcome-sink")
	result.PlayerCountSink = do.MustInvokeNamed[chan<- PlayerCount](i, "player-count-sink")

	if do.MustInvokeNamed[bool](i, "shuffle") {
		result.Shuffle = rand.Shuffle
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(func(e *echo.Echo) {
		apiGroup := e.Group("/api")

		matchmakerGroup := apiGroup.Group("/matchmaker")

		matchmakerGroup.GET("/players", result.GetPlayerCount)
	})

	return result, nil
}

func New(
	config Config,
	clock common.Clock,
	throttleService *throttle.ThrottleService,
	payer Payer,
	logger *zap.Logger) *MatchmakerService {
	return &MatchmakerService{
		Config:   config,
		Clock:    clock,
		Throttle: throttleService,
		Payer:    payer,
		Logger:   logger,
		players:  map[dilemma.PlayerID]dilemma.Player{},
	}
}

func (s *MatchmakerService) CreatePlayer(remoteAddress string) dilemma.Player {
	s.mu.Lock()
	defer s.mu.Unlock()

	player := dilemma.Player{
		ID:            s.nextPlayerID,
		RemoteAddress: remoteAddress,
	}
	s.nextPlayerID++
	s.players[player.ID] = player

	s.publishPlayerCount()

	return player
}

// ActivatePlayer opts the player into matchmaking and runs a pairing pass.
// The player stays active when the pass is throttled.
func (s *MatchmakerService) ActivatePlayer(id dilemma.PlayerID) ([]*dilemma.Dilemma, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.players[id]; !ok {
		return nil, apperr.ErrInvalidPlayerID
	}

	if !slices.Contains(s.active, id) {
		s.active = append(s.active, id)
		s.publishPlayerCount()
	}

	return s.pair()
}

// DeactivatePlayer opts the player out, takes them out of their dilemma and
// pairs whoever is left waiting. The changed dilemmas are returned even when
// that pass is throttled.
func (s *MatchmakerService) DeactivatePlayer(id dilemma.PlayerID) ([]*dilemma.Dilemma, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.players[id]; !ok {
		return nil, apperr.ErrInvalidPlayerID
	}

	changed := s.deactivate(id)
	paired, err := s.repair()

	return mergeChanges(changed, paired), err
}

// RemovePlayer forgets a disconnected player and pairs whoever is left
// waiting.
func (s *MatchmakerService) RemovePlayer(id dilemma.PlayerID) ([]*dilemma.Dilemma, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.players[id]; !ok {
		return nil, apperr.ErrInvalidPlayerID
	}

	changed := s.deactivate(id)
	delete(s.players, id)

	s.publishPlayerCount()

	paired, err := s.repair()

	return mergeChanges(changed, paired), err
}

// SetChoice records a choice. It returns a nil dilemma when the player is
// not seated in any dilemma. A choice that resolves the dilemma frees its
// players, so a pairing pass follows and its dilemmas are returned as
// paired.
func (s *MatchmakerService) SetChoice(id dilemma.PlayerID, choice string) (*dilemma.Dilemma, []*dilemma.Dilemma, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.players[id]; !ok {
		return nil, nil, apperr.ErrInvalidPlayerID
	}

	d := s.dilemmaOf(id)
	if d == nil {
		return nil, nil, nil
	}

	err := d.SetChoice(id, dilemma.Choice(choice))
	if err != nil {
		return nil, nil, err
	}

	if !s.finalize(d) {
		return d.Snapshot(), []*dilemma.Dilemma{}, nil
	}

	paired, err := s.repair()

	return d.Snapshot(), paired, err
}

// Rematch runs a pairing pass for dilemmas that resolved by expiry.
func (s *MatchmakerService) Rematch() ([]*dilemma.Dilemma, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.repair()
}

// ClaimReward pays the configured reward to a player who won their dilemma.
func (s *MatchmakerService) ClaimReward(ctx context.Context, id dilemma.PlayerID, email string) (bool, error) {
	address, err := mail.ParseAddress(email)
	if err != nil {
		return false, apperr.ErrInvalidEmail
	}

	s.mu.Lock()

	if _, ok := s.players[id]; !ok {
		s.mu.Unlock()

		return false, apperr.ErrInvalidPlayerID
	}

	d := s.dilemmaOf(id)
	if d == nil {
		s.mu.Unlock()

		return false, apperr.ErrDilemmaNotFound
	}

	s.finalize(d)

	won := d.HasWon(id)
	paymentID := fmt.Sprintf("%d:%d", d.ID, id)

	s.mu.Unlock()

	if !won {
		return false, apperr.ErrNotAWinner
	}

	//nolint:wrapcheck
	return s.Payer.Payout(ctx, paymentID, s.Config.Reward, address.Address)
}

// Opponent returns the other player seated with id.
func (s *MatchmakerService) Opponent(id dilemma.PlayerID) (dilemma.Player, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.dilemmaOf(id)
	if d == nil {
		return dilemma.Player{}, false
	}

	for _, player := range d.Players {
		if player.ID != id {
			return player, true
		}
	}

	return dilemma.Player{}, false
}

// Dilemma returns a snapshot of the player's dilemma, or nil.
func (s *MatchmakerService) Dilemma(id dilemma.PlayerID) *dilemma.Dilemma {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.dilemmaOf(id)
	if d == nil {
		return nil
	}

	s.finalize(d)

	return d.Snapshot()
}

func (s *MatchmakerService) PlayerCount() PlayerCount {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.playerCount()
}

func (s *MatchmakerService) GetPlayerCount(c echo.Context) error {
	//nolint:wrapcheck
	return c.JSON(http.StatusOK, s.PlayerCount())
}

func (s *MatchmakerService) playerCount() PlayerCount {
	return PlayerCount{
		Players: len(s.players),
		Active:  len(s.active),
	}
}

func (s *MatchmakerService) publishPlayerCount() {
	if s.PlayerCountSink == nil {
		return
	}

	select {
	case s.PlayerCountSink <- s.playerCount():
	default:
		s.Logger.Warn("dropped player count update, sink is full")
	}
}

func (s *MatchmakerService) deactivate(id dilemma.PlayerID) []*dilemma.Dilemma {
	if idx := slices.Index(s.active, id); idx >= 0 {
		s.active = slices.Delete(s.active, idx, idx+1)
		s.publishPlayerCount()
	}

	d := s.dilemmaOf(id)
	if d == nil {
		return []*dilemma.Dilemma{}
	}

	// record a lazily expired outcome before the seat empties
	s.finalize(d)
	s.leave(d, id)

	return []*dilemma.Dilemma{d.Snapshot()}
}

func (s *MatchmakerService) dilemmaOf(id dilemma.PlayerID) *dilemma.Dilemma {
	for _, d := range s.dilemmas {
		if d.HasPlayer(id) {
			return d
		}
	}

	return nil
}

func (s *MatchmakerService) newDilemma() *dilemma.Dilemma {
	d := dilemma.New(s.nextDilemmaID, s.Config.Dilemma, s.Clock)
	s.nextDilemmaID++
	s.dilemmas = append(s.dilemmas, d)

	return d
}

// leave removes the player and drops the dilemma once nobody is seated.
func (s *MatchmakerService) leave(d *dilemma.Dilemma, id dilemma.PlayerID) {
	d.RemovePlayer(id)

	if len(d.Players) == 0 {
		s.dilemmas = slices.DeleteFunc(s.dilemmas, func(other *dilemma.Dilemma) bool {
			return other == d
		})
	}
}

// finalize publishes the outcome of a resolved dilemma exactly once and
// feeds its winners to the throttle. It reports whether this call did so.
func (s *MatchmakerService) finalize(d *dilemma.Dilemma) bool {
	if !d.MarkRecorded() {
		return false
	}

	outcome := d.Outcome()

	logger := s.Logger.With(zap.Int64("dilemma_id", int64(d.ID)))
	logger.Info("dilemma resolved", zap.String("outcome", string(outcome)))

	if s.OutcomeSink != nil {
		s.OutcomeSink <- outcome
	}

	if outcome == dilemma.OutcomeLose {
		return true
	}

	winners := d.Winners()
	if len(winners) == 0 {
		return true
	}

	addresses := make([]string, 0, len(winners))
	for _, winner := range winners {
		addresses = append(addresses, winner.RemoteAddress)
	}

	err := s.Throttle.RecordWin(context.Background(), d.Round, addresses)
	if err != nil {
		logger.Error("failed to persist win metadata", zap.Error(err))
	}

	return true
}
