// Package throttle raises the address diversity required for pairing while
// the payout pool is being won quickly, and remembers every address that
// has already won.
package throttle

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/samber/do/v2"
	"github.com/vreid/prisoners/internal/pkg/apperr"
	"github.com/vreid/prisoners/internal/pkg/common"
	"go.uber.org/zap"
)

type ThrottleService struct {
	Config Config

	Store  common.Store
	Clock  common.Clock
	Logger *zap.Logger

	mu               sync.Mutex
	lastWin          time.Time
	lastWinRound     int64
	knowsLastRound   bool
	scale            float64
	winningAddresses map[string]struct{}
}

func NewThrottleService(i do.Injector) (*ThrottleService, error) {
	config := Config{
		InitialMinUniqueAddresses: do.MustInvokeNamed[int](i, "min-unique-addresses"),
		MaxMinUniqueAddresses:     do.MustInvokeNamed[int](i, "max-unique-addresses"),
		MaxAddressProportion:      do.MustInvokeNamed[float64](i, "max-address-proportion"),
		WinWindow:                 do.MustInvokeNamed[time.Duration](i, "win-window"),
		MaxWinWindow:              do.MustInvokeNamed[time.Duration](i, "max-win-window"),
	}

	result := New(
		config,
		do.MustInvoke[common.Store](i),
		do.MustInvoke[common.Clock](i),
		do.MustInvoke[*zap.Logger](i),
	)

	err := result.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to load win metadata: %w", err)
	}

	return result, nil
}

func New(config Config, store common.Store, clock common.Clock, logger *zap.Logger) *ThrottleService {
	if config.MaxWinWindow <= 0 {
		config.MaxWinWindow = DefaultMaxWinWindow
	}

	return &ThrottleService{
		Config:           config,
		Store:            store,
		Clock:            clock,
		Logger:           logger,
		scale:            1,
		winningAddresses: map[string]struct{}{},
	}
}

// Load restores the persisted metadata, keeping defaults when none exists.
func (s *ThrottleService) Load(ctx context.Context) error {
	var metadata WinMetadata

	found, err := common.LoadJSON(ctx, s.Store, common.WinMetadataKey, &metadata)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !found {
		return nil
	}

	if metadata.LastWinTimestamp > 0 {
		s.lastWin = time.UnixMilli(metadata.LastWinTimestamp)
	}

	s.scale = max(metadata.MinAddressScale, 1)

	for _, address := range metadata.WinningAddresses {
		s.winningAddresses[address] = struct{}{}
	}

	common.ThrottleScale.Set(s.scale)

	return nil
}

func (s *ThrottleService) Metadata() WinMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.metadata()
}

func (s *ThrottleService) metadata() WinMetadata {
	result := WinMetadata{
		MinAddressScale:  s.scale,
		WinningAddresses: slices.Sorted(maps.Keys(s.winningAddresses)),
	}

	if result.WinningAddresses == nil {
		result.WinningAddresses = []string{}
	}

	if !s.lastWin.IsZero() {
		result.LastWinTimestamp = s.lastWin.UnixMilli()
	}

	return result
}

func (s *ThrottleService) WindowLength() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.windowLength()
}

func (s *ThrottleService) windowLength() time.Duration {
	window := time.Duration(float64(s.Config.WinWindow) * s.scale)

	return min(window, s.Config.MaxWinWindow)
}

func (s *ThrottleService) RequiredMinUniqueAddresses() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.requiredMinUniqueAddresses()
}

func (s *ThrottleService) requiredMinUniqueAddresses() int {
	required := int(math.Floor(float64(s.Config.InitialMinUniqueAddresses) * s.scale))

	if s.Config.MaxMinUniqueAddresses > 0 {
		required = min(required, s.Config.MaxMinUniqueAddresses)
	}

	return required
}

// Restriction returns the first trigger that applies to the pool.
func (s *ThrottleService) Restriction(pool Pool) (Reason, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.restriction(pool)
}

func (s *ThrottleService) restriction(pool Pool) (Reason, bool) {
	if !s.lastWin.IsZero() && s.Clock.Now().Sub(s.lastWin) < s.windowLength() {
		return ReasonRecentWin, true
	}

	if pool.InProgress > 0 {
		return ReasonActivePlayers, true
	}

	for _, address := range pool.WaitingAddresses {
		if _, ok := s.winningAddresses[address]; ok {
			return ReasonPreviousWinner, true
		}
	}

	return "", false
}

// Evaluate fails with a throttling warning when a trigger applies and the
// waiting addresses are not diverse enough.
func (s *ThrottleService) Evaluate(pool Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reason, restricted := s.restriction(pool)
	if !restricted {
		return nil
	}

	required := s.requiredMinUniqueAddresses()
	if diverse(pool.WaitingAddresses, required, s.Config.MaxAddressProportion) {
		return nil
	}

	common.ThrottleWarningsTotal.WithLabelValues(string(reason)).Inc()

	return apperr.WithMetadata(apperr.ErrTooFewUniqueAddresses, map[string]string{
		apperr.MetaReason:  string(reason),
		apperr.MetaMinimum: strconv.Itoa(required),
	})
}

func diverse(addresses []string, required int, maxProportion float64) bool {
	counts := map[string]int{}
	mostCommon := 0

	for _, address := range addresses {
		counts[address]++
		mostCommon = max(mostCommon, counts[address])
	}

	if len(counts) < required {
		return false
	}

	if len(addresses) == 0 {
		return true
	}

	allowed := 100.0
	if required > 0 {
		allowed = max(maxProportion, 100/float64(required))
	}

	proportion := 100 * float64(mostCommon) / float64(len(addresses))

	return proportion <= allowed
}

// RecordWin registers a winning resolution from the given matchmaking
// round. A win in a new round after an earlier win grows the scale by
// 1/ceil(gap/window), so quick successive wins tighten the bar fastest.
func (s *ThrottleService) RecordWin(ctx context.Context, round int64, addresses []string) error {
	s.mu.Lock()

	now := s.Clock.Now()

	if !s.lastWin.IsZero() && (!s.knowsLastRound || round != s.lastWinRound) {
		windows := 1.0
		if window := s.windowLength(); window > 0 {
			windows = max(math.Ceil(float64(now.Sub(s.lastWin))/float64(window)), 1)
		}

		s.scale += 1 / windows
	}

	s.lastWin = now
	s.lastWinRound = round
	s.knowsLastRound = true

	for _, address := range addresses {
		s.winningAddresses[address] = struct{}{}
	}

	metadata := s.metadata()

	s.mu.Unlock()

	common.ThrottleScale.Set(metadata.MinAddressScale)

	s.Logger.Info("recorded win",
		zap.Int64("round", round),
		zap.Float64("min_address_scale", metadata.MinAddressScale),
		zap.Int("winning_addresses", len(metadata.WinningAddresses)))

	return common.SaveJSON(ctx, s.Store, common.WinMetadataKey, metadata)
}
