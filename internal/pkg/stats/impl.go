package stats

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/vreid/prisoners/internal/pkg/common"
	"github.com/vreid/prisoners/internal/pkg/dilemma"
	"go.uber.org/zap"
)

type StatsService struct {
	Store  common.Store
	Logger *zap.Logger

	OutcomeSource <-chan dilemma.Outcome
	StatsSink     chan<- Stats

	mu    sync.Mutex
	stats Stats
}

func NewStatsService(i do.Injector) (*StatsService, error) {
	result := &StatsService{
		Store:  do.MustInvoke[common.Store](i),
		Logger: do.MustInvoke[*zap.Logger](i),

		OutcomeSource: do.MustInvokeNamed[<-chan dilemma.Outcome](i, "outcome-source"),
		StatsSink:     do.MustInvokeNamed[chan<- Stats](i, "stats-sink"),
	}

	err := result.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to load stats: %w", err)
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(func(e *echo.Echo) {
		e.GET("/api/stats", result.GetStats)
	})

	return result, nil
}

// Load restores persisted counts, starting from zero on first run.
func (s *StatsService) Load(ctx context.Context) error {
	loaded := Stats{}

	_, err := common.LoadJSON(ctx, s.Store, common.StatsKey, &loaded)
	if err != nil {
		return err
	}

	result := Zero()
	for _, outcome := range dilemma.ResolvedOutcomes {
		result[outcome] = loaded[outcome]
	}

	s.mu.Lock()
	s.stats = result
	s.mu.Unlock()

	return nil
}

func (s *StatsService) Start() {
	go s.processOutcomes()
}

func (s *StatsService) Get() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stats == nil {
		return Zero()
	}

	return s.stats.Clone()
}

// HandleOutcome counts a resolved outcome, persists the new totals and
// publishes them. Pending outcomes are ignored.
func (s *StatsService) HandleOutcome(ctx context.Context, outcome dilemma.Outcome) error {
	if outcome == dilemma.OutcomePending {
		return nil
	}

	s.mu.Lock()
	if s.stats == nil {
		s.stats = Zero()
	}

	s.stats[outcome]++
	snapshot := s.stats.Clone()
	s.mu.Unlock()

	common.OutcomesTotal.WithLabelValues(string(outcome)).Inc()

	if s.StatsSink != nil {
		select {
		case s.StatsSink <- snapshot:
		default:
			s.Logger.Warn("dropped stats update, sink is full")
		}
	}

	return common.SaveJSON(ctx, s.Store, common.StatsKey, snapshot)
}

func (s *StatsService) GetStats(c echo.Context) error {
	//nolint:wrapcheck
	return c.JSON(http.StatusOK, s.Get())
}

func (s *StatsService) processOutcomes() {
	for outcome := range s.OutcomeSource {
		err := s.HandleOutcome(context.Background(), outcome)
		if err != nil {
			s.Logger.Error("failed to persist stats", zap.String("outcome", string(outcome)), zap.Error(err))
		}
	}
}
