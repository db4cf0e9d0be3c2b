// Package transport connects websocket clients to the matchmaker. Each
// connection is one player; client events are translated into matchmaker
// operations and every changed dilemma is pushed to the players seated in
// it.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/samber/do/v2"
	"github.com/vreid/prisoners/internal/pkg/apperr"
	"github.com/vreid/prisoners/internal/pkg/captcha"
	"github.com/vreid/prisoners/internal/pkg/common"
	"github.com/vreid/prisoners/internal/pkg/dilemma"
	"github.com/vreid/prisoners/internal/pkg/matchmaker"
	"github.com/vreid/prisoners/internal/pkg/payout"
	"github.com/vreid/prisoners/internal/pkg/stats"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type TransportService struct {
	Config Config

	Matchmaker *matchmaker.MatchmakerService
	Captcha    captcha.Verifier
	Stats      *stats.StatsService
	Payout     *payout.PayoutService
	Clock      common.Clock
	Logger     *zap.Logger

	StatsSource       <-chan stats.Stats
	FundsSource       <-chan bool
	PlayerCountSource <-chan matchmaker.PlayerCount

	upgrader websocket.Upgrader

	mu          sync.Mutex
	clients     map[dilemma.PlayerID]*client
	connections map[string]int
	refreshes   map[dilemma.ID]time.Time
}

func NewTransportService(i do.Injector) (*TransportService, error) {
	eventRate := rate.Inf
	if perSecond := do.MustInvokeNamed[float64](i, "event-rate"); perSecond > 0 {
		eventRate = rate.Limit(perSecond)
	}

	config := Config{
		MaxConnectionsPerAddress: do.MustInvokeNamed[int](i, "max-connections-per-address"),
		AnonymizeAddresses:       do.MustInvokeNamed[bool](i, "anonymize-addresses"),
		EventRate:                eventRate,
		EventBurst:               do.MustInvokeNamed[int](i, "event-burst"),
		WriteTimeout:             DefaultWriteTimeout,
	}

	matchmakerService, err := do.Invoke[*matchmaker.MatchmakerService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create matchmaker service: %w", err)
	}

	verifier, err := do.Invoke[captcha.Verifier](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create captcha service: %w", err)
	}

	statsService, err := do.Invoke[*stats.StatsService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create stats service: %w", err)
	}

	payoutService, err := do.Invoke[*payout.PayoutService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create payout service: %w", err)
	}

	result := New(config, matchmakerService, verifier, statsService, payoutService,
		do.MustInvoke[common.Clock](i), do.MustInvoke[*zap.Logger](i))

	result.StatsSource = do.MustInvokeNamed[<-chan stats.Stats](i, "stats-source")
	result.FundsSource = do.MustInvokeNamed[<-chan bool](i, "funds-source")
	result.PlayerCountSource = do.MustInvokeNamed[<-chan matchmaker.PlayerCount](i, "player-count-source")

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(func(e *echo.Echo) {
		e.GET("/api/ws", result.HandleWS)
	})

	return result, nil
}

func New(
	config Config,
	matchmakerService *matchmaker.MatchmakerService,
	verifier captcha.Verifier,
	statsService *stats.StatsService,
	payoutService *payout.PayoutService,
	clock common.Clock,
	logger *zap.Logger) *TransportService {
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}

	if config.EventRate == 0 {
		config.EventRate = rate.Inf
	}

	config.EventBurst = max(config.EventBurst, 1)

	return &TransportService{
		Config:     config,
		Matchmaker: matchmakerService,
		Captcha:    verifier,
		Stats:      statsService,
		Payout:     payoutService,
		Clock:      clock,
		Logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		clients:     map[dilemma.PlayerID]*client{},
		connections: map[string]int{},
		refreshes:   map[dilemma.ID]time.Time{},
	}
}

// Start fans the shared stats, funds and player count updates out to every
// connected client.
func (s *TransportService) Start() {
	go s.processBroadcasts()
}

func (s *TransportService) processBroadcasts() {
	statsSource := s.StatsSource
	fundsSource := s.FundsSource
	playerCountSource := s.PlayerCountSource

	for statsSource != nil || fundsSource != nil || playerCountSource != nil {
		select {
		case update, ok := <-statsSource:
			if !ok {
				statsSource = nil

				continue
			}

			s.broadcast(EventStats, update)
		case available, ok := <-fundsSource:
			if !ok {
				fundsSource = nil

				continue
			}

			s.broadcast(EventFunds, FundsData{Available: available})
		case count, ok := <-playerCountSource:
			if !ok {
				playerCountSource = nil

				continue
			}

			s.broadcast(EventPlayerCount, count)
		}
	}
}

func (s *TransportService) broadcast(event string, data any) {
	for _, c := range s.snapshotClients() {
		err := c.send(event, data)
		if err != nil {
			s.Logger.Debug("failed to broadcast", zap.String("event", event), zap.Error(err))
		}
	}
}

func (s *TransportService) snapshotClients() []*client {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		result = append(result, c)
	}

	return result
}

func (s *TransportService) lookup(id dilemma.PlayerID) *client {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.clients[id]
}

// acquire reserves a connection slot for the address.
func (s *TransportService) acquire(address string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := s.Config.MaxConnectionsPerAddress
	if limit > 0 && s.connections[address] >= limit {
		return false
	}

	s.connections[address]++

	return true
}

func (s *TransportService) release(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connections[address]--
	if s.connections[address] <= 0 {
		delete(s.connections, address)
	}
}

// Connections returns the number of open connections for the address.
func (s *TransportService) Connections(address string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.connections[address]
}

func (s *TransportService) HandleWS(c echo.Context) error {
	remoteAddress := c.RealIP()
	fingerprint := Fingerprint(remoteAddress, s.Config.AnonymizeAddresses)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		//nolint:wrapcheck
		return err
	}

	if !s.acquire(fingerprint) {
		rejected := &client{conn: conn, timeout: s.Config.WriteTimeout}
		s.sendError(rejected, apperr.ErrTooManyConnections)
		rejected.close()

		return nil
	}
	defer s.release(fingerprint)

	player := s.Matchmaker.CreatePlayer(fingerprint)

	current := &client{
		conn:    conn,
		player:  player,
		address: remoteAddress,
		limiter: rate.NewLimiter(s.Config.EventRate, s.Config.EventBurst),
		timeout: s.Config.WriteTimeout,
	}

	s.mu.Lock()
	s.clients[player.ID] = current
	common.ConnectedClients.Set(float64(len(s.clients)))
	s.mu.Unlock()

	logger := s.Logger.With(zap.Int64("player_id", int64(player.ID)))
	logger.Debug("client connected")

	defer s.disconnect(current, logger)

	s.sendInitialValues(current)

	s.serve(c.Request().Context(), current, logger)

	return nil
}

func (s *TransportService) disconnect(c *client, logger *zap.Logger) {
	s.mu.Lock()
	delete(s.clients, c.player.ID)
	common.ConnectedClients.Set(float64(len(s.clients)))
	s.mu.Unlock()

	changed, err := s.Matchmaker.RemovePlayer(c.player.ID)
	if err != nil {
		logger.Debug("pairing after removal did not complete", zap.Error(err))
	}

	s.notify(changed)

	_ = c.conn.Close()

	logger.Debug("client disconnected")
}

func (s *TransportService) sendInitialValues(c *client) {
	if s.Stats != nil {
		_ = c.send(EventStats, s.Stats.Get())
	}

	if s.Payout != nil {
		_ = c.send(EventFunds, FundsData{Available: s.Payout.HasFunds()})
	}

	_ = c.send(EventPlayerCount, s.Matchmaker.PlayerCount())
}

func (s *TransportService) serve(ctx context.Context, c *client, logger *zap.Logger) {
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("connection closed unexpectedly", zap.Error(err))
			}

			return
		}

		if !c.limiter.Allow() {
			s.sendError(c, apperr.ErrTooManyRequests)

			continue
		}

		var request Request

		err = json.Unmarshal(payload, &request)
		if err != nil {
			s.sendError(c, apperr.ErrUnknownEvent)

			continue
		}

		err = s.dispatch(ctx, c, request)
		if err == nil {
			continue
		}

		s.sendError(c, err)

		if apperr.IsFatal(err) {
			logger.Warn("closing client after fatal error",
				zap.String("event", request.Event),
				zap.Error(err))

			c.close()

			return
		}
	}
}

func (s *TransportService) dispatch(ctx context.Context, c *client, request Request) error {
	switch request.Event {
	case EventReset:
		var data ResetData
		_ = json.Unmarshal(request.Data, &data)

		return s.reset(ctx, c, data.Token)
	case EventChoice:
		var data ChoiceData
		_ = json.Unmarshal(request.Data, &data)

		d, paired, err := s.Matchmaker.SetChoice(c.player.ID, data.Choice)
		if d != nil {
			s.notify([]*dilemma.Dilemma{d})
		}

		s.notify(paired)

		//nolint:wrapcheck
		return err
	case EventEmail:
		var data EmailData
		_ = json.Unmarshal(request.Data, &data)

		paid, err := s.Matchmaker.ClaimReward(ctx, c.player.ID, data.Email)
		if err != nil {
			//nolint:wrapcheck
			return err
		}

		//nolint:wrapcheck
		return c.send(EventPayment, PaymentData{Paid: paid})
	case EventMessage:
		var data MessageData
		_ = json.Unmarshal(request.Data, &data)

		opponent, ok := s.Matchmaker.Opponent(c.player.ID)
		if !ok {
			return nil
		}

		if target := s.lookup(opponent.ID); target != nil {
			_ = target.send(EventMessage, data)
		}

		return nil
	}

	return apperr.ErrUnknownEvent
}

// reset takes the player out of their current dilemma and, after a
// successful captcha, back into matchmaking.
func (s *TransportService) reset(ctx context.Context, c *client, token string) error {
	changed, err := s.Matchmaker.DeactivatePlayer(c.player.ID)
	s.notify(changed)

	// throttling of the players left behind is reported again by activation
	if apperr.IsFatal(err) {
		//nolint:wrapcheck
		return err
	}

	s.sendDilemma(c, nil)

	if !s.Captcha.Verify(ctx, c.address, token) {
		return apperr.ErrFailedCaptcha
	}

	changed, err = s.Matchmaker.ActivatePlayer(c.player.ID)
	s.notify(changed)

	//nolint:wrapcheck
	return err
}

// notify pushes each dilemma to the players seated in it.
func (s *TransportService) notify(dilemmas []*dilemma.Dilemma) {
	for _, d := range dilemmas {
		for _, player := range d.Players {
			if target := s.lookup(player.ID); target != nil {
				s.sendDilemma(target, d)
			}
		}

		s.scheduleRefresh(d)
	}
}

func (s *TransportService) sendDilemma(c *client, d *dilemma.Dilemma) {
	var summary *dilemma.Summary

	if d != nil {
		value := d.Summary(c.player.ID)
		summary = &value
	}

	err := c.send(EventDilemma, summary)
	if err != nil {
		s.Logger.Debug("failed to send dilemma", zap.Int64("player_id", int64(c.player.ID)), zap.Error(err))
	}
}

// scheduleRefresh pushes the dilemma again once its choice window closes,
// so players see an expired outcome without sending another event.
func (s *TransportService) scheduleRefresh(d *dilemma.Dilemma) {
	if d.State() == dilemma.StateResolved || d.EndTimestamp.IsZero() {
		return
	}

	s.mu.Lock()
	if end, ok := s.refreshes[d.ID]; ok && end.Equal(d.EndTimestamp) {
		s.mu.Unlock()

		return
	}
	s.refreshes[d.ID] = d.EndTimestamp
	s.mu.Unlock()

	players := make([]dilemma.PlayerID, 0, len(d.Players))
	for _, player := range d.Players {
		players = append(players, player.ID)
	}

	time.AfterFunc(d.EndTimestamp.Sub(s.Clock.Now()), func() {
		s.mu.Lock()
		if end, ok := s.refreshes[d.ID]; ok && end.Equal(d.EndTimestamp) {
			delete(s.refreshes, d.ID)
		}
		s.mu.Unlock()

		for _, id := range players {
			target := s.lookup(id)
			if target == nil {
				continue
			}

			current := s.Matchmaker.Dilemma(id)
			if current == nil || current.ID != d.ID {
				continue
			}

			s.sendDilemma(target, current)
		}

		paired, err := s.Matchmaker.Rematch()
		if err != nil {
			s.Logger.Debug("pairing after expiry did not complete", zap.Error(err))
		}

		s.notify(paired)
	})
}

func (s *TransportService) sendError(c *client, err error) {
	var event string

	switch apperr.GetKind(err) {
	case apperr.KindWarning:
		event = EventAPIWarning
	case apperr.KindError:
		event = EventAPIError
	case apperr.KindFatal:
		event = EventFatalAPIError
	}

	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		s.Logger.Error("unexpected error", zap.Error(err))

		appErr = apperr.New(apperr.KindFatal, apperr.CodeUnknown, "Internal error")
	}

	_ = c.send(event, APIError{
		Code:     string(appErr.Code),
		Message:  appErr.Message,
		Metadata: appErr.Metadata,
	})
}
