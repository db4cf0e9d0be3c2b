package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/do/v2"
	"github.com/vreid/prisoners/internal/pkg/captcha"
	"github.com/vreid/prisoners/internal/pkg/common"
	"github.com/vreid/prisoners/internal/pkg/dilemma"
	"github.com/vreid/prisoners/internal/pkg/matchmaker"
	"github.com/vreid/prisoners/internal/pkg/payout"
	"github.com/vreid/prisoners/internal/pkg/stats"
	"github.com/vreid/prisoners/internal/pkg/throttle"
	"github.com/vreid/prisoners/internal/pkg/transport"
	"go.uber.org/zap"

	"github.com/urfave/cli/v3"
)

const (
	serviceName     = "prisoners"
	channelCapacity = 1000
	shutdownTimeout = 10 * time.Second
)

type PrisonersService struct {
	EchoService *common.EchoService `do:""`

	StatsService     *stats.StatsService         `do:""`
	PayoutService    *payout.PayoutService       `do:""`
	TransportService *transport.TransportService `do:""`
}

func provideStore(i do.Injector, cmd *cli.Command) {
	do.ProvideNamedValue(i, "store", cmd.String("store"))
	do.ProvideNamedValue(i, "data-dir", cmd.String("data-dir"))
	do.ProvideNamedValue(i, "valkey-addr", cmd.String("valkey-addr"))

	do.Provide(i, common.NewBoltStore)
	do.Provide(i, common.NewValkeyStore)
	do.Provide(i, common.NewStore)
}

func provideLogger(i do.Injector, cmd *cli.Command) (*zap.Logger, error) {
	logger, err := common.NewLogger(serviceName, cmd.String("log-env"))
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	do.ProvideValue(i, logger)

	return logger, nil
}

func seconds(cmd *cli.Command, name string) time.Duration {
	return time.Duration(cmd.Int(name)) * time.Second
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	i := do.New()

	logger, err := provideLogger(i, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	do.ProvideNamedValue(i, "port", cmd.Int("port"))

	provideStore(i, cmd)

	do.ProvideValue[common.Clock](i, common.SystemClock{})

	do.ProvideNamedValue(i, "idle-time", seconds(cmd, "idle-seconds"))
	do.ProvideNamedValue(i, "max-age", seconds(cmd, "max-age-seconds"))
	do.ProvideNamedValue(i, "shuffle", cmd.Bool("shuffle"))

	do.ProvideNamedValue(i, "min-unique-addresses", cmd.Int("min-unique-addresses"))
	do.ProvideNamedValue(i, "max-unique-addresses", cmd.Int("max-unique-addresses"))
	do.ProvideNamedValue(i, "max-address-proportion", cmd.Float("max-address-proportion"))
	do.ProvideNamedValue(i, "win-window", seconds(cmd, "win-window-seconds"))
	do.ProvideNamedValue(i, "max-win-window", seconds(cmd, "max-win-window-seconds"))

	do.ProvideNamedValue(i, "anonymize-addresses", cmd.Bool("anonymize-addresses"))
	do.ProvideNamedValue(i, "max-connections-per-address", cmd.Int("max-connections-per-address"))
	do.ProvideNamedValue(i, "event-rate", cmd.Float("event-rate"))
	do.ProvideNamedValue(i, "event-burst", cmd.Int("event-burst"))

	do.ProvideNamedValue(i, "captcha-enabled", cmd.Bool("captcha-enabled"))
	do.ProvideNamedValue(i, "captcha-secret", cmd.String("captcha-secret"))
	do.ProvideNamedValue(i, "captcha-url", cmd.String("captcha-url"))

	do.ProvideNamedValue(i, "paypal-mode", cmd.String("paypal-mode"))
	do.ProvideNamedValue(i, "paypal-client-id", cmd.String("paypal-client-id"))
	do.ProvideNamedValue(i, "paypal-client-secret", cmd.String("paypal-client-secret"))
	do.ProvideNamedValue(i, "payout-amount", cmd.String("payout-amount"))
	do.ProvideNamedValue(i, "payout-currency", cmd.String("payout-currency"))
	do.ProvideNamedValue(i, "admin-token", cmd.String("admin-token"))

	outcomeChan := make(chan dilemma.Outcome, channelCapacity)
	var outcomeSource <-chan dilemma.Outcome = outcomeChan
	var outcomeSink chan<- dilemma.Outcome = outcomeChan

	do.ProvideNamedValue(i, "outcome-source", outcomeSource)
	do.ProvideNamedValue(i, "outcome-sink", outcomeSink)

	statsChan := make(chan stats.Stats, channelCapacity)
	var statsSource <-chan stats.Stats = statsChan
	var statsSink chan<- stats.Stats = statsChan

	do.ProvideNamedValue(i, "stats-source", statsSource)
	do.ProvideNamedValue(i, "stats-sink", statsSink)

	fundsChan := make(chan bool, channelCapacity)
	var fundsSource <-chan bool = fundsChan
	var fundsSink chan<- bool = fundsChan

	do.ProvideNamedValue(i, "funds-source", fundsSource)
	do.ProvideNamedValue(i, "funds-sink", fundsSink)

	playerCountChan := make(chan matchmaker.PlayerCount, channelCapacity)
	var playerCountSource <-chan matchmaker.PlayerCount = playerCountChan
	var playerCountSink chan<- matchmaker.PlayerCount = playerCountChan

	do.ProvideNamedValue(i, "player-count-source", playerCountSource)
	do.ProvideNamedValue(i, "player-count-sink", playerCountSink)

	do.Provide(i, common.NewEchoService)

	do.Provide(i, captcha.NewCaptchaService)
	do.Provide(i, payout.NewPayPalTransferer)
	do.Provide(i, payout.NewPayoutService)
	do.Provide(i, stats.NewStatsService)
	do.Provide(i, throttle.NewThrottleService)
	do.Provide(i, matchmaker.NewMatchmakerService)
	do.Provide(i, transport.NewTransportService)

	do.Provide(i, do.InvokeStruct[PrisonersService])

	prisonersService, err := do.Invoke[PrisonersService](i)
	if err != nil {
		return fmt.Errorf("failed to create prisoners service: %w", err)
	}

	prisonersService.StatsService.Start()
	prisonersService.TransportService.Start()

	errs := make(chan error, 1)

	go func() {
		errs <- prisonersService.EchoService.Start()
	}()

	select {
	case err = <-errs:
	case <-ctx.Done():
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err = prisonersService.EchoService.Shutdown(shutdownCtx)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	report := i.Shutdown()
	if report != nil && !report.Succeed {
		return fmt.Errorf("failed to shutdown services: %w", report)
	}

	return nil
}

type inspection struct {
	Stats       stats.Stats          `json:"stats"`
	WinMetadata throttle.WinMetadata `json:"winMetadata"`
}

func runInspect(ctx context.Context, cmd *cli.Command) error {
	i := do.New()

	provideStore(i, cmd)

	store, err := do.Invoke[common.Store](i)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer i.Shutdown()

	result := inspection{
		Stats: stats.Zero(),
		WinMetadata: throttle.WinMetadata{
			MinAddressScale:  1,
			WinningAddresses: []string{},
		},
	}

	_, err = common.LoadJSON(ctx, store, common.StatsKey, &result.Stats)
	if err != nil {
		return fmt.Errorf("failed to load stats: %w", err)
	}

	_, err = common.LoadJSON(ctx, store, common.WinMetadataKey, &result.WinMetadata)
	if err != nil {
		return fmt.Errorf("failed to load win metadata: %w", err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	//nolint:wrapcheck
	return encoder.Encode(result)
}

func storeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "store",
			Value:   "bolt",
			Usage:   "persistence backend, bolt or valkey",
			Sources: cli.EnvVars("PRISONERS_STORE"),
		},
		&cli.StringFlag{
			Name:    "data-dir",
			Value:   "./prisoners/data",
			Sources: cli.EnvVars("PRISONERS_DATA_DIR"),
		},
		&cli.StringFlag{
			Name:    "valkey-addr",
			Value:   "127.0.0.1:6379",
			Sources: cli.EnvVars("PRISONERS_VALKEY_ADDR"),
		},
	}
}

func serverFlags() []cli.Flag {
	flags := []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Value:   3000, //nolint:mnd
			Sources: cli.EnvVars("PRISONERS_PORT"),
		},
		&cli.StringFlag{
			Name:    "log-env",
			Value:   "production",
			Usage:   "production or development",
			Sources: cli.EnvVars("PRISONERS_LOG_ENV"),
		},
		&cli.IntFlag{
			Name:    "idle-seconds",
			Value:   5, //nolint:mnd
			Sources: cli.EnvVars("PRISONERS_IDLE_SECONDS"),
		},
		&cli.IntFlag{
			Name:    "max-age-seconds",
			Value:   30, //nolint:mnd
			Sources: cli.EnvVars("PRISONERS_MAX_AGE_SECONDS"),
		},
		&cli.BoolFlag{
			Name:    "shuffle",
			Value:   true,
			Sources: cli.EnvVars("PRISONERS_SHUFFLE"),
		},
		&cli.IntFlag{
			Name:    "min-unique-addresses",
			Value:   2, //nolint:mnd
			Sources: cli.EnvVars("PRISONERS_MIN_UNIQUE_ADDRESSES"),
		},
		&cli.IntFlag{
			Name:    "max-unique-addresses",
			Value:   0,
			Usage:   "cap on the scaled unique address requirement, 0 for none",
			Sources: cli.EnvVars("PRISONERS_MAX_UNIQUE_ADDRESSES"),
		},
		&cli.FloatFlag{
			Name:    "max-address-proportion",
			Value:   50, //nolint:mnd
			Usage:   "largest percentage of waiting players allowed from one address",
			Sources: cli.EnvVars("PRISONERS_MAX_ADDRESS_PROPORTION"),
		},
		&cli.IntFlag{
			Name:    "win-window-seconds",
			Value:   60, //nolint:mnd
			Sources: cli.EnvVars("PRISONERS_WIN_WINDOW_SECONDS"),
		},
		&cli.IntFlag{
			Name:    "max-win-window-seconds",
			Value:   int(throttle.DefaultMaxWinWindow / time.Second),
			Sources: cli.EnvVars("PRISONERS_MAX_WIN_WINDOW_SECONDS"),
		},
		&cli.BoolFlag{
			Name:    "anonymize-addresses",
			Sources: cli.EnvVars("PRISONERS_ANONYMIZE_ADDRESSES"),
		},
		&cli.IntFlag{
			Name:    "max-connections-per-address",
			Value:   10, //nolint:mnd
			Sources: cli.EnvVars("PRISONERS_MAX_CONNECTIONS_PER_ADDRESS"),
		},
		&cli.FloatFlag{
			Name:    "event-rate",
			Value:   5, //nolint:mnd
			Usage:   "client events per second, 0 for unlimited",
			Sources: cli.EnvVars("PRISONERS_EVENT_RATE"),
		},
		&cli.IntFlag{
			Name:    "event-burst",
			Value:   10, //nolint:mnd
			Sources: cli.EnvVars("PRISONERS_EVENT_BURST"),
		},
		&cli.BoolFlag{
			Name:    "captcha-enabled",
			Sources: cli.EnvVars("PRISONERS_CAPTCHA_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "captcha-secret",
			Sources: cli.EnvVars("PRISONERS_CAPTCHA_SECRET"),
		},
		&cli.StringFlag{
			Name:    "captcha-url",
			Value:   captcha.DefaultVerifyURL,
			Sources: cli.EnvVars("PRISONERS_CAPTCHA_URL"),
		},
		&cli.StringFlag{
			Name:    "paypal-mode",
			Value:   "sandbox",
			Usage:   "sandbox or live",
			Sources: cli.EnvVars("PRISONERS_PAYPAL_MODE"),
		},
		&cli.StringFlag{
			Name:    "paypal-client-id",
			Sources: cli.EnvVars("PRISONERS_PAYPAL_CLIENT_ID"),
		},
		&cli.StringFlag{
			Name:    "paypal-client-secret",
			Sources: cli.EnvVars("PRISONERS_PAYPAL_CLIENT_SECRET"),
		},
		&cli.StringFlag{
			Name:    "payout-amount",
			Value:   "1.00",
			Sources: cli.EnvVars("PRISONERS_PAYOUT_AMOUNT"),
		},
		&cli.StringFlag{
			Name:    "payout-currency",
			Value:   "USD",
			Sources: cli.EnvVars("PRISONERS_PAYOUT_CURRENCY"),
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "bearer token for admin endpoints, empty disables them",
			Sources: cli.EnvVars("PRISONERS_ADMIN_TOKEN"),
		},
	}

	return append(flags, storeFlags()...)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	//nolint:exhaustruct
	cmd := &cli.Command{
		Name: "prisoners",
		Commands: []*cli.Command{
			{
				Name:   "server",
				Flags:  serverFlags(),
				Action: runServer,
			},
			{
				Name:   "inspect",
				Usage:  "print persisted stats and win metadata",
				Flags:  storeFlags(),
				Action: runInspect,
			},
		},
		DefaultCommand: "server",
	}

	err := cmd.Run(ctx, os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
