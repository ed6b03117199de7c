package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/rustyeddy/riskd/broker"
	"github.com/rustyeddy/riskd/bus"
	"github.com/rustyeddy/riskd/config"
	"github.com/rustyeddy/riskd/enforce"
	"github.com/rustyeddy/riskd/engine"
	"github.com/rustyeddy/riskd/market"
	"github.com/rustyeddy/riskd/metrics"
	"github.com/rustyeddy/riskd/notify"
	"github.com/rustyeddy/riskd/rules"
	"github.com/rustyeddy/riskd/snapshot"
	"github.com/rustyeddy/riskd/state"
	"github.com/rustyeddy/riskd/timers"
)

func newRunCmd(rc *rootConfig) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the risk pipeline",
		Long: `Run the full pipeline: event bus, state store, rule engine and
enforcement, with timer producers and periodic state snapshots. Orders go to
a paper broker; wire a real adapter at the broker.Broker seam.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rc.ConfigPath)
			if err != nil {
				return err
			}
			log := rc.Log
			if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
				level, err := zerolog.ParseLevel(cfg.LogLevel)
				if err != nil {
					return fmt.Errorf("config log_level: %w", err)
				}
				log = log.Level(level)
			}
			return runPipeline(cmd.Context(), cfg, metricsAddr, log)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

func runPipeline(parent context.Context, cfg *config.Config, metricsAddr string, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := state.SystemClock{}
	m := metrics.New()
	loc := cfg.Location()

	store := state.NewStore(clock, market.DefaultTable(), log)

	db, err := snapshot.NewSQLite(cfg.Snapshot.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if n, err := db.RestoreInto(store); err != nil {
		return err
	} else if n > 0 {
		log.Info().Int("accounts", n).Msg("state restored from snapshot")
	}

	notifier, closeNotifier, err := buildNotifier(cfg, log)
	if err != nil {
		return err
	}
	defer closeNotifier()

	var brk broker.Broker = broker.NewPaperBroker(log)
	if cfg.Broker.Breaker {
		brk = broker.NewBreakerBroker(brk, broker.BreakerConfig{}, log)
	}

	enf := enforce.NewEngine(store, brk, notifier, clock, enforce.Config{
		MaxAttempts: cfg.Broker.MaxAttempts,
		RetryBase:   config.Duration(cfg.Broker.RetryBase, 250*time.Millisecond),
	}, log, m)

	rs, err := buildRules(cfg, loc, clock)
	if err != nil {
		return err
	}

	eng := engine.New(store, enf, rs, clock, log, m)
	if cfg.Rules.StopGrace.Enabled {
		eng.SetGrace(config.Duration(cfg.Rules.StopGrace.Grace, 2*time.Minute))
	}

	b := bus.New(cfg.Bus.Capacity, log, m)
	b.Subscribe(bus.TypeWildcard, eng)
	b.Start()

	tick := timers.NewTickProducer(b, config.Duration(cfg.Bus.TickInterval, time.Second), clock, log)
	session := timers.NewSessionProducer(b, loc, cfg.Session.ResetHour, cfg.Session.ResetMinute, clock, log)
	writer := snapshot.NewWriter(store, db, config.Duration(cfg.Snapshot.Interval, 30*time.Second), clock, log)

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){tick.Run, session.Run, writer.Run} {
		run := run
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer srv.Close()
		log.Info().Str("addr", metricsAddr).Msg("metrics listening")
	}

	log.Info().
		Int("rules", len(rs)).
		Str("timezone", cfg.Session.Timezone).
		Msg("pipeline running")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	b.Shutdown(5 * time.Second)
	wg.Wait() // writer does a final snapshot pass before the db closes
	return nil
}

func buildNotifier(cfg *config.Config, log zerolog.Logger) (notify.Notifier, func(), error) {
	if !cfg.Kafka.Enabled {
		return &notify.LogNotifier{Log: log}, func() {}, nil
	}
	kn, err := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka notifier: %w", err)
	}
	return kn, func() {
		if err := kn.Close(); err != nil {
			log.Error().Err(err).Msg("kafka close")
		}
	}, nil
}

func buildRules(cfg *config.Config, loc *time.Location, clock state.Clock) ([]rules.Rule, error) {
	var rs []rules.Rule

	if cfg.Rules.ContractCap.Enabled {
		rs = append(rs, rules.NewContractCap(cfg.Rules.ContractCap.Limit, cfg.Rules.ContractCap.PerSymbol, clock))
	}
	if cfg.Rules.DailyLimit.Enabled {
		loss, profit := decimal.Zero, decimal.Zero
		var err error
		if cfg.Rules.DailyLimit.LossLimit != "" {
			if loss, err = decimal.NewFromString(cfg.Rules.DailyLimit.LossLimit); err != nil {
				return nil, fmt.Errorf("loss_limit: %w", err)
			}
		}
		if cfg.Rules.DailyLimit.ProfitLimit != "" {
			if profit, err = decimal.NewFromString(cfg.Rules.DailyLimit.ProfitLimit); err != nil {
				return nil, fmt.Errorf("profit_limit: %w", err)
			}
		}
		rs = append(rs, rules.NewDailyLimit(loss, profit, loc, cfg.Session.LockoutHour, clock))
	}
	if cfg.Rules.StopGrace.Enabled {
		rs = append(rs, rules.NewStopGrace(config.Duration(cfg.Rules.StopGrace.Grace, 2*time.Minute), clock))
	}
	if cfg.Rules.Frequency.Enabled {
		rs = append(rs, rules.NewFrequency(
			cfg.Rules.Frequency.MaxTrades,
			config.Duration(cfg.Rules.Frequency.Window, time.Minute),
			config.Duration(cfg.Rules.Frequency.Cooldown, 5*time.Minute),
			clock,
		))
	}
	if cfg.Rules.ConnectionAlert.Enabled {
		rs = append(rs, rules.NewConnectionAlert(clock))
	}
	return rs, nil
}
