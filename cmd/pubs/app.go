package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/eosfor/pubs/internal/broker"
	"github.com/eosfor/pubs/internal/broker/azsb"
	"github.com/eosfor/pubs/internal/broker/localbus"
	"github.com/eosfor/pubs/internal/config"
	"github.com/eosfor/pubs/internal/dispatch"
	"github.com/eosfor/pubs/internal/drain"
	"github.com/eosfor/pubs/internal/failure"
	"github.com/eosfor/pubs/internal/metrics"
	"github.com/eosfor/pubs/internal/sessionstate"
	"github.com/eosfor/pubs/internal/types"
)

// app carries what every subcommand shares: flags, config, logger, metrics
// and the broker client.
type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	configPath   string
	path         string
	queue        string
	topic        string
	subscription string
	dlq          bool
	stats        bool

	cfg    *config.Config
	log    *slog.Logger
	reg    *metrics.Registry
	client broker.Client
}

func newRootCmd(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{in: in, out: out, errOut: errOut}

	root := &cobra.Command{
		Use:           "pubs",
		Short:         "Drain, inspect and re-inject messages on a session-capable broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "pubs.yaml", "path to config file")
	pf.StringVar(&a.path, "entity", "", `entity path, e.g. "orders" or "events/Subscriptions/audit/$DeadLetterQueue"`)
	pf.StringVar(&a.queue, "queue", "", "queue name")
	pf.StringVar(&a.topic, "topic", "", "topic name")
	pf.StringVar(&a.subscription, "subscription", "", "subscription name (with --topic)")
	pf.BoolVar(&a.dlq, "dlq", false, "address the dead-letter sub-queue")
	pf.BoolVar(&a.stats, "stats", false, "dump counters to stderr on exit")

	root.AddCommand(
		a.receiveCmd(),
		a.purgeCmd(),
		a.sendCmd(),
		a.settleCmd(),
		a.deferredCmd(),
		a.stateCmd(),
	)
	return root
}

// run wraps a subcommand body: it loads config, sets up logging and, when
// needed, connects to the broker, and tears everything down afterwards.
func (a *app) run(needBroker bool, fn func(ctx context.Context) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) (err error) {
		if err := a.setup(); err != nil {
			return err
		}
		ctx := cmd.Context()

		if needBroker {
			if a.client, err = a.openClient(); err != nil {
				return fmt.Errorf("open broker: %w", err)
			}
			defer func() {
				err = multierr.Append(err, a.client.Close(context.WithoutCancel(ctx)))
			}()
		}
		if a.cfg.Metrics.Enabled {
			stop := a.serveMetrics()
			defer stop()
		}
		if a.stats {
			defer func() {
				if _, werr := a.reg.WriteTo(a.errOut); werr != nil {
					a.log.Warn("writing stats", "err", werr)
				}
			}()
		}
		return fn(ctx)
	}
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg

	a.log = slog.New(slog.NewJSONHandler(a.errOut, &slog.HandlerOptions{Level: level(cfg.Log.Level)}))
	slog.SetDefault(a.log)
	a.reg = &metrics.Registry{}
	return nil
}

// serveMetrics exposes the registry on the configured port until the returned
// func is called.
func (a *app) serveMetrics() func() {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Metrics.Port),
		Handler:           a.reg.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.log.Info("metrics server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			a.log.Warn("metrics server error", "err", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.log.Warn("metrics server shutdown error", "err", err)
		}
	}
}

func level(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func (a *app) openClient() (broker.Client, error) {
	switch a.cfg.Broker.Kind {
	case config.BrokerAzure:
		return azsb.New(a.cfg.Broker.ConnectionString, azsb.WithLogger(a.log))
	default:
		ents := make([]localbus.EntityConfig, 0, len(a.cfg.Local.Entities))
		for _, e := range a.cfg.Local.Entities {
			ents = append(ents, localbus.EntityConfig{
				Queue:            e.Queue,
				Topic:            e.Topic,
				Subscription:     e.Subscription,
				RequiresSession:  e.RequiresSession,
				LockDuration:     e.LockDuration,
				MaxDeliveryCount: e.MaxDeliveryCount,
			})
		}
		return localbus.Open(localbus.Options{
			Path:            a.cfg.Local.Path,
			MaxMessageBytes: a.cfg.Local.MaxMessageBytes,
			Entities:        ents,
			Logger:          a.log,
			Metrics:         a.reg,
		})
	}
}

// entity builds the receive-side entity from the common flags.
func (a *app) entity() (types.EntityRef, error) {
	if a.path != "" {
		if a.queue != "" || a.topic != "" || a.subscription != "" {
			return types.EntityRef{}, failure.New(failure.CodeInvalidArgument, a.path, "--entity replaces --queue, --topic and --subscription")
		}
		e, err := types.ParseEntityPath(a.path)
		if err != nil {
			return e, failure.Wrap(failure.CodeInvalidArgument, a.path, err)
		}
		if a.dlq {
			e = e.DeadLetter()
		}
		return e, nil
	}
	e := types.EntityRef{Queue: a.queue, Topic: a.topic, Subscription: a.subscription}
	if a.dlq {
		e = e.DeadLetter()
	}
	if err := e.Validate(); err != nil {
		return e, failure.Wrap(failure.CodeInvalidArgument, "", fmt.Errorf("give --queue, or --topic with --subscription: %w", err))
	}
	return e, nil
}

// target builds the send-side entity: a queue or a topic.
func (a *app) target() (types.EntityRef, error) {
	switch {
	case a.path != "":
		return types.EntityRef{}, failure.New(failure.CodeInvalidArgument, a.path, "send takes --queue or --topic")
	case a.queue != "" && a.topic != "":
		return types.EntityRef{}, failure.New(failure.CodeInvalidArgument, "", "--queue and --topic are mutually exclusive")
	case a.dlq || a.subscription != "":
		return types.EntityRef{}, failure.New(failure.CodeInvalidArgument, "", "send goes to a queue or a topic, not a subscription or dead-letter queue")
	case a.queue == "" && a.topic == "":
		return types.EntityRef{}, failure.New(failure.CodeInvalidArgument, "", "give --queue or --topic")
	}
	return types.EntityRef{Queue: a.queue, Topic: a.topic}, nil
}

func (a *app) engine() *drain.Engine {
	r := a.cfg.Receive
	return &drain.Engine{
		Client:  a.client,
		Logger:  a.log,
		Metrics: a.reg,
		Options: drain.Options{
			BatchSize:     r.BatchSize,
			DefaultWindow: r.DefaultWindow,
			IdleDelay:     r.IdleDelay,
			MaxIdleDelay:  r.MaxIdleDelay,
			SettleTimeout: r.SettleTimeout,
			RenewAhead:    a.cfg.Renew.RenewAhead,
			RenewMinDelay: a.cfg.Renew.MinDelay,
		},
	}
}

func (a *app) dispatcher() *dispatch.Dispatcher {
	d := &dispatch.Dispatcher{Client: a.client, Logger: a.log, Metrics: a.reg}
	if s := a.cfg.Send; s.MaxRate > 0 {
		d.Limiter = rate.NewLimiter(rate.Limit(s.MaxRate), s.Burst)
	}
	return d
}

func (a *app) stateStore() *sessionstate.Store {
	return &sessionstate.Store{Client: a.client, Logger: a.log, Metrics: a.reg}
}
