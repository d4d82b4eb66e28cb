// Command feedmux aggregates real-time market data from the configured
// exchanges and fans it out to the configured sinks.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/coachpo/feedmux/config"
	"github.com/coachpo/feedmux/internal/adapters"
	"github.com/coachpo/feedmux/internal/dialect"
	"github.com/coachpo/feedmux/internal/feed"
	"github.com/coachpo/feedmux/internal/observability"
	"github.com/coachpo/feedmux/internal/router"
	"github.com/coachpo/feedmux/internal/schema"
	"github.com/coachpo/feedmux/internal/sink"
	"github.com/coachpo/feedmux/internal/stream"
	"github.com/coachpo/feedmux/internal/telemetry"
)

var eventKinds = []schema.EventType{
	schema.EventTrade, schema.EventTicker,
	schema.EventBookSnapshot, schema.EventBookDelta,
	schema.EventFunding, schema.EventOrder,
	schema.EventPosition, schema.EventInstrument,
}

func main() {
	configPath := flag.String("config", "feedmux.yaml", "path to configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "feedmux:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := buildLogger(cfg.Log)
	observability.SetLogger(observability.NewZerolog(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	rt, err := buildRouter(cfg, logger)
	if err != nil {
		return err
	}

	handler := feed.NewHandler()
	for _, fc := range cfg.Feeds {
		d, err := adapters.New(adapters.Config{
			Exchange:       fc.Exchange,
			Channels:       fc.Channels,
			Symbols:        fc.Symbols,
			ChannelSymbols: fc.ChannelSymbols,
			Depth:          fc.Depth,
			Private:        fc.Private,
			Credentials:    dialect.Credentials(fc.Credentials),
			WSEndpoint:     fc.Endpoints.Websocket,
			RESTEndpoint:   fc.Endpoints.REST,
		}, rt)
		if err != nil {
			return err
		}
		session, err := stream.New(stream.Options{
			Dialect:     d,
			IdleTimeout: fc.IdleTimeout.Std(),
		})
		if err != nil {
			return err
		}
		if err := handler.AddFeed(session); err != nil {
			return err
		}
	}

	logger.Info().Int("feeds", len(cfg.Feeds)).Msg("starting")
	return handler.Run(ctx)
}

func buildLogger(cfg config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	var out = os.Stderr
	logger := zerolog.New(out)
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func buildRouter(cfg config.Config, logger zerolog.Logger) (*router.Router, error) {
	var opts []router.Option
	var sinks []router.Sink

	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if cfg.Redis.ZSetPrefix != "" {
			sinks = append(sinks, sink.NewZSetSink(client, cfg.Redis.ZSetPrefix))
		}
		if cfg.Redis.StreamPrefix != "" {
			sinks = append(sinks, sink.NewStreamSink(client, cfg.Redis.StreamPrefix, cfg.Redis.StreamMaxLen))
		}
		orderPrefix := cfg.Redis.OrderPrefix
		if orderPrefix == "" {
			orderPrefix = "order"
		}
		opts = append(opts, router.WithCoalescer(router.NewCoalescer(sink.NewOrderStore(client, orderPrefix))))
	} else {
		opts = append(opts, router.WithCoalescer(router.NewCoalescer(router.NewMemoryOrderStore())))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, sink.NewLogSink(logger))
	}

	rt, err := router.New(opts...)
	if err != nil {
		return nil, err
	}
	for _, kind := range eventKinds {
		for _, s := range sinks {
			rt.Register(kind, router.Filter{}, s)
		}
	}
	return rt, nil
}
