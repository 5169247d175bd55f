package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/illmade-knight/lorawan-bridge/pkg/bqstore"
	"github.com/illmade-knight/lorawan-bridge/pkg/config"
	"github.com/illmade-knight/lorawan-bridge/pkg/dedupe"
	"github.com/illmade-knight/lorawan-bridge/pkg/harvester"
	"github.com/illmade-knight/lorawan-bridge/pkg/icestore"
	"github.com/illmade-knight/lorawan-bridge/pkg/metrics"
	"github.com/illmade-knight/lorawan-bridge/pkg/mqttconverter"
	"github.com/illmade-knight/lorawan-bridge/pkg/queue"
	"github.com/illmade-knight/lorawan-bridge/pkg/shutdown"
	"github.com/illmade-knight/lorawan-bridge/pkg/sinks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to bridge configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := cfg.Logger(os.Stderr)
	mqttconverter.RouteClientLogs(logger)

	signal := shutdown.New()
	stop := signal.NotifyOnInterrupt(logger)
	defer stop()

	return runBridge(context.Background(), cfg, signal, logger)
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	tm, err := cfg.BuildTypeMap()
	if err != nil {
		return err
	}
	if _, err := cfg.BuildRanges(tm); err != nil {
		return err
	}
	fmt.Printf("config %s looks good: %d sensor types, sink %s\n", *cfgPath, tm.Len(), cfg.Sink.Type)
	return nil
}

// runBridge wires the subscriber and harvester around one queue and runs
// them until signal is raised. A worker failure raises the signal so the
// other worker drains and stops.
func runBridge(ctx context.Context, cfg *config.Config, signal *shutdown.Signal, logger zerolog.Logger) error {
	tm, err := cfg.BuildTypeMap()
	if err != nil {
		return err
	}
	ranges, err := cfg.BuildRanges(tm)
	if err != nil {
		return err
	}
	logger.Info().Str("type_map", tm.String()).Str("sink", cfg.Sink.Type).Msg("Starting LoRaWAN bridge")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	q := queue.New(cfg.QueueConfig(), signal.Done(), logger)
	metrics.RegisterQueue(reg, q)

	filter, err := buildDedupe(ctx, cfg.Dedupe, logger)
	if err != nil {
		return err
	}
	defer filter.Close()

	decoder, err := mqttconverter.NewDecoder(tm, q, mqttconverter.DecoderConfig{
		Dedupe:  filter,
		Ranges:  ranges,
		Metrics: m,
	}, logger)
	if err != nil {
		return err
	}

	subscriber, err := mqttconverter.NewSubscriberService(cfg.MQTTClientConfig(), decoder, signal, logger,
		mqttconverter.SubscriberServiceConfig{PollInterval: cfg.MQTT.PollInterval, Metrics: m})
	if err != nil {
		return err
	}

	sink, err := buildSink(ctx, cfg.Sink, logger)
	if err != nil {
		return err
	}
	hcfg := cfg.HarvesterConfig()
	hcfg.Metrics = m
	h, err := harvester.New(q, sink, signal, hcfg, logger)
	if err != nil {
		_ = sink.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return raiseOnError(signal, subscriber.Run(gctx))
	})
	g.Go(func() error {
		return raiseOnError(signal, h.Run(gctx))
	})
	if cfg.Metrics.Enabled {
		health := func() error {
			if !subscriber.Connected() {
				return errors.New("not connected to the MQTT broker")
			}
			return nil
		}
		server := metrics.NewServer(cfg.Metrics.Addr, metrics.NewRouter(reg, health), logger)
		g.Go(func() error {
			return raiseOnError(signal, server.Run(signal.Context()))
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("LoRaWAN bridge stopped cleanly.")
	return nil
}

func raiseOnError(signal *shutdown.Signal, err error) error {
	if err != nil {
		signal.Set()
	}
	return err
}

func buildDedupe(ctx context.Context, cfg config.DedupeConfig, logger zerolog.Logger) (dedupe.Filter, error) {
	switch cfg.Backend {
	case config.DedupeNone, "":
		return dedupe.NoopFilter{}, nil
	case config.DedupeMemory:
		return dedupe.NewInMemoryFilter(cfg.TTL, logger), nil
	case config.DedupeRedis:
		return dedupe.NewRedisFilter(ctx, dedupe.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.TTL,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown dedupe backend %q", cfg.Backend)
	}
}

func buildSink(ctx context.Context, cfg config.SinkConfig, logger zerolog.Logger) (harvester.Sink, error) {
	switch cfg.Type {
	case config.SinkLog, "":
		return sinks.NewLogSink(logger), nil
	case config.SinkPubsub:
		return sinks.NewPubsubSink(ctx, sinks.PubsubSinkConfig{
			ProjectID:       cfg.Pubsub.ProjectID,
			TopicID:         cfg.Pubsub.TopicID,
			CredentialsFile: cfg.Pubsub.CredentialsFile,
			PublishSettings: sinks.GetDefaultPublishSettings(),
		}, logger)
	case config.SinkKafka:
		return sinks.NewKafkaSink(sinks.KafkaSinkConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		}, logger)
	case config.SinkHTTP:
		return sinks.NewHTTPSink(sinks.HTTPSinkConfig{
			URL:     cfg.HTTP.URL,
			Token:   cfg.HTTP.Token,
			Timeout: cfg.HTTP.Timeout,
		}, logger)
	case config.SinkBigQuery:
		return bqstore.NewRecordInserterFromConfig(ctx, bqstore.BigQueryDatasetConfig{
			ProjectID:       cfg.BigQuery.ProjectID,
			DatasetID:       cfg.BigQuery.DatasetID,
			TableID:         cfg.BigQuery.TableID,
			CredentialsFile: cfg.BigQuery.CredentialsFile,
		}, logger)
	case config.SinkGCS:
		return icestore.NewGCSArchiverFromConfig(ctx, icestore.GCSArchiverConfig{
			BucketName:      cfg.GCS.Bucket,
			ObjectPrefix:    cfg.GCS.ObjectPrefix,
			CredentialsFile: cfg.GCS.CredentialsFile,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}
