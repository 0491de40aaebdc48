// Command ingestd runs the four core subsystems of the trade-capture
// ingest pipeline: the stream receiver and buffer, the batch
// persister, and the outbox dispatcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"database/sql"

	"github.com/pms-org/pms-trade-capture/internal/broker"
	"github.com/pms-org/pms-trade-capture/internal/config"
	"github.com/pms-org/pms-trade-capture/internal/diskqueue"
	"github.com/pms-org/pms-trade-capture/internal/ingest"
	"github.com/pms-org/pms-trade-capture/internal/logging"
	"github.com/pms-org/pms-trade-capture/internal/outbox"
	"github.com/pms-org/pms-trade-capture/internal/persist"
	"github.com/pms-org/pms-trade-capture/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	replayHex := flag.String("replay", "", "hex-encoded wire frame to inject once via the admin replay hook "+
		"(internal/ingest.Runtime.Replay) before normal stream consumption starts; the process keeps running afterward")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *replayHex); err != nil {
		log.Fatal("ingestd exited with error", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger, replayHex string) error {
	if err := runMigrations(cfg.DB); err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	store := storage.New(pool)

	fallback, err := diskqueue.Open(cfg.DiskQueuePath)
	if err != nil {
		return err
	}
	defer fallback.Close()

	circuitCfg := persist.CircuitConfig{
		FailureRatio:      cfg.Circuit.FailureRatio,
		MinRequestVolume:  uint32(cfg.Circuit.MinRequestVolume),
		OpenDuration:      time.Duration(cfg.Circuit.OpenDurationMs) * time.Millisecond,
		HalfOpenMaxProbes: uint32(cfg.Circuit.HalfOpenMaxProbes),
	}
	persister := persist.New(store, circuitCfg, fallback, log)

	kafkaCfg := sarama.NewConfig()
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.Return.Errors = true
	kafkaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.Kafka.Brokers, kafkaCfg)
	if err != nil {
		return err
	}
	defer client.Close()

	consumerGroup, err := sarama.NewConsumerGroupFromClient(cfg.Kafka.ConsumerGroup, client)
	if err != nil {
		return err
	}
	defer consumerGroup.Close()

	syncProducer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return err
	}
	defer syncProducer.Close()

	pauser := broker.NewGroupPauser(consumerGroup, []string{cfg.Kafka.SourceTopic})

	bufParams := ingest.Params{
		MaxBatchSize:    cfg.Ingest.BatchMaxSize,
		FlushInterval:   time.Duration(cfg.Ingest.FlushIntervalMs) * time.Millisecond,
		BufferCapacity:  cfg.Ingest.BufferCapacity,
		ResumeThreshold: cfg.Ingest.BufferCapacity / 10,
	}
	buf := ingest.NewBuffer(bufParams, persister, pauser, log)
	buf.Start()
	defer buf.Stop()

	receiver := ingest.NewReceiver(buf, log)
	rt := &ingest.Runtime{Buffer: buf, Receiver: receiver}

	if replayHex != "" {
		if err := rt.Replay(replayHex); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		log.Info("replayed one frame via admin hook", zap.Int("frame_bytes", len(replayHex)/2))
	}

	consumerHandler := broker.NewConsumerGroupHandler(receiver, client, log)
	go broker.RunConsumerGroup(ctx, consumerGroup, []string{cfg.Kafka.SourceTopic}, consumerHandler, log)

	sender := broker.NewSyncProducerSender(syncProducer, cfg.Kafka.DownstreamTopic)
	worker := outbox.NewDispatchWorker(sender, time.Duration(cfg.Outbox.KafkaSendTimeoutMs)*time.Millisecond, log)
	sizer := outbox.NewAdaptiveBatchSizer(outbox.SizerParams{
		Min:             cfg.Outbox.MinBatch,
		Max:             cfg.Outbox.MaxBatch,
		TargetLatencyMs: cfg.Outbox.TargetLatencyMs,
	})
	dispatcher := outbox.NewDispatcher(store, sizer, worker, outbox.BackoffParams{
		Base: time.Duration(cfg.Outbox.SystemFailureBackoffMs) * time.Millisecond,
		Max:  time.Duration(cfg.Outbox.MaxBackoffMs) * time.Millisecond,
	}, log)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	log.Info("ingestd started",
		zap.Strings("kafka_brokers", cfg.Kafka.Brokers),
		zap.String("source_topic", cfg.Kafka.SourceTopic),
		zap.String("downstream_topic", cfg.Kafka.DownstreamTopic),
	)

	<-ctx.Done()
	log.Info("ingestd shutting down")
	return nil
}

func runMigrations(cfg config.DBConfig) error {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, cfg.MigrationsDir)
}
