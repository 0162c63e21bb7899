package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/raft"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zpiroux/geist-connector-kafka-leader/lkafka"
	"github.com/zpiroux/geist-connector-kafka-leader/lkafka/leadership"
	"github.com/zpiroux/geist-connector-kafka-leader/lkafka/spec"
)

func main() {
	var (
		configPath = flag.String("config", "/config.yaml", "Path to YAML/JSON consumer spec")
		env        = flag.String("env", "", "Environment used to select topic names in the consumer config")
		bootstrap  = flag.String("bootstrap-servers", "localhost:9092", "Kafka bootstrap servers")
		pollMs     = flag.Int("poll-timeout-ms", 0, "Default bounded wait of a batch retrieval")
		quiet      = flag.Bool("quiet", false, "Disable consumer event logging")
	)
	flag.Parse()

	cs, err := spec.NewConsumerSpecFromFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load consumer spec: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 4)
	config := &lkafka.Config{
		KafkaProps:    map[string]any{lkafka.PropBootstrapServers: *bootstrap},
		PollTimeoutMs: *pollMs,
		Env:           *env,
		Log:           !*quiet,
		Registerer:    prometheus.DefaultRegisterer,
		OnLoopExit: func(topic string, err error) {
			if err != nil {
				errCh <- fmt.Errorf("poll loop on topic '%s' failed: %w", topic, err)
			}
		},
	}

	c, err := lkafka.NewConsumer[[]byte, []byte](config, cs, lkafka.BytesDeserializer, lkafka.BytesDeserializer, nil)
	if err != nil {
		log.Fatalf("Failed to create consumer: %v", err)
	}
	if err = c.Start(lkafka.RecordHandlerFunc[[]byte, []byte](printRecord)); err != nil {
		log.Fatalf("Failed to start consumer: %v", err)
	}
	if err = lkafka.Bind(c, cs); err != nil {
		log.Fatalf("Failed to bind consumer: %v", err)
	}
	logPreviousOffsets(cs.OffsetStorePath)

	if cs.MetricsAddr != "" {
		startMetricsServer(cs.MetricsAddr)
	}

	go func() {
		if err := c.Poll(ctx, lkafka.PollConfigFromSpec(cs.Poll)); err != nil {
			errCh <- err
		}
	}()

	var r *raft.Raft
	if cs.Leadership != nil && cs.Leadership.Standalone {
		nodeID := cs.Leadership.NodeID
		if nodeID == "" {
			nodeID = c.Identity().ID
		}
		if r, err = leadership.NewStandaloneRaft(nodeID, os.Stderr); err != nil {
			log.Fatalf("Failed to start raft: %v", err)
		}
		go lkafka.FollowLeadership(ctx, c, r, func(err error) {
			log.Printf("Leadership switch failed, retrying once: %v", err)
			if err := c.ResyncLeadership(); err != nil {
				errCh <- err
			}
		})
	}

	select {
	case <-ctx.Done():
		log.Printf("Received shutdown signal, shutting down...")
	case err = <-errCh:
		log.Printf("Consumer error: %v", err)
	}

	if err := c.Stop(); err != nil {
		log.Printf("Error stopping consumer: %v", err)
	}
	if r != nil {
		if err := r.Shutdown().Error(); err != nil {
			log.Printf("Error shutting down raft: %v", err)
		}
	}
	log.Printf("Consumer %s closed gracefully, consumed events: %d", c.Identity().ID, c.EventCount())

	var uerr *lkafka.UnrecoverableError
	if errors.As(err, &uerr) {
		os.Exit(1)
	}
}

func printRecord(ctx context.Context, r lkafka.Record[[]byte, []byte]) error {
	fmt.Printf("%s [%d] @%d %s key=%s value=%s\n", r.Timestamp.Format(time.RFC3339), r.Partition, r.Offset, r.Topic, r.Key, r.Value)
	return nil
}

func logPreviousOffsets(path string) {
	if path == "" {
		return
	}
	identity, offsets, err := lkafka.NewFileOffsetStore(path).Load()
	if err != nil {
		log.Printf("Could not read previous offset snapshot %s: %v", path, err)
		return
	}
	for _, e := range offsets {
		log.Printf("Previous snapshot of %s: %s[%d] next offset %d", identity.ID, e.Key.Topic, e.Key.Partition, e.NextOffset)
	}
}

func startMetricsServer(addr string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		log.Printf("Prometheus exporter listening on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Failed to start metrics server: %v", err)
		}
	}()
}
