// cmd/logic-audit-gateway/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"storelogic/internal/pkg/bootstrap"
	"storelogic/internal/pkg/logger"
	"storelogic/internal/pkg/mq"
	"storelogic/internal/service/logic/interfaces"
)

const (
	serviceName = "logic-audit-gateway"
	addr        = ":8091"
)

// 审计网关：消费决策与脚本变更事件，按租户推送给管理端的 WebSocket 连接。
func main() {
	cfg := bootstrap.Init()
	if len(cfg.Infra.Kafka.Brokers) == 0 {
		log.Fatal().Msg("audit gateway requires infra.kafka.brokers")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 每个网关实例都要收到全部事件，因此每个实例、每个主题各用一个消费者组
	hub := interfaces.NewAuditHub()
	kafkaCfg := cfg.Infra.Kafka
	nodeID := uuid.New().String()[:8]
	reader := func(topic string) *kafka.Reader {
		return mq.NewBroadcastReader(kafkaCfg.Brokers, topic, mq.BroadcastGroupID(kafkaCfg.ConsumerGroup, topic, nodeID))
	}
	consumers := []*interfaces.AuditConsumer{
		interfaces.NewAuditConsumer(reader(kafkaCfg.DecisionTopic), hub, interfaces.EventTypeDecision),
		interfaces.NewAuditConsumer(reader(kafkaCfg.ChangeTopic), hub, interfaces.EventTypeScriptChange),
	}
	logger.Ctx(ctx).Info().Str("node_id", nodeID).Msg("Audit gateway node")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", hub.ServeWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("GET /metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	for _, c := range consumers {
		g.Go(func() error { return c.Run(gctx) })
	}
	g.Go(func() error {
		logger.Ctx(gctx).Info().Str("service", serviceName).Str("addr", addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Audit gateway stopped with error")
		os.Exit(1)
	}
	logger.Ctx(ctx).Info().Str("service", serviceName).Msg("Service gracefully shut down.")
}
