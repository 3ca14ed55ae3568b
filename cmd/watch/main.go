package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/bridgehub/internal/config"
	"github.com/terminal-bench/bridgehub/internal/watch"
	"github.com/terminal-bench/bridgehub/pkg/messaging"
)

func main() {
	port := config.Getenv("PORT", "8082")
	natsURL := config.Getenv("NATS_URL", nats.DefaultURL)
	influxURL := os.Getenv("INFLUXDB_URL")
	influxToken := os.Getenv("INFLUXDB_TOKEN")
	influxOrg := config.Getenv("INFLUXDB_ORG", "bridge")
	influxBucket := config.Getenv("INFLUXDB_BUCKET", "bridge")
	deadline := 10 * time.Minute
	if v := os.Getenv("WATCH_DEADLINE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("bad WATCH_DEADLINE: %v", err)
		}
		deadline = d
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics watch.Metrics = watch.NopMetrics{}
	if influxURL != "" {
		im := watch.NewInfluxMetrics(influxURL, influxToken, influxOrg, influxBucket)
		defer im.Close()
		metrics = im
	}

	natsClient, err := messaging.NewClient(natsURL, messaging.ClientOptions{
		Name:          "bridge-watch",
		ReconnectWait: time.Second,
		MaxReconnects: -1,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()

	monitor := watch.NewMonitor(deadline, metrics)

	r := gin.Default()
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	r.GET("/api/v1/inflight", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"count": monitor.InflightCount()})
	})
	r.GET("/api/v1/stale", func(c *gin.Context) {
		c.JSON(http.StatusOK, monitor.StaleEntries())
	})

	srv := &http.Server{Addr: ":" + port, Handler: r}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitor.Run(ctx, natsClient, time.Minute)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("watch exited: %v", err)
	}
}
