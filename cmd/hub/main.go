package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/bridgehub/internal/auth"
	"github.com/terminal-bench/bridgehub/internal/config"
	"github.com/terminal-bench/bridgehub/internal/feed"
	"github.com/terminal-bench/bridgehub/internal/hub"
	"github.com/terminal-bench/bridgehub/internal/registry"
	"github.com/terminal-bench/bridgehub/internal/store"
	"github.com/terminal-bench/bridgehub/pkg/messaging"
	"github.com/terminal-bench/bridgehub/pkg/token"
	"github.com/terminal-bench/bridgehub/pkg/wire"
)

func main() {
	port := config.Getenv("PORT", "8080")
	natsURL := config.Getenv("NATS_URL", nats.DefaultURL)
	dbURL := os.Getenv("DATABASE_URL")
	redisURL := os.Getenv("REDIS_URL")
	etcdEndpoints := os.Getenv("ETCD_ENDPOINTS")
	jwtSecret := config.Getenv("JWT_SECRET", "dev-secret")
	hubDomain := config.GetenvUint32("HUB_DOMAIN", 1)
	hubAddress := wire.AddressFromString(config.Getenv("HUB_ADDRESS", "hub-ledger"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if dbURL != "" {
		db, err := sql.Open("postgres", dbURL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
		pg := store.NewPostgres(db)
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate store: %v", err)
		}
		st = pg
	} else {
		log.Printf("DATABASE_URL unset, using in-memory store")
		st = store.NewMemory()
	}

	natsClient, err := messaging.NewClient(natsURL, messaging.ClientOptions{
		Name:          "bridge-hub",
		ReconnectWait: time.Second,
		MaxReconnects: -1,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()

	transport := messaging.NewNATSTransport(natsClient, hubDomain, hubAddress)
	chains := registry.NewChainRegistry()
	tokens := registry.NewTokenRegistry()
	bank := hub.NewAssetBank()

	ledger := hub.NewLedger(hub.CrossChainConfig{
		Transport: natsURL,
		Domain:    hubDomain,
		Address:   hubAddress,
	}, chains, tokens, st, bank, transport)
	ledger.SetPublisher(natsClient)

	if redisURL != "" {
		cache := hub.NewRedisCache(redisURL, 30*time.Second)
		defer cache.Close()
		ledger.SetCache(cache)
	}

	if err := transport.Listen(hubDomain, hubAddress, ledger.Handle); err != nil {
		log.Fatalf("Failed to listen for bridge messages: %v", err)
	}

	eventFeed := feed.New()
	err = natsClient.Subscribe(messaging.SubjectBridgeAll, func(msg *nats.Msg) {
		eventFeed.Broadcast(msg.Data)
	})
	if err != nil {
		log.Fatalf("Failed to subscribe to bridge events: %v", err)
	}

	authService := auth.NewService(jwtSecret)
	router := buildRouter(ledger, tokens, bank, authService, eventFeed)

	srv := &http.Server{Addr: ":" + port, Handler: router}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	if etcdEndpoints != "" {
		watcher, err := config.NewWatcher(etcdEndpoints, "/bridge/hub/crosschain")
		if err != nil {
			log.Fatalf("Failed to connect to etcd: %v", err)
		}
		defer watcher.Close()
		g.Go(func() error {
			return watcher.Run(ctx, func(cc config.CrossChain) {
				log.Printf("applying cross-chain config update: domain=%d transport=%s", cc.Domain, cc.Transport)
				ledger.UpdateCrossChainConfig(hub.CrossChainConfig{
					Transport: cc.Transport,
					Domain:    cc.Domain,
					Address:   hubAddress,
				})
			})
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("hub exited: %v", err)
	}
}

func buildRouter(ledger *hub.Ledger, tokens *registry.TokenRegistry, bank *hub.AssetBank, authService *auth.Service, eventFeed *feed.Feed) *gin.Engine {
	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	v1 := r.Group("/api/v1")

	v1.GET("/balances/:user/:asset", func(c *gin.Context) {
		user, err := wire.ParseAddress(c.Param("user"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		asset, err := wire.ParseAddress(c.Param("asset"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		bal, err := ledger.Balance(c.Request.Context(), user, asset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": user.String(), "asset": asset.String(), "balance": bal.String()})
	})

	v1.GET("/messages/:id", func(c *gin.Context) {
		id, err := wire.ParseMessageID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		done, err := ledger.IsMessageProcessed(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message_id": id.String(), "processed": done})
	})

	v1.GET("/users/:user/processed", func(c *gin.Context) {
		user, err := wire.ParseAddress(c.Param("user"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		count, err := ledger.UserProcessedCount(c.Request.Context(), user)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user": user.String(), "processed": count})
	})

	v1.GET("/chains/:domain", func(c *gin.Context) {
		domain, err := parseDomain(c.Param("domain"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		gw, ok := ledger.ChainEndpoint(domain)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "domain not registered"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"domain": domain, "gateway": gw.String()})
	})

	v1.GET("/chains", func(c *gin.Context) {
		c.JSON(http.StatusOK, ledger.ChainEndpoints())
	})

	v1.GET("/config", func(c *gin.Context) {
		cfg := ledger.CrossChainConfig()
		c.JSON(http.StatusOK, gin.H{
			"transport": cfg.Transport,
			"domain":    cfg.Domain,
			"address":   cfg.Address.String(),
		})
	})

	v1.GET("/ws", eventFeed.Handler)

	v1.POST("/withdrawals", func(c *gin.Context) {
		var req struct {
			User         string `json:"user"`
			Synthetic    string `json:"synthetic"`
			Amount       string `json:"amount"`
			OriginDomain uint32 `json:"origin_domain"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user, err := wire.ParseAddress(req.User)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		synthetic, err := wire.ParseAddress(req.Synthetic)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := ledger.RequestWithdraw(c.Request.Context(), user, synthetic, amount, req.OriginDomain)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message_id": id.String()})
	})

	admin := v1.Group("/admin", authService.Middleware(auth.PermAdmin))

	admin.POST("/chains", func(c *gin.Context) {
		var req struct {
			Domain  uint32 `json:"domain"`
			Gateway string `json:"gateway"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		gw, err := wire.ParseAddress(req.Gateway)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ledger.SetChainEndpoint(req.Domain, gw)
		c.JSON(http.StatusOK, gin.H{"domain": req.Domain, "gateway": gw.String()})
	})

	admin.POST("/assets", func(c *gin.Context) {
		var req struct {
			Address  string `json:"address"`
			Symbol   string `json:"symbol"`
			Decimals int32  `json:"decimals"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		addr, err := wire.ParseAddress(req.Address)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		_, authority := token.New(req.Symbol, req.Decimals)
		ledger.RegisterAsset(addr, authority)
		c.JSON(http.StatusOK, gin.H{"address": addr.String(), "symbol": req.Symbol})
	})

	registerMapping := func(c *gin.Context) {
		var req struct {
			SourceDomain uint32 `json:"source_domain"`
			SourceToken  string `json:"source_token"`
			TargetDomain uint32 `json:"target_domain"`
			Synthetic    string `json:"synthetic"`
			Decimals     uint8  `json:"decimals"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		src, err := wire.ParseAddress(req.SourceToken)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		synth, err := wire.ParseAddress(req.Synthetic)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tokens.Register(registry.MappingKey{
			SourceDomain: req.SourceDomain,
			SourceToken:  src,
			TargetDomain: req.TargetDomain,
		}, synth, req.Decimals)
		c.JSON(http.StatusOK, gin.H{"synthetic": synth.String()})
	}
	admin.POST("/tokens", registerMapping)
	admin.PUT("/tokens", registerMapping)

	admin.POST("/config", func(c *gin.Context) {
		var req struct {
			Transport string `json:"transport"`
			Domain    uint32 `json:"domain"`
			Address   string `json:"address"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		addr, err := wire.ParseAddress(req.Address)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ledger.UpdateCrossChainConfig(hub.CrossChainConfig{
			Transport: req.Transport,
			Domain:    req.Domain,
			Address:   addr,
		})
		c.JSON(http.StatusOK, gin.H{"status": "updated"})
	})

	return r
}

func parseDomain(s string) (uint32, error) {
	d, err := strconv.ParseUint(s, 10, 32)
	return uint32(d), err
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrInsufficientBalance):
		return http.StatusConflict
	case errors.Is(err, hub.ErrUnknownDomain), errors.Is(err, hub.ErrUnmappedToken), errors.Is(err, hub.ErrUnknownAsset):
		return http.StatusNotFound
	case errors.Is(err, wire.ErrBadAmount):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
