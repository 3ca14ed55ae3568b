package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/bridgehub/internal/auth"
	"github.com/terminal-bench/bridgehub/internal/config"
	"github.com/terminal-bench/bridgehub/internal/gateway"
	"github.com/terminal-bench/bridgehub/internal/store"
	"github.com/terminal-bench/bridgehub/pkg/messaging"
	"github.com/terminal-bench/bridgehub/pkg/token"
	"github.com/terminal-bench/bridgehub/pkg/wire"
)

// issuers holds the dev faucet authorities for locally created
// collateral tokens, keyed by token address.
type issuers struct {
	mu    sync.Mutex
	byAdr map[wire.Address]*token.Authority
}

func main() {
	port := config.Getenv("PORT", "8081")
	natsURL := config.Getenv("NATS_URL", nats.DefaultURL)
	dbURL := os.Getenv("DATABASE_URL")
	etcdEndpoints := os.Getenv("ETCD_ENDPOINTS")
	jwtSecret := config.Getenv("JWT_SECRET", "dev-secret")
	domain := config.GetenvUint32("GATEWAY_DOMAIN", 2)
	address := wire.AddressFromString(config.Getenv("GATEWAY_ADDRESS", "source-gateway"))
	hubDomain := config.GetenvUint32("HUB_DOMAIN", 1)
	hubGateway := wire.AddressFromString(config.Getenv("HUB_ADDRESS", "hub-ledger"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var processed store.ProcessedSet
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
		processed = pg
	} else {
		log.Printf("DATABASE_URL unset, using in-memory processed set")
		processed = store.NewMemory()
	}

	natsClient, err := messaging.NewClient(natsURL, messaging.ClientOptions{
		Name:          "bridge-gateway",
		ReconnectWait: time.Second,
		MaxReconnects: -1,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer natsClient.Close()

	transport := messaging.NewNATSTransport(natsClient, domain, address)
	gw := gateway.New(domain, address, gateway.Config{
		Transport:  natsURL,
		HubDomain:  hubDomain,
		HubGateway: hubGateway,
	}, transport, processed)
	gw.SetPublisher(natsClient)

	if err := transport.Listen(domain, address, gw.HandleRelease); err != nil {
		log.Fatalf("Failed to listen for release messages: %v", err)
	}

	authService := auth.NewService(jwtSecret)
	router := buildRouter(gw, authService)

	srv := &http.Server{Addr: ":" + port, Handler: router}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	if etcdEndpoints != "" {
		watcher, err := config.NewWatcher(etcdEndpoints, "/bridge/gateway/crosschain")
		if err != nil {
			log.Fatalf("Failed to connect to etcd: %v", err)
		}
		defer watcher.Close()
		g.Go(func() error {
			return watcher.Run(ctx, func(cc config.CrossChain) {
				dest, err := wire.ParseAddress(cc.Destination)
				if err != nil {
					log.Printf("ignoring cross-chain update with bad destination: %v", err)
					return
				}
				log.Printf("applying cross-chain config update: hub domain=%d", cc.DestDomain)
				gw.UpdateCrossChainConfig(gateway.Config{
					Transport:  cc.Transport,
					HubDomain:  cc.DestDomain,
					HubGateway: dest,
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
		log.Fatalf("gateway exited: %v", err)
	}
}

func buildRouter(gw *gateway.Gateway, authService *auth.Service) *gin.Engine {
	iss := &issuers{byAdr: make(map[wire.Address]*token.Authority)}
	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	v1 := r.Group("/api/v1")

	v1.POST("/deposits", func(c *gin.Context) {
		var req struct {
			Token     string `json:"token"`
			From      string `json:"from"`
			Amount    string `json:"amount"`
			Recipient string `json:"recipient"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tokenAddr, err := wire.ParseAddress(req.Token)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		from, err := wire.ParseAddress(req.From)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		recipient, err := wire.ParseAddress(req.Recipient)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		id, err := gw.Deposit(c.Request.Context(), tokenAddr, from, amount, recipient)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message_id": id.String()})
	})

	v1.GET("/tokens/:addr/whitelisted", func(c *gin.Context) {
		addr, err := wire.ParseAddress(c.Param("addr"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": addr.String(), "whitelisted": gw.IsTokenWhitelisted(addr)})
	})

	v1.GET("/tokens/:addr/custody", func(c *gin.Context) {
		addr, err := wire.ParseAddress(c.Param("addr"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		bal, err := gw.CustodyBalance(addr)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": addr.String(), "custody": bal.String()})
	})

	v1.GET("/messages/:id", func(c *gin.Context) {
		id, err := wire.ParseMessageID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		done, err := gw.IsMessageProcessed(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message_id": id.String(), "processed": done})
	})

	v1.GET("/config", func(c *gin.Context) {
		cfg := gw.CrossChainConfig()
		c.JSON(http.StatusOK, gin.H{
			"transport":   cfg.Transport,
			"hub_domain":  cfg.HubDomain,
			"hub_gateway": cfg.HubGateway.String(),
		})
	})

	admin := v1.Group("/admin", authService.Middleware(auth.PermAdmin))

	admin.POST("/tokens", func(c *gin.Context) {
		var req struct {
			Address   string `json:"address"`
			Symbol    string `json:"symbol"`
			Decimals  int32  `json:"decimals"`
			Synthetic string `json:"synthetic"`
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
		var synthetic wire.Address
		if req.Synthetic != "" {
			synthetic, err = wire.ParseAddress(req.Synthetic)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		tok, authority := token.New(req.Symbol, req.Decimals)
		gw.AddToken(addr, tok, synthetic)
		iss.mu.Lock()
		iss.byAdr[addr] = authority
		iss.mu.Unlock()
		c.JSON(http.StatusOK, gin.H{"address": addr.String(), "symbol": req.Symbol})
	})

	admin.DELETE("/tokens/:addr", func(c *gin.Context) {
		addr, err := wire.ParseAddress(c.Param("addr"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		gw.RemoveToken(addr)
		c.JSON(http.StatusOK, gin.H{"token": addr.String(), "whitelisted": false})
	})

	// Dev faucet: issue collateral into a user account so deposits
	// can be exercised without a real source chain.
	admin.POST("/tokens/:addr/issue", func(c *gin.Context) {
		var req struct {
			Account string `json:"account"`
			Amount  string `json:"amount"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		addr, err := wire.ParseAddress(c.Param("addr"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		account, err := wire.ParseAddress(req.Account)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		iss.mu.Lock()
		authority, ok := iss.byAdr[addr]
		iss.mu.Unlock()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown token"})
			return
		}
		if err := authority.Mint(account, amount); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": addr.String(), "account": account.String(), "amount": amount.String()})
	})

	admin.POST("/config", func(c *gin.Context) {
		var req struct {
			Transport  string `json:"transport"`
			HubDomain  uint32 `json:"hub_domain"`
			HubGateway string `json:"hub_gateway"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		hubGw, err := wire.ParseAddress(req.HubGateway)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		gw.UpdateCrossChainConfig(gateway.Config{
			Transport:  req.Transport,
			HubDomain:  req.HubDomain,
			HubGateway: hubGw,
		})
		c.JSON(http.StatusOK, gin.H{"status": "updated"})
	})

	return r
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gateway.ErrNotWhitelisted):
		return http.StatusForbidden
	case errors.Is(err, token.ErrInsufficientFunds):
		return http.StatusConflict
	case errors.Is(err, token.ErrBadAmount), errors.Is(err, wire.ErrBadAmount):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
