package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/user/minibroker/backend/internal/account"
	"github.com/user/minibroker/backend/internal/auth"
	"github.com/user/minibroker/backend/internal/config"
	"github.com/user/minibroker/backend/internal/database"
	"github.com/user/minibroker/backend/internal/funding"
	"github.com/user/minibroker/backend/internal/handlers"
	"github.com/user/minibroker/backend/internal/middleware"
	"github.com/user/minibroker/backend/internal/notify"
	"github.com/user/minibroker/backend/internal/pricing"
	"github.com/user/minibroker/backend/internal/trading"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect database", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Error("run migrations", "err", err)
		os.Exit(1)
	}

	store := database.NewStore(pool, logger, cfg.TxRetryAttempts)

	// Event hub: mutation events and the quote stream fan out to
	// websocket subscribers.
	hub := notify.NewHub(logger)
	go hub.Run()

	// Simulated price feed doubles as the oracle.
	feed := pricing.NewFeed(2*time.Second, logger)
	feed.Start()
	defer feed.Stop()
	go hub.RelayQuotes(feed.Updates)

	tokens := auth.NewManager(cfg.JWTSecret)

	accountSvc := account.NewService(store, logger)
	tradingSvc := trading.NewService(store, feed, hub, cfg.Oracle.Timeout, logger)
	fundingSvc := funding.NewService(store, hub, cfg.Funding, logger)

	authH := handlers.NewAuthHandler(store, tokens)
	accountH := handlers.NewAccountHandler(accountSvc, store)
	orderH := handlers.NewOrderHandler(tradingSvc)
	portfolioH := handlers.NewPortfolioHandler(accountSvc, store, feed)
	fundingH := handlers.NewFundingHandler(fundingSvc, cfg.Funding.SettlementToken)
	wsH := handlers.NewWSHandler(hub, logger)

	app := fiber.New()

	// --- WebSocket Routes ---
	wsGroup := app.Group("/ws")
	wsGroup.Use("/", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	wsGroup.Get("/events", websocket.New(wsH.Serve))

	// --- API Routes ---
	api := app.Group("/api")

	// Health check (Public)
	api.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("minibroker API is healthy!")
	})

	// Quotes (Public)
	api.Get("/quotes/:symbol", portfolioH.Quote)

	// Auth routes (Public)
	authGroup := api.Group("/auth")
	authGroup.Post("/signup", authH.Signup)
	authGroup.Post("/login", authH.Login)

	// Settlement callbacks from the banking partner, authenticated by
	// the shared token rather than a user session.
	api.Post("/deposits/:depositID/settle", fundingH.SettleDeposit)
	api.Post("/withdrawals/:withdrawalID/settle", fundingH.SettleWithdrawal)

	// --- Protected Routes ---
	api.Use(middleware.Protected(tokens))

	api.Post("/kyc", authH.SubmitKYC)
	api.Get("/me", func(c *fiber.Ctx) error {
		userID, ok := c.Locals("userID").(uuid.UUID)
		email, ok2 := c.Locals("email").(string)
		if !ok || !ok2 {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to get user info from context"})
		}
		return c.JSON(fiber.Map{
			"user_id":    userID,
			"email":      email,
			"kyc_status": c.Locals("kycStatus"),
		})
	})

	// Bank accounts
	api.Post("/bank-accounts", fundingH.LinkBank)

	// Accounts
	accounts := api.Group("/accounts")
	accounts.Post("/", accountH.Open)
	accounts.Get("/", accountH.List)
	accounts.Get("/:accountID", accountH.Get)
	accounts.Delete("/:accountID", accountH.Close)
	accounts.Get("/:accountID/transactions", accountH.Transactions)
	accounts.Get("/:accountID/positions", portfolioH.Positions)
	accounts.Get("/:accountID/history", portfolioH.History)

	// Orders
	accounts.Post("/:accountID/orders", orderH.Create)
	accounts.Get("/:accountID/orders", orderH.List)
	accounts.Get("/:accountID/orders/:orderID", orderH.Get)
	accounts.Put("/:accountID/orders/:orderID", orderH.Modify)
	accounts.Delete("/:accountID/orders/:orderID", orderH.Cancel)

	// Funding
	accounts.Post("/:accountID/deposits", fundingH.Deposit)
	accounts.Post("/:accountID/withdrawals", fundingH.Withdraw)
	accounts.Post("/:accountID/transfers", fundingH.Transfer)

	go func() {
		logger.Info("starting server", "addr", cfg.ListenAddr)
		if err := app.Listen(cfg.ListenAddr); err != nil {
			logger.Error("server stopped", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error("shutdown", "err", err)
	}
}
