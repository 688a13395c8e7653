package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"

	"github.com/kwanzatech/consult-mp-backend/internal/auth"
	"github.com/kwanzatech/consult-mp-backend/internal/catalog"
	"github.com/kwanzatech/consult-mp-backend/internal/consultations"
	"github.com/kwanzatech/consult-mp-backend/internal/directory"
	"github.com/kwanzatech/consult-mp-backend/internal/matching"
	"github.com/kwanzatech/consult-mp-backend/internal/notify"
	"github.com/kwanzatech/consult-mp-backend/internal/payments"
	"github.com/kwanzatech/consult-mp-backend/internal/stats"
	"github.com/kwanzatech/consult-mp-backend/internal/sweeper"
	"github.com/kwanzatech/consult-mp-backend/pkg/config"
	"github.com/kwanzatech/consult-mp-backend/pkg/database"
	"github.com/kwanzatech/consult-mp-backend/pkg/models"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	db := database.Init()
	if err := db.AutoMigrate(models.All()...); err != nil {
		log.Fatal("migration failed:", err)
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: auth.ErrorHandler,
	})

	app.Get("/health", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })

	api := app.Group("/api")

	// Collaborators
	hub := notify.NewHub()
	notifier := notify.NewService(db, hub)
	statsSvc := stats.NewService(db)
	payPort := payments.NewDBPort(db)
	scorer := matching.NewScorer()
	matcher := matching.NewMatcher(db, scorer, notifier, cfg.OfferWindow)
	lifecycle := consultations.NewLifecycle(db, notifier, payPort, statsSvc, cfg)

	// Auth
	authH := auth.NewHandler(db)
	api.Post("/signup", authH.Signup)
	api.Post("/login", authH.Login)
	api.Get("/me", auth.RequireAuth(), authH.Me)

	// Categories (public list)
	catH := catalog.NewHandler(db)
	api.Get("/categories", catH.List)
	api.Get("/categories/:id", catH.Get)

	// Professional directory
	dirH := directory.NewHandler(db)
	api.Get("/professionals/me", auth.RequireAuth(), auth.RequireRole("professional"), dirH.MyProfile)
	api.Patch("/professionals/me", auth.RequireAuth(), auth.RequireRole("professional"), dirH.UpdateProfile)
	api.Post("/professionals/me/availability", auth.RequireAuth(), auth.RequireRole("professional"), dirH.SetAvailability)
	api.Get("/professionals/:id", dirH.GetProfile)

	// Consultations
	consH := consultations.NewHandler(db, lifecycle, matcher)
	// Client
	api.Post("/consultations", auth.RequireAuth(), auth.RequireRole("client"), consH.Create)
	api.Get("/consultations/mine", auth.RequireAuth(), auth.RequireRole("client"), consH.ListMine)
	// Professional
	api.Get("/consultations/assigned", auth.RequireAuth(), auth.RequireRole("professional"), consH.ListAssigned)
	api.Get("/offers/mine", auth.RequireAuth(), auth.RequireRole("professional"), consH.MyOffers)
	api.Post("/offers/:id/respond", auth.RequireAuth(), auth.RequireRole("professional"), consH.RespondToOffer)
	api.Post("/offers/:id/ringing", auth.RequireAuth(), auth.RequireRole("professional"), consH.MarkRinging)
	// Shared (participant checks live in the lifecycle)
	api.Post("/consultations/:id/match", auth.RequireAuth(), consH.Match)
	api.Post("/consultations/:id/cancel", auth.RequireAuth(), consH.Cancel)
	api.Post("/consultations/:id/schedule", auth.RequireAuth(), consH.Schedule)
	api.Post("/consultations/:id/start", auth.RequireAuth(), consH.Start)
	api.Post("/consultations/:id/complete", auth.RequireAuth(), consH.Complete)
	api.Post("/consultations/:id/rate", auth.RequireAuth(), auth.RequireRole("client"), consH.Rate)
	api.Get("/consultations/:id", auth.RequireAuth(), consH.GetDetail)

	// Stats
	statsH := stats.NewHandler(db)
	api.Get("/stats/me", auth.RequireAuth(), auth.RequireRole("professional"), statsH.Me)

	// Notifications
	notifH := notify.NewHandler(db)
	api.Get("/notifications", auth.RequireAuth(), notifH.List)
	api.Post("/notifications/read-all", auth.RequireAuth(), notifH.MarkAllRead)
	api.Post("/notifications/:id/read", auth.RequireAuth(), notifH.MarkRead)

	// Websocket push
	check, serve := hub.Upgrade()
	app.Get("/ws", auth.RequireAuth(), check, serve)

	// Payments
	payH := payments.NewHandler(db, cfg)
	api.Post("/checkout/:consultationID", auth.RequireAuth(), auth.RequireRole("client"), payH.CreateCheckout)
	api.Post("/payments/stripe/webhook", payH.StripeWebhook)
	if cfg.AppEnv == "dev" && cfg.PaymentProvider == "mock" {
		api.Post("/payments/mock/complete", payH.MockComplete) // Protected by X-Dev-Secret
	}

	// Offer expiry
	sw := sweeper.New(db, lifecycle, matcher, cfg.SweepInterval)
	sw.Start()

	// log.Fatal skips defers, so the sweeper is stopped on the signal path.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		sw.Stop()
		_ = app.Shutdown()
	}()

	log.Println("Server running on :" + cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatal(err)
	}
}
