package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every runtime knob in one place so handlers and services
// never read the environment directly.
type Config struct {
	Port        string
	AppEnv      string
	DatabaseURL string
	JWTSecret   string

	// Matching / offers
	OfferWindow      time.Duration // how long a professional has to answer an offer
	RingingWindow    time.Duration // extension granted once the call is ringing
	SweepInterval    time.Duration
	RematchOnExpiry  bool // put the request back in the pool when an offer times out
	MaxMatchAttempts int

	// Payments
	PaymentProvider       string // "mock" | "stripe"
	DevPaymentSecret      string
	StripeSecretKey       string
	StripeWebhookSecret   string
	RequirePaymentToStart bool
}

// Load reads configuration from the environment with sane defaults.
// Call godotenv.Load() before this in main.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "3000"),
		AppEnv:      getEnv("APP_ENV", "dev"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		JWTSecret:   getEnv("JWT_SECRET", ""),

		OfferWindow:      time.Duration(getEnvInt("OFFER_WINDOW_MINUTES", 5)) * time.Minute,
		RingingWindow:    time.Duration(getEnvInt("RINGING_WINDOW_SECONDS", 60)) * time.Second,
		SweepInterval:    time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 30)) * time.Second,
		RematchOnExpiry:  getEnvBool("REMATCH_ON_EXPIRY", false),
		MaxMatchAttempts: getEnvInt("MAX_MATCH_ATTEMPTS", 3),

		PaymentProvider:       getEnv("PAYMENT_PROVIDER", "mock"),
		DevPaymentSecret:      getEnv("DEV_PAYMENT_SECRET", ""),
		StripeSecretKey:       getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret:   getEnv("STRIPE_WEBHOOK_SECRET", ""),
		RequirePaymentToStart: getEnvBool("REQUIRE_PAYMENT_TO_START", false),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
