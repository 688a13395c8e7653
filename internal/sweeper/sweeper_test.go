package sweeper

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/kwanzatech/consult-mp-backend/internal/consultations"
	"github.com/kwanzatech/consult-mp-backend/internal/matching"
	"github.com/kwanzatech/consult-mp-backend/internal/notify"
	"github.com/kwanzatech/consult-mp-backend/internal/payments"
	"github.com/kwanzatech/consult-mp-backend/internal/stats"
	"github.com/kwanzatech/consult-mp-backend/pkg/config"
	"github.com/kwanzatech/consult-mp-backend/pkg/models"
)

/* ============================================================================
   Helpers
   ============================================================================ */

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	_ = godotenv.Load()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is empty")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	t.Cleanup(func() {
		sql := `
TRUNCATE TABLE
	consultation_histories,
	notifications,
	payments,
	call_offers,
	consultation_requests,
	professional_stats,
	professional_categories,
	professional_profiles,
	service_categories,
	users
RESTART IDENTITY CASCADE`
		if err := db.Exec(sql).Error; err != nil {
			t.Logf("truncate failed (ignored): %v", err)
		}
	})

	return db
}

func withTx(t *testing.T, db *gorm.DB, fn func(tx *gorm.DB)) {
	t.Helper()
	tx := db.Begin()
	if tx.Error != nil {
		t.Fatalf("begin tx: %v", tx.Error)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	fn(tx)
	if err := tx.Commit().Error; err != nil {
		t.Fatalf("commit tx: %v", err)
	}
}

func newSweeper(tx *gorm.DB, cfg *config.Config) *Sweeper {
	lifecycle := consultations.NewLifecycle(tx, notify.Noop{}, payments.NewDBPort(tx), stats.NewService(tx), cfg)
	matcher := matching.NewMatcher(tx, matching.NewScorerWithJitter(func() float64 { return 0 }), notify.Noop{}, cfg.OfferWindow)
	return New(tx, lifecycle, matcher, cfg.SweepInterval)
}

type fixture struct {
	Client models.User
	Pro    models.ProfessionalProfile
	CR     models.ConsultationRequest
	Offer  models.CallOffer
}

// seedMatchedOffer inserts a matched consultation with an offer expiring
// at the given offset from now.
func seedMatchedOffer(t *testing.T, tx *gorm.DB, expiresIn time.Duration, attempts int) fixture {
	t.Helper()

	cat := models.ServiceCategory{
		Name:           "Cat " + uuid.NewString()[:8],
		CommissionRate: 20, MinDuration: 15, MaxDuration: 120, Active: true,
	}
	if err := tx.Create(&cat).Error; err != nil {
		t.Fatal(err)
	}

	client := models.User{Email: "c_" + uuid.NewString()[:8] + "@x.com", Role: models.RoleClient}
	if err := tx.Create(&client).Error; err != nil {
		t.Fatal(err)
	}
	proUser := models.User{Email: "p_" + uuid.NewString()[:8] + "@x.com", Role: models.RoleProfessional}
	if err := tx.Create(&proUser).Error; err != nil {
		t.Fatal(err)
	}
	pro := models.ProfessionalProfile{
		UserID:          proUser.ID,
		Categories:      []models.ServiceCategory{cat},
		HourlyRateCents: 100000,
		IsOnline:        true, IsVerified: true,
		LastSeen: time.Now(),
	}
	if err := tx.Create(&pro).Error; err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	cr := models.ConsultationRequest{
		ClientID:        client.ID,
		ProfessionalID:  &pro.ID,
		CategoryID:      cat.ID,
		Title:           "Call me",
		Status:          models.ConsultationMatched,
		Priority:        models.PriorityMedium,
		DurationMinutes: 30,
		HourlyRateCents: 100000,
		CommissionRate:  20,
		MatchedAt:       &now,
		MatchAttempts:   attempts,
	}
	if err := tx.Create(&cr).Error; err != nil {
		t.Fatal(err)
	}

	offer := models.CallOffer{
		ConsultationID: cr.ID,
		ProfessionalID: pro.ID,
		Status:         models.OfferPending,
		ExpiresAt:      time.Now().Add(expiresIn),
	}
	if err := tx.Create(&offer).Error; err != nil {
		t.Fatal(err)
	}
	return fixture{Client: client, Pro: pro, CR: cr, Offer: offer}
}

/* ============================================================================
   Tests
   ============================================================================ */

// An overdue pending offer expires together with its consultation.
func Test_SweepOnce_ExpiresOverdueOffer(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cfg := &config.Config{OfferWindow: 5 * time.Minute, MaxMatchAttempts: 3}
		f := seedMatchedOffer(t, tx, -time.Minute, 1)

		n, err := newSweeper(tx, cfg).SweepOnce(context.Background())
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if n != 1 {
			t.Fatalf("want 1 expired, got %d", n)
		}

		var offer models.CallOffer
		_ = tx.First(&offer, "id = ?", f.Offer.ID).Error
		if offer.Status != models.OfferExpired {
			t.Fatalf("offer: want expired, got %s", offer.Status)
		}
		var cr models.ConsultationRequest
		_ = tx.First(&cr, "id = ?", f.CR.ID).Error
		if cr.Status != models.ConsultationExpired {
			t.Fatalf("consultation: want expired, got %s", cr.Status)
		}
	})
}

// Offers still inside their window are left alone.
func Test_SweepOnce_IgnoresLiveOffers(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cfg := &config.Config{OfferWindow: 5 * time.Minute, MaxMatchAttempts: 3}
		f := seedMatchedOffer(t, tx, 5*time.Minute, 1)

		n, err := newSweeper(tx, cfg).SweepOnce(context.Background())
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if n != 0 {
			t.Fatalf("want 0 expired, got %d", n)
		}

		var offer models.CallOffer
		_ = tx.First(&offer, "id = ?", f.Offer.ID).Error
		if offer.Status != models.OfferPending {
			t.Fatalf("live offer touched: %s", offer.Status)
		}
	})
}

// With rematch enabled and attempts left, expiry returns the request to
// the pool and the next matching round picks someone else up.
func Test_SweepOnce_RematchesWhenEnabled(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cfg := &config.Config{
			OfferWindow:      5 * time.Minute,
			MaxMatchAttempts: 3,
			RematchOnExpiry:  true,
		}
		f := seedMatchedOffer(t, tx, -time.Minute, 1)

		n, err := newSweeper(tx, cfg).SweepOnce(context.Background())
		if err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if n != 1 {
			t.Fatalf("want 1 expired, got %d", n)
		}

		// The original professional is still the only eligible one, so the
		// rematch round assigns them again with a fresh offer.
		var cr models.ConsultationRequest
		_ = tx.First(&cr, "id = ?", f.CR.ID).Error
		if cr.Status != models.ConsultationMatched {
			t.Fatalf("want rematched, got %s", cr.Status)
		}
		if cr.MatchAttempts != 2 {
			t.Fatalf("attempts: want 2, got %d", cr.MatchAttempts)
		}

		var open int64
		_ = tx.Model(&models.CallOffer{}).
			Where("consultation_id = ? AND status = ?", cr.ID, models.OfferPending).
			Count(&open).Error
		if open != 1 {
			t.Fatalf("want one fresh open offer, got %d", open)
		}
	})
}

// Once the attempt cap is reached the request expires even with rematch
// enabled.
func Test_SweepOnce_RespectsAttemptCap(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cfg := &config.Config{
			OfferWindow:      5 * time.Minute,
			MaxMatchAttempts: 3,
			RematchOnExpiry:  true,
		}
		f := seedMatchedOffer(t, tx, -time.Minute, 3)

		if _, err := newSweeper(tx, cfg).SweepOnce(context.Background()); err != nil {
			t.Fatalf("sweep: %v", err)
		}

		var cr models.ConsultationRequest
		_ = tx.First(&cr, "id = ?", f.CR.ID).Error
		if cr.Status != models.ConsultationExpired {
			t.Fatalf("want expired at cap, got %s", cr.Status)
		}
	})
}
