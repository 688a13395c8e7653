package consultations

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

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

func testConfig() *config.Config {
	return &config.Config{
		OfferWindow:      5 * time.Minute,
		RingingWindow:    60 * time.Second,
		MaxMatchAttempts: 3,
	}
}

func newLifecycle(tx *gorm.DB, cfg *config.Config) *Lifecycle {
	return NewLifecycle(tx, notify.Noop{}, payments.NewDBPort(tx), stats.NewService(tx), cfg)
}

func seedCategory(t *testing.T, tx *gorm.DB, commission float64) models.ServiceCategory {
	t.Helper()
	cat := models.ServiceCategory{
		Name:           "Legal " + uuid.NewString()[:8],
		BasePriceCents: 100000,
		CommissionRate: commission,
		MinDuration:    15,
		MaxDuration:    120,
		Active:         true,
	}
	if err := tx.Create(&cat).Error; err != nil {
		t.Fatal(err)
	}
	return cat
}

func seedUser(t *testing.T, tx *gorm.DB, role models.Role) models.User {
	t.Helper()
	u := models.User{
		Email: string(role) + "_" + uuid.NewString()[:8] + "@x.com",
		Role:  role,
	}
	if err := tx.Create(&u).Error; err != nil {
		t.Fatal(err)
	}
	return u
}

func seedPro(t *testing.T, tx *gorm.DB, cat models.ServiceCategory, rate int64) models.ProfessionalProfile {
	t.Helper()
	u := seedUser(t, tx, models.RoleProfessional)
	prof := models.ProfessionalProfile{
		UserID:          u.ID,
		Categories:      []models.ServiceCategory{cat},
		HourlyRateCents: rate,
		Rating:          4.5,
		ExperienceYears: 8,
		IsOnline:        true,
		IsVerified:      true,
		LastSeen:        time.Now(),
	}
	if err := tx.Create(&prof).Error; err != nil {
		t.Fatal(err)
	}
	return prof
}

type matchedSeed struct {
	Client models.User
	Pro    models.ProfessionalProfile
	CR     models.ConsultationRequest
	Offer  models.CallOffer
}

// seedMatched builds a consultation in matched state with an open offer,
// the way a matching round would leave it.
func seedMatched(t *testing.T, tx *gorm.DB, cat models.ServiceCategory, rate int64, expiresIn time.Duration) matchedSeed {
	t.Helper()
	client := seedUser(t, tx, models.RoleClient)
	pro := seedPro(t, tx, cat, rate)

	now := time.Now()
	cr := models.ConsultationRequest{
		ClientID:        client.ID,
		ProfessionalID:  &pro.ID,
		CategoryID:      cat.ID,
		Title:           "Contract review",
		Status:          models.ConsultationMatched,
		Priority:        models.PriorityMedium,
		DurationMinutes: 30,
		HourlyRateCents: rate,
		CommissionRate:  cat.CommissionRate,
		MatchedAt:       &now,
		MatchAttempts:   1,
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
	return matchedSeed{Client: client, Pro: pro, CR: cr, Offer: offer}
}

func reload(t *testing.T, tx *gorm.DB, id uuid.UUID) models.ConsultationRequest {
	t.Helper()
	var cr models.ConsultationRequest
	if err := tx.First(&cr, "id = ?", id).Error; err != nil {
		t.Fatal(err)
	}
	return cr
}

/* ============================================================================
   Tests — create
   ============================================================================ */

// Creation snapshots the commission rate; repricing the category later
// must not touch the request.
func Test_Create_SnapshotsCommissionRate(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cat := seedCategory(t, tx, 20)
		client := seedUser(t, tx, models.RoleClient)
		lc := newLifecycle(tx, testConfig())

		cr, err := lc.Create(context.Background(), client.ID, CreateInput{
			CategoryID:      cat.ID,
			Title:           "Need advice",
			DurationMinutes: 30,
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if cr.Status != models.ConsultationPending {
			t.Fatalf("want pending, got %s", cr.Status)
		}
		if cr.CommissionRate != 20 {
			t.Fatalf("commission not snapshotted: %v", cr.CommissionRate)
		}

		// Reprice the category; the snapshot must hold.
		if err := tx.Model(&cat).Update("commission_rate", 35).Error; err != nil {
			t.Fatal(err)
		}
		got := reload(t, tx, cr.ID)
		if got.CommissionRate != 20 {
			t.Fatalf("category edit leaked into the request: %v", got.CommissionRate)
		}
	})
}

func Test_Create_RejectsDurationOutsideCategoryBounds(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cat := seedCategory(t, tx, 20) // 15..120
		client := seedUser(t, tx, models.RoleClient)
		lc := newLifecycle(tx, testConfig())

		_, err := lc.Create(context.Background(), client.ID, CreateInput{
			CategoryID:      cat.ID,
			Title:           "Too long",
			DurationMinutes: 180,
		})
		if !errors.Is(err, ErrDurationOutOfRange) {
			t.Fatalf("want ErrDurationOutOfRange, got %v", err)
		}
	})
}

/* ============================================================================
   Tests — offer responses
   ============================================================================ */

func Test_AcceptOffer_MovesToAccepted_AndRecordsResponse(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cat := seedCategory(t, tx, 20)
		s := seedMatched(t, tx, cat, 150000, 5*time.Minute)
		lc := newLifecycle(tx, testConfig())

		offer, err := lc.RespondToOffer(context.Background(), s.Offer.ID, s.Pro.UserID, true, "")
		if err != nil {
			t.Fatalf("accept: %v", err)
		}
		if offer.Status != models.OfferAccepted || offer.AcceptedAt == nil {
			t.Fatalf("bad offer after accept: %+v", offer)
		}

		got := reload(t, tx, s.CR.ID)
		if got.Status != models.ConsultationAccepted || got.AcceptedAt == nil {
			t.Fatalf("consultation not accepted: %s", got.Status)
		}

		var st models.ProfessionalStats
		if err := tx.First(&st, "professional_id = ?", s.Pro.ID).Error; err != nil {
			t.Fatalf("stats row missing: %v", err)
		}
		if st.ResponseCount != 1 {
			t.Fatalf("response not recorded: %+v", st)
		}
	})
}

func Test_RejectOffer_TerminatesConsultation(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cat := seedCategory(t, tx, 20)
		s := seedMatched(t, tx, cat, 150000, 5*time.Minute)
		lc := newLifecycle(tx, testConfig())

		offer, err := lc.RespondToOffer(context.Background(), s.Offer.ID, s.Pro.UserID, false, "fully booked")
		if err != nil {
			t.Fatalf("reject: %v", err)
		}
		if offer.Status != models.OfferRejected || offer.RejectionReason != "fully booked" {
			t.Fatalf("bad offer after reject: %+v", offer)
		}

		got := reload(t, tx, s.CR.ID)
		if got.Status != models.ConsultationRejected {
			t.Fatalf("want rejected, got %s", got.Status)
		}
		if !got.Status.IsTerminal() {
			t.Fatal("rejected must be terminal")
		}
	})
}

// Accepting after the window closed expires the offer and the
// consultation and reports OFFER_EXPIRED semantics.
func Test_LateAccept_ExpiresOfferAndConsultation(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cat := seedCategory(t, tx, 20)
		s := seedMatched(t, tx, cat, 150000, -time.Minute) // already past due
		lc := newLifecycle(tx, testConfig())

		_, err := lc.RespondToOffer(context.Background(), s.Offer.ID, s.Pro.UserID, true, "")
		if !errors.Is(err, ErrOfferExpired) {
			t.Fatalf("want ErrOfferExpired, got %v", err)
		}

		var offer models.CallOffer
		_ = tx.First(&offer, "id = ?", s.Offer.ID).Error
		if offer.Status != models.OfferExpired {
			t.Fatalf("offer should be expired, got %s", offer.Status)
		}
		got := reload(t, tx, s.CR.ID)
		if got.Status != models.ConsultationExpired {
			t.Fatalf("consultation should be expired, got %s", got.Status)
		}
	})
}

func Test_RespondToOffer_WrongProfessional_Forbidden(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cat := seedCategory(t, tx, 20)
		s := seedMatched(t, tx, cat, 150000, 5*time.Minute)
		other := seedPro(t, tx, cat, 80000)
		lc := newLifecycle(tx, testConfig())

		_, err := lc.RespondToOffer(context.Background(), s.Offer.ID, other.UserID, true, "")
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})
}

func Test_MarkRinging_ExtendsDeadline(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cat := seedCategory(t, tx, 20)
		s := seedMatched(t, tx, cat, 150000, 5*time.Minute)
		lc := newLifecycle(tx, testConfig())

		offer, err := lc.MarkRinging(context.Background(), s.Offer.ID, s.Pro.UserID)
		if err != nil {
			t.Fatalf("ringing: %v", err)
		}
		if offer.Status != models.OfferRinging {
			t.Fatalf("want ringing, got %s", offer.Status)
		}
		remaining := time.Until(offer.ExpiresAt)
		if remaining <= 0 || remaining > 61*time.Second {
			t.Fatalf("ringing window should be about 60s, got %s", remaining)
		}
	})
}

/* ============================================================================
   Tests — cancel / start / complete
   ============================================================================ */

func Test_Cancel_ByClient_ClosesOpenOffer(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cat := seedCategory(t, tx, 20)
		s := seedMatched(t, tx, cat, 150000, 5*time.Minute)
		lc := newLifecycle(tx, testConfig())

		cr, err := lc.Cancel(context.Background(), s.CR.ID, s.Client.ID, models.RoleClient, "changed my mind")
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if cr.Status != models.ConsultationCancelled || cr.CancelledAt == nil {
			t.Fatalf("bad state after cancel: %+v", cr.Status)
		}
		if cr.CancelledByID == nil || *cr.CancelledByID != s.Client.ID {
			t.Fatal("cancelled_by not recorded")
		}
		if cr.CancelReason != "changed my mind" {
			t.Fatalf("reason lost: %q", cr.CancelReason)
		}

		var offer models.CallOffer
		_ = tx.First(&offer, "id = ?", s.Offer.ID).Error
		if offer.Status != models.OfferCancelled {
			t.Fatalf("open offer should die with the request, got %s", offer.Status)
		}
	})
}

func Test_Cancel_Stranger_Forbidden(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cat := seedCategory(t, tx, 20)
		s := seedMatched(t, tx, cat, 150000, 5*time.Minute)
		stranger := seedUser(t, tx, models.RoleClient)
		lc := newLifecycle(tx, testConfig())

		_, err := lc.Cancel(context.Background(), s.CR.ID, stranger.ID, models.RoleClient, "")
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})
}

func Test_Cancel_Completed_InvalidTransition(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cat := seedCategory(t, tx, 20)
		s := seedMatched(t, tx, cat, 150000, 5*time.Minute)
		if err := tx.Model(&s.CR).Update("status", models.ConsultationCompleted).Error; err != nil {
			t.Fatal(err)
		}
		lc := newLifecycle(tx, testConfig())

		_, err := lc.Cancel(context.Background(), s.CR.ID, s.Client.ID, models.RoleClient, "")
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Fatalf("want InvalidTransitionError, got %v", err)
		}
		if ite.From != models.ConsultationCompleted {
			t.Fatalf("wrong From: %s", ite.From)
		}
	})
}

func Test_Start_RequiresPayment_WhenEnforced(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cat := seedCategory(t, tx, 20)
		s := seedMatched(t, tx, cat, 150000, 5*time.Minute)
		if err := tx.Model(&s.CR).Update("status", models.ConsultationAccepted).Error; err != nil {
			t.Fatal(err)
		}

		cfg := testConfig()
		cfg.RequirePaymentToStart = true
		lc := newLifecycle(tx, cfg)

		_, err := lc.Start(context.Background(), s.CR.ID, s.Pro.UserID, models.RoleProfessional)
		if !errors.Is(err, ErrPaymentRequired) {
			t.Fatalf("want ErrPaymentRequired, got %v", err)
		}

		// Pay, then start succeeds.
		pay := models.Payment{
			ConsultationID: s.CR.ID,
			ClientID:       s.Client.ID,
			AmountCents:    75000,
			Status:         models.PayPaid,
		}
		if err := tx.Create(&pay).Error; err != nil {
			t.Fatal(err)
		}

		cr, err := lc.Start(context.Background(), s.CR.ID, s.Pro.UserID, models.RoleProfessional)
		if err != nil {
			t.Fatalf("start after payment: %v", err)
		}
		if cr.Status != models.ConsultationInProgress || cr.StartedAt == nil {
			t.Fatalf("bad state after start: %s", cr.Status)
		}
	})
}

// Starting and completing the call belong to the assigned professional;
// the owning client is still not allowed to drive either.
func Test_StartAndComplete_ClientForbidden(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cat := seedCategory(t, tx, 20)
		s := seedMatched(t, tx, cat, 150000, 5*time.Minute)
		if err := tx.Model(&s.CR).Update("status", models.ConsultationAccepted).Error; err != nil {
			t.Fatal(err)
		}
		lc := newLifecycle(tx, testConfig())

		if _, err := lc.Start(context.Background(), s.CR.ID, s.Client.ID, models.RoleClient); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("client start: want ErrUnauthorized, got %v", err)
		}
		if _, err := lc.Complete(context.Background(), s.CR.ID, s.Client.ID, models.RoleClient); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("client complete: want ErrUnauthorized, got %v", err)
		}

		// Nothing moved.
		got := reload(t, tx, s.CR.ID)
		if got.Status != models.ConsultationAccepted || got.StartedAt != nil {
			t.Fatalf("state changed despite forbidden actor: %s", got.Status)
		}
	})
}

func Test_Complete_RecordsStatsExactlyOnce(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cat := seedCategory(t, tx, 20)
		s := seedMatched(t, tx, cat, 150000, 5*time.Minute)
		if err := tx.Model(&s.CR).Update("status", models.ConsultationInProgress).Error; err != nil {
			t.Fatal(err)
		}
		lc := newLifecycle(tx, testConfig())

		cr, err := lc.Complete(context.Background(), s.CR.ID, s.Pro.UserID, models.RoleProfessional)
		if err != nil {
			t.Fatalf("complete: %v", err)
		}
		if cr.Status != models.ConsultationCompleted || cr.CompletedAt == nil {
			t.Fatalf("bad state after complete: %s", cr.Status)
		}

		var st models.ProfessionalStats
		if err := tx.First(&st, "professional_id = ?", s.Pro.ID).Error; err != nil {
			t.Fatal(err)
		}
		if st.CompletedConsultations != 1 || st.TotalEarningsCents != 60000 {
			t.Fatalf("stats wrong: %+v", st)
		}

		// Completing again is a transition violation and must not double-count.
		_, err = lc.Complete(context.Background(), s.CR.ID, s.Pro.UserID, models.RoleProfessional)
		var ite *InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Fatalf("want InvalidTransitionError, got %v", err)
		}
		_ = tx.First(&st, "professional_id = ?", s.Pro.ID).Error
		if st.CompletedConsultations != 1 {
			t.Fatalf("completion double-counted: %+v", st)
		}
	})
}

/* ============================================================================
   Tests — rating
   ============================================================================ */

// The client rates a completed consultation once; the rating lands on the
// stats row and is mirrored onto the profile the matcher scores against.
func Test_Rate_FeedsProfessionalAverage(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cat := seedCategory(t, tx, 20)
		s := seedMatched(t, tx, cat, 150000, 5*time.Minute)
		if err := tx.Model(&s.CR).Update("status", models.ConsultationCompleted).Error; err != nil {
			t.Fatal(err)
		}
		lc := newLifecycle(tx, testConfig())

		cr, err := lc.Rate(context.Background(), s.CR.ID, s.Client.ID, 5, "very helpful")
		if err != nil {
			t.Fatalf("rate: %v", err)
		}
		if cr.Rating == nil || *cr.Rating != 5 || cr.RatedAt == nil {
			t.Fatalf("rating not recorded: %+v", cr.Rating)
		}

		var st models.ProfessionalStats
		if err := tx.First(&st, "professional_id = ?", s.Pro.ID).Error; err != nil {
			t.Fatalf("stats row missing: %v", err)
		}
		if st.RatingCount != 1 || st.AverageRating != 5 {
			t.Fatalf("stats rating wrong: count=%d avg=%v", st.RatingCount, st.AverageRating)
		}

		var prof models.ProfessionalProfile
		if err := tx.First(&prof, "id = ?", s.Pro.ID).Error; err != nil {
			t.Fatal(err)
		}
		if prof.Rating != 5 {
			t.Fatalf("profile rating not mirrored: %v", prof.Rating)
		}

		// One rating per consultation.
		if _, err := lc.Rate(context.Background(), s.CR.ID, s.Client.ID, 1, ""); !errors.Is(err, ErrAlreadyRated) {
			t.Fatalf("second rate: want ErrAlreadyRated, got %v", err)
		}
		_ = tx.First(&st, "professional_id = ?", s.Pro.ID).Error
		if st.RatingCount != 1 {
			t.Fatalf("rating double-counted: %+v", st)
		}
	})
}

func Test_Rate_Guards(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cat := seedCategory(t, tx, 20)
		s := seedMatched(t, tx, cat, 150000, 5*time.Minute)
		lc := newLifecycle(tx, testConfig())

		// Not completed yet.
		if _, err := lc.Rate(context.Background(), s.CR.ID, s.Client.ID, 4, ""); !errors.Is(err, ErrNotRatable) {
			t.Fatalf("want ErrNotRatable, got %v", err)
		}

		if err := tx.Model(&s.CR).Update("status", models.ConsultationCompleted).Error; err != nil {
			t.Fatal(err)
		}

		// Only the owning client rates.
		if _, err := lc.Rate(context.Background(), s.CR.ID, s.Pro.UserID, 4, ""); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})
}

/* ============================================================================
   Tests — end to end
   ============================================================================ */

// Full happy path at 1500.00/h for 30 minutes with a 20% commission:
// total 750.00, fee 150.00, earnings 600.00.
func Test_FullFlow_PricingAndTimestamps(t *testing.T) {
	db := openTestDB(t)
	withTx(t, db, func(tx *gorm.DB) {
		cat := seedCategory(t, tx, 20)
		s := seedMatched(t, tx, cat, 150000, 5*time.Minute)
		lc := newLifecycle(tx, testConfig())
		ctx := context.Background()

		if _, err := lc.RespondToOffer(ctx, s.Offer.ID, s.Pro.UserID, true, ""); err != nil {
			t.Fatalf("accept: %v", err)
		}
		afterAccept := reload(t, tx, s.CR.ID)

		if _, err := lc.Start(ctx, s.CR.ID, s.Pro.UserID, models.RoleProfessional); err != nil {
			t.Fatalf("start: %v", err)
		}
		if _, err := lc.Complete(ctx, s.CR.ID, s.Pro.UserID, models.RoleProfessional); err != nil {
			t.Fatalf("complete: %v", err)
		}

		got := reload(t, tx, s.CR.ID)
		if got.TotalCents != 75000 || got.PlatformFeeCents != 15000 || got.ProfessionalEarningsCents != 60000 {
			t.Fatalf("pricing wrong: %d / %d / %d",
				got.TotalCents, got.PlatformFeeCents, got.ProfessionalEarningsCents)
		}
		if got.PlatformFeeCents+got.ProfessionalEarningsCents != got.TotalCents {
			t.Fatal("pricing invariant broken")
		}

		// Each milestone stamped once; accept timestamp untouched by later saves.
		if got.MatchedAt == nil || got.AcceptedAt == nil || got.StartedAt == nil || got.CompletedAt == nil {
			t.Fatalf("missing timestamps: %+v", got)
		}
		if !got.AcceptedAt.Equal(*afterAccept.AcceptedAt) {
			t.Fatal("accepted_at was overwritten by a later transition")
		}

		// Audit trail covers the whole journey.
		var n int64
		_ = tx.Model(&models.ConsultationHistory{}).
			Where("consultation_id = ?", s.CR.ID).Count(&n).Error
		if n < 3 {
			t.Fatalf("want at least 3 history rows, got %d", n)
		}
	})
}
