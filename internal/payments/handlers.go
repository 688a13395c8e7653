package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kwanzatech/consult-mp-backend/internal/auth"
	"github.com/kwanzatech/consult-mp-backend/pkg/config"
	"github.com/kwanzatech/consult-mp-backend/pkg/models"
)

type Handler struct {
	db  *gorm.DB
	cfg *config.Config
}

func NewHandler(db *gorm.DB, cfg *config.Config) *Handler {
	if cfg.StripeSecretKey != "" {
		stripe.Key = cfg.StripeSecretKey
	}
	return &Handler{db: db, cfg: cfg}
}

// loadPayable checks the consultation belongs to the caller and is in a
// state worth paying for.
func (h *Handler) loadPayable(c *fiber.Ctx) (*models.ConsultationRequest, error) {
	clientID := auth.MustUserID(c)
	id, err := uuid.Parse(c.Params("consultationID"))
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid consultation id")
	}

	var cr models.ConsultationRequest
	if err := h.db.First(&cr, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fiber.ErrNotFound
		}
		return nil, fiber.ErrInternalServerError
	}
	if cr.ClientID.String() != clientID {
		return nil, fiber.ErrForbidden
	}
	switch cr.Status {
	case models.ConsultationMatched, models.ConsultationAccepted, models.ConsultationScheduled:
	default:
		return nil, fiber.NewError(fiber.StatusConflict, "consultation is not awaiting payment")
	}
	if cr.TotalCents <= 0 {
		return nil, fiber.NewError(fiber.StatusConflict, "consultation has no price yet")
	}
	return &cr, nil
}

// ========== Create Checkout (client) ==========

// CreateCheckout opens a checkout for the consultation. With the stripe
// provider it creates a real Checkout Session; otherwise it returns a mock
// redirect the dev frontend can complete via /payments/mock/complete.
func (h *Handler) CreateCheckout(c *fiber.Ctx) error {
	cr, err := h.loadPayable(c)
	if err != nil {
		return err
	}

	if h.cfg.PaymentProvider == "stripe" {
		return h.stripeCheckout(c, cr)
	}

	pay := models.Payment{
		ConsultationID: cr.ID,
		ClientID:       cr.ClientID,
		AmountCents:    cr.TotalCents,
		Status:         models.PayInitiated,
		CreatedAt:      time.Now(),
	}
	mockSession := "mock_" + uuid.NewString()
	pay.StripeSessionID = &mockSession
	if err := h.db.Create(&pay).Error; err != nil {
		return fiber.ErrInternalServerError
	}

	mockURL := "mock://checkout?payment_id=" + pay.ID.String()
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"payment_id":   pay.ID,
		"redirect_url": mockURL,
		"provider":     "mock",
	})
}

func (h *Handler) stripeCheckout(c *fiber.Ctx, cr *models.ConsultationRequest) error {
	base := os.Getenv("FRONTEND_URL")
	if base == "" {
		base = "http://localhost:5173"
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String("usd"),
				UnitAmount: stripe.Int64(cr.TotalCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(fmt.Sprintf("Consultation: %s", cr.Title)),
				},
			},
		}},
		SuccessURL: stripe.String(base + "/consultations/" + cr.ID.String() + "?paid=1"),
		CancelURL:  stripe.String(base + "/consultations/" + cr.ID.String() + "?paid=0"),
	}
	params.AddMetadata("consultation_id", cr.ID.String())

	sess, err := session.New(params)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "stripe checkout failed")
	}

	pay := models.Payment{
		ConsultationID:  cr.ID,
		ClientID:        cr.ClientID,
		StripeSessionID: &sess.ID,
		AmountCents:     cr.TotalCents,
		Status:          models.PayInitiated,
		CreatedAt:       time.Now(),
	}
	if err := h.db.Create(&pay).Error; err != nil {
		return fiber.ErrInternalServerError
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"payment_id":   pay.ID,
		"redirect_url": sess.URL,
		"provider":     "stripe",
	})
}

// ========== Stripe Webhook ==========

// StripeWebhook verifies the event signature and marks the matching
// payment paid. Safe to replay; only the first event flips the status.
func (h *Handler) StripeWebhook(c *fiber.Ctx) error {
	event, err := webhook.ConstructEvent(c.Body(), c.Get("Stripe-Signature"), h.cfg.StripeWebhookSecret)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid webhook signature")
	}

	if event.Type != "checkout.session.completed" {
		return c.JSON(fiber.Map{"received": true})
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "malformed event payload")
	}

	intentID := ""
	if sess.PaymentIntent != nil {
		intentID = sess.PaymentIntent.ID
	}
	if err := h.markPaid(sess.ID, intentID); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"received": true})
}

// markPaid flips a payment to paid under a row lock, idempotently.
func (h *Handler) markPaid(sessionID, intentID string) error {
	tx := h.db.Begin()

	var pay models.Payment
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&pay, "stripe_session_id = ?", sessionID).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.ErrNotFound
		}
		return fiber.ErrInternalServerError
	}
	if pay.Status == models.PayPaid {
		tx.Rollback()
		return nil
	}

	updates := map[string]any{"status": models.PayPaid}
	if intentID != "" {
		updates["stripe_payment_intent"] = intentID
	}
	if err := tx.Model(&models.Payment{}).Where("id = ?", pay.ID).
		Updates(updates).Error; err != nil {
		tx.Rollback()
		return fiber.ErrInternalServerError
	}
	if err := tx.Commit().Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return nil
}

// ========== Mock Complete (dev only) ==========
// Body: { "payment_id": "<uuid>" }
// Header: X-Dev-Secret: <DEV_PAYMENT_SECRET>
type mockCompleteReq struct {
	PaymentID string `json:"payment_id"`
}

func (h *Handler) MockComplete(c *fiber.Ctx) error {
	if h.cfg.AppEnv != "dev" || h.cfg.PaymentProvider != "mock" {
		return fiber.ErrNotFound
	}
	if c.Get("X-Dev-Secret") == "" || c.Get("X-Dev-Secret") != h.cfg.DevPaymentSecret {
		return fiber.NewError(http.StatusUnauthorized, "missing/invalid X-Dev-Secret")
	}
	var in mockCompleteReq
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}
	pid, err := uuid.Parse(in.PaymentID)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid payment id")
	}

	// Atomic: single winner
	tx := h.db.Begin()

	var pay models.Payment
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&pay, "id = ?", pid).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.ErrNotFound
		}
		return fiber.ErrInternalServerError
	}
	if pay.Status == models.PayPaid {
		tx.Rollback()
		return c.JSON(fiber.Map{"ok": true, "message": "already paid (idempotent)"})
	}

	// Amount must match the consultation's derived total, not client input.
	var cr models.ConsultationRequest
	if err := tx.First(&cr, "id = ?", pay.ConsultationID).Error; err != nil {
		tx.Rollback()
		return fiber.ErrInternalServerError
	}
	if pay.AmountCents != cr.TotalCents {
		tx.Rollback()
		return fiber.NewError(http.StatusConflict, "amount mismatch")
	}

	if err := tx.Model(&models.Payment{}).Where("id = ?", pay.ID).
		Update("status", models.PayPaid).Error; err != nil {
		tx.Rollback()
		return fiber.ErrInternalServerError
	}
	if err := tx.Commit().Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(fiber.Map{"ok": true})
}
