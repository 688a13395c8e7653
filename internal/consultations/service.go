package consultations

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kwanzatech/consult-mp-backend/internal/notify"
	"github.com/kwanzatech/consult-mp-backend/internal/payments"
	"github.com/kwanzatech/consult-mp-backend/internal/stats"
	"github.com/kwanzatech/consult-mp-backend/pkg/config"
	"github.com/kwanzatech/consult-mp-backend/pkg/models"
	"github.com/kwanzatech/consult-mp-backend/pkg/utils"
)

// Lifecycle owns every consultation state transition. All writes happen
// inside a transaction with the consultation row locked, so concurrent
// actors serialize on the row instead of racing.
type Lifecycle struct {
	db       *gorm.DB
	notifier notify.Notifier
	payments payments.Port
	stats    *stats.Service
	cfg      *config.Config
}

func NewLifecycle(db *gorm.DB, notifier notify.Notifier, pay payments.Port, st *stats.Service, cfg *config.Config) *Lifecycle {
	return &Lifecycle{db: db, notifier: notifier, payments: pay, stats: st, cfg: cfg}
}

/* =============================== Create ================================= */

type CreateInput struct {
	CategoryID      uuid.UUID
	Title           string
	Description     string
	Priority        models.Priority
	DurationMinutes int
	ScheduledStart  *time.Time
	ScheduledEnd    *time.Time
}

// Create opens a new pending consultation. The category's commission rate
// is snapshotted here; later category edits never touch this request.
func (l *Lifecycle) Create(ctx context.Context, clientID uuid.UUID, in CreateInput) (*models.ConsultationRequest, error) {
	var cat models.ServiceCategory
	if err := l.db.WithContext(ctx).
		Where("id = ? AND active", in.CategoryID).
		First(&cat).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCategoryUnavailable
		}
		return nil, err
	}
	if in.DurationMinutes < cat.MinDuration || in.DurationMinutes > cat.MaxDuration {
		return nil, ErrDurationOutOfRange
	}

	if in.Priority == "" {
		in.Priority = models.PriorityMedium
	}

	cr := models.ConsultationRequest{
		ClientID:        clientID,
		CategoryID:      cat.ID,
		Title:           strings.TrimSpace(in.Title),
		Description:     strings.TrimSpace(in.Description),
		Status:          models.ConsultationPending,
		Priority:        in.Priority,
		DurationMinutes: in.DurationMinutes,
		ScheduledStart:  in.ScheduledStart,
		ScheduledEnd:    in.ScheduledEnd,
		CommissionRate:  cat.CommissionRate,
	}
	if err := l.db.WithContext(ctx).Create(&cr).Error; err != nil {
		return nil, err
	}
	utils.LogConsultationHistory(ctx, l.db, cr.ID, clientID, "created", "", models.ConsultationPending, "")
	return &cr, nil
}

/* =========================== Offer responses ============================ */

// RespondToOffer handles a professional accepting or rejecting their open
// offer. A response after the window closed expires both the offer and
// the consultation and comes back as ErrOfferExpired.
func (l *Lifecycle) RespondToOffer(ctx context.Context, offerID, professionalUserID uuid.UUID, accept bool, reason string) (*models.CallOffer, error) {
	var offer models.CallOffer
	var cr models.ConsultationRequest
	var clientID uuid.UUID

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&offer, "id = ?", offerID).Error; err != nil {
			return err
		}

		var prof models.ProfessionalProfile
		if err := tx.First(&prof, "user_id = ?", professionalUserID).Error; err != nil {
			return ErrUnauthorized
		}
		if offer.ProfessionalID != prof.ID {
			return ErrUnauthorized
		}

		if !offer.Open() {
			return ErrOfferClosed
		}

		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&cr, "id = ?", offer.ConsultationID).Error; err != nil {
			return err
		}
		clientID = cr.ClientID

		now := time.Now()

		// Too late. Expire both sides and report it.
		if now.After(offer.ExpiresAt) {
			offer.Status = models.OfferExpired
			if err := tx.Save(&offer).Error; err != nil {
				return err
			}
			if cr.Status == models.ConsultationMatched {
				old := cr.Status
				cr.Status = models.ConsultationExpired
				if err := tx.Save(&cr).Error; err != nil {
					return err
				}
				utils.LogConsultationHistory(ctx, tx, cr.ID, professionalUserID, "expired",
					old, models.ConsultationExpired, "offer window elapsed")
			}
			return ErrOfferExpired
		}

		if cr.Status != models.ConsultationMatched {
			to := models.ConsultationAccepted
			if !accept {
				to = models.ConsultationRejected
			}
			return &InvalidTransitionError{From: cr.Status, To: to}
		}

		offer.RespondedAt = &now
		if accept {
			offer.Status = models.OfferAccepted
			offer.AcceptedAt = &now
			cr.Status = models.ConsultationAccepted
			if cr.AcceptedAt == nil {
				cr.AcceptedAt = &now
			}
		} else {
			offer.Status = models.OfferRejected
			offer.RejectedAt = &now
			offer.RejectionReason = strings.TrimSpace(reason)
			cr.Status = models.ConsultationRejected
		}
		if err := tx.Save(&offer).Error; err != nil {
			return err
		}
		if err := tx.Save(&cr).Error; err != nil {
			return err
		}

		if accept {
			// Response latency feeds the scoring bonus.
			seconds := now.Sub(offer.CreatedAt).Seconds()
			if err := l.stats.RecordResponse(ctx, tx, prof.ID, seconds); err != nil {
				return err
			}
			utils.LogConsultationHistory(ctx, tx, cr.ID, professionalUserID, "accepted",
				models.ConsultationMatched, models.ConsultationAccepted, "")
		} else {
			utils.LogConsultationHistory(ctx, tx, cr.ID, professionalUserID, "rejected",
				models.ConsultationMatched, models.ConsultationRejected, offer.RejectionReason)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	kind, title, msg := "offer.accepted", "Offer accepted", "Your consultation was accepted by the professional."
	if !accept {
		kind, title, msg = "offer.rejected", "Offer rejected", "The professional declined your consultation."
	}
	l.notify(ctx, clientID, kind, title, msg, map[string]any{"consultation_id": cr.ID})
	return &offer, nil
}

// MarkRinging records that the call UI is actively ringing the
// professional and grants the short ringing extension.
func (l *Lifecycle) MarkRinging(ctx context.Context, offerID, professionalUserID uuid.UUID) (*models.CallOffer, error) {
	var offer models.CallOffer
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&offer, "id = ?", offerID).Error; err != nil {
			return err
		}

		var prof models.ProfessionalProfile
		if err := tx.First(&prof, "user_id = ?", professionalUserID).Error; err != nil {
			return ErrUnauthorized
		}
		if offer.ProfessionalID != prof.ID {
			return ErrUnauthorized
		}

		if offer.Status != models.OfferPending {
			return ErrOfferClosed
		}
		if time.Now().After(offer.ExpiresAt) {
			return ErrOfferExpired
		}

		offer.Status = models.OfferRinging
		offer.ExpiresAt = time.Now().Add(l.cfg.RingingWindow)
		return tx.Save(&offer).Error
	})
	if err != nil {
		return nil, err
	}
	return &offer, nil
}

/* ============================ Transitions =============================== */

// Cancel moves the consultation to cancelled if the actor is allowed to,
// recording who cancelled and why, and closes any open offer with it.
func (l *Lifecycle) Cancel(ctx context.Context, consultationID, actorID uuid.UUID, role models.Role, reason string) (*models.ConsultationRequest, error) {
	var cr models.ConsultationRequest
	var notifyUserID uuid.UUID

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&cr, "id = ?", consultationID).Error; err != nil {
			return err
		}

		var profUserID *uuid.UUID
		var prof models.ProfessionalProfile
		if cr.ProfessionalID != nil {
			if err := tx.First(&prof, "id = ?", *cr.ProfessionalID).Error; err == nil {
				profUserID = &prof.UserID
			}
		}

		if !cr.CanBeCancelledBy(actorID, role, profUserID) {
			if cr.ClientID != actorID && (profUserID == nil || *profUserID != actorID) && role != models.RoleStaff {
				return ErrUnauthorized
			}
			return &InvalidTransitionError{From: cr.Status, To: models.ConsultationCancelled}
		}

		now := time.Now()
		old := cr.Status
		cr.Status = models.ConsultationCancelled
		if cr.CancelledAt == nil {
			cr.CancelledAt = &now
		}
		cr.CancelledByID = &actorID
		cr.CancelReason = strings.TrimSpace(reason)
		if err := tx.Save(&cr).Error; err != nil {
			return err
		}

		// Any offer still waiting for an answer dies with the request.
		if err := tx.Model(&models.CallOffer{}).
			Where("consultation_id = ? AND status IN ?", cr.ID,
				[]models.OfferStatus{models.OfferPending, models.OfferRinging}).
			Update("status", models.OfferCancelled).Error; err != nil {
			return err
		}

		if cr.ProfessionalID != nil && old != models.ConsultationPending {
			if err := l.stats.RecordCancellation(ctx, tx, *cr.ProfessionalID); err != nil {
				return err
			}
		}

		utils.LogConsultationHistory(ctx, tx, cr.ID, actorID, "cancelled",
			old, models.ConsultationCancelled, cr.CancelReason)

		// Tell the other side.
		if actorID == cr.ClientID && profUserID != nil {
			notifyUserID = *profUserID
		} else if actorID != cr.ClientID {
			notifyUserID = cr.ClientID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if notifyUserID != uuid.Nil {
		l.notify(ctx, notifyUserID, "consultation.cancelled", "Consultation cancelled",
			"The consultation was cancelled.", map[string]any{"consultation_id": cr.ID})
	}
	return &cr, nil
}

// Schedule pins an accepted consultation to a concrete time slot.
func (l *Lifecycle) Schedule(ctx context.Context, consultationID, actorID uuid.UUID, role models.Role, start, end time.Time) (*models.ConsultationRequest, error) {
	var cr models.ConsultationRequest
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&cr, "id = ?", consultationID).Error; err != nil {
			return err
		}
		if err := l.requireParticipant(tx, &cr, actorID, role); err != nil {
			return err
		}
		if cr.Status != models.ConsultationAccepted {
			return &InvalidTransitionError{From: cr.Status, To: models.ConsultationScheduled}
		}

		old := cr.Status
		cr.Status = models.ConsultationScheduled
		cr.ScheduledStart = &start
		cr.ScheduledEnd = &end
		if err := tx.Save(&cr).Error; err != nil {
			return err
		}
		utils.LogConsultationHistory(ctx, tx, cr.ID, actorID, "scheduled",
			old, models.ConsultationScheduled, "")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cr, nil
}

// Start moves an accepted or scheduled consultation to in_progress. Only
// the assigned professional (or staff) may start the call. When payment
// enforcement is on, an unpaid consultation cannot start; when it is off,
// the missing payment is only logged.
func (l *Lifecycle) Start(ctx context.Context, consultationID, actorID uuid.UUID, role models.Role) (*models.ConsultationRequest, error) {
	var cr models.ConsultationRequest
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&cr, "id = ?", consultationID).Error; err != nil {
			return err
		}
		if err := l.requireAssignedProfessional(tx, &cr, actorID, role); err != nil {
			return err
		}
		if cr.Status != models.ConsultationAccepted && cr.Status != models.ConsultationScheduled {
			return &InvalidTransitionError{From: cr.Status, To: models.ConsultationInProgress}
		}

		paid, err := l.payments.ChargeConfirmed(ctx, cr.ID)
		if err != nil {
			return err
		}
		if !paid {
			if l.cfg.RequirePaymentToStart {
				return ErrPaymentRequired
			}
			log.Printf("consultations: starting %s without confirmed payment", cr.ID)
		}

		now := time.Now()
		old := cr.Status
		cr.Status = models.ConsultationInProgress
		if cr.StartedAt == nil {
			cr.StartedAt = &now
		}
		if err := tx.Save(&cr).Error; err != nil {
			return err
		}
		utils.LogConsultationHistory(ctx, tx, cr.ID, actorID, "started",
			old, models.ConsultationInProgress, "")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cr, nil
}

// Complete finishes the consultation and credits the professional's
// aggregates exactly once, in the same transaction. Like Start, only the
// assigned professional (or staff) may complete.
func (l *Lifecycle) Complete(ctx context.Context, consultationID, actorID uuid.UUID, role models.Role) (*models.ConsultationRequest, error) {
	var cr models.ConsultationRequest
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&cr, "id = ?", consultationID).Error; err != nil {
			return err
		}
		if err := l.requireAssignedProfessional(tx, &cr, actorID, role); err != nil {
			return err
		}
		switch cr.Status {
		case models.ConsultationInProgress, models.ConsultationAccepted, models.ConsultationScheduled:
		default:
			return &InvalidTransitionError{From: cr.Status, To: models.ConsultationCompleted}
		}

		now := time.Now()
		old := cr.Status
		cr.Status = models.ConsultationCompleted
		if cr.CompletedAt == nil {
			cr.CompletedAt = &now
		}
		if err := tx.Save(&cr).Error; err != nil {
			return err
		}

		if cr.ProfessionalID != nil {
			if err := l.stats.RecordCompletion(ctx, tx, *cr.ProfessionalID, &cr); err != nil {
				return err
			}
		}

		utils.LogConsultationHistory(ctx, tx, cr.ID, actorID, "completed",
			old, models.ConsultationCompleted, "")
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.notify(ctx, cr.ClientID, "consultation.completed", "Consultation completed",
		"Your consultation is complete.", map[string]any{"consultation_id": cr.ID})
	return &cr, nil
}

/* ================================ Rating ================================ */

// Rate records the client's one-time rating of a completed consultation
// and folds it into the professional's average.
func (l *Lifecycle) Rate(ctx context.Context, consultationID, actorID uuid.UUID, rating int, comment string) (*models.ConsultationRequest, error) {
	var cr models.ConsultationRequest
	var profUserID uuid.UUID

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&cr, "id = ?", consultationID).Error; err != nil {
			return err
		}
		if cr.ClientID != actorID {
			return ErrUnauthorized
		}
		if cr.Status != models.ConsultationCompleted {
			return ErrNotRatable
		}
		if cr.Rating != nil {
			return ErrAlreadyRated
		}

		now := time.Now()
		cr.Rating = &rating
		cr.RatingComment = strings.TrimSpace(comment)
		cr.RatedAt = &now
		if err := tx.Save(&cr).Error; err != nil {
			return err
		}

		if cr.ProfessionalID != nil {
			if err := l.stats.RecordRating(ctx, tx, *cr.ProfessionalID, float64(rating)); err != nil {
				return err
			}
			var prof models.ProfessionalProfile
			if err := tx.First(&prof, "id = ?", *cr.ProfessionalID).Error; err == nil {
				profUserID = prof.UserID
			}
		}

		utils.LogConsultationHistory(ctx, tx, cr.ID, actorID, "rated",
			models.ConsultationCompleted, models.ConsultationCompleted, cr.RatingComment)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if profUserID != uuid.Nil {
		l.notify(ctx, profUserID, "consultation.rated", "New rating received",
			"A client rated your consultation.",
			map[string]any{"consultation_id": cr.ID, "rating": rating})
	}
	return &cr, nil
}

/* ============================ Expiry (sweeper) ========================== */

// ExpireOffer closes one overdue offer. By default the parent consultation
// expires with it; with rematch-on-expiry enabled and attempts left, the
// request is instead returned to the pending pool and the caller should
// run another matching round. Returns whether a rematch should happen.
func (l *Lifecycle) ExpireOffer(ctx context.Context, offerID uuid.UUID) (requeued bool, err error) {
	var profUserID uuid.UUID
	var consultationID uuid.UUID

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var offer models.CallOffer
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&offer, "id = ?", offerID).Error; err != nil {
			return err
		}
		// Answered between the scan and the lock.
		if !offer.Open() || time.Now().Before(offer.ExpiresAt) {
			return nil
		}

		offer.Status = models.OfferExpired
		if err := tx.Save(&offer).Error; err != nil {
			return err
		}

		var prof models.ProfessionalProfile
		if err := tx.First(&prof, "id = ?", offer.ProfessionalID).Error; err == nil {
			profUserID = prof.UserID
		}

		var cr models.ConsultationRequest
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&cr, "id = ?", offer.ConsultationID).Error; err != nil {
			return err
		}
		consultationID = cr.ID
		if cr.Status != models.ConsultationMatched {
			return nil
		}

		old := cr.Status
		if l.cfg.RematchOnExpiry && cr.MatchAttempts < l.cfg.MaxMatchAttempts {
			cr.Status = models.ConsultationPending
			cr.ProfessionalID = nil
			if err := tx.Save(&cr).Error; err != nil {
				return err
			}
			utils.LogConsultationHistory(ctx, tx, cr.ID, uuid.Nil, "offer_expired_requeued",
				old, models.ConsultationPending, "offer window elapsed")
			requeued = true
			return nil
		}

		cr.Status = models.ConsultationExpired
		if err := tx.Save(&cr).Error; err != nil {
			return err
		}
		utils.LogConsultationHistory(ctx, tx, cr.ID, uuid.Nil, "expired",
			old, models.ConsultationExpired, "offer window elapsed")
		return nil
	})
	if err != nil {
		return false, err
	}

	if profUserID != uuid.Nil {
		l.notify(ctx, profUserID, "offer.expired", "Offer expired",
			"A consultation offer expired before you responded.",
			map[string]any{"consultation_id": consultationID})
	}
	return requeued, nil
}

/* ============================== Internals =============================== */

// requireParticipant rejects actors who are neither the client, the
// assigned professional, nor staff.
func (l *Lifecycle) requireParticipant(tx *gorm.DB, cr *models.ConsultationRequest, actorID uuid.UUID, role models.Role) error {
	if role == models.RoleStaff || cr.ClientID == actorID {
		return nil
	}
	if cr.ProfessionalID != nil {
		var prof models.ProfessionalProfile
		if err := tx.First(&prof, "id = ?", *cr.ProfessionalID).Error; err == nil && prof.UserID == actorID {
			return nil
		}
	}
	return ErrUnauthorized
}

// requireAssignedProfessional rejects everyone but the assigned
// professional (and staff). Start and complete belong to the professional
// running the call, never to the client.
func (l *Lifecycle) requireAssignedProfessional(tx *gorm.DB, cr *models.ConsultationRequest, actorID uuid.UUID, role models.Role) error {
	if role == models.RoleStaff {
		return nil
	}
	if cr.ProfessionalID != nil {
		var prof models.ProfessionalProfile
		if err := tx.First(&prof, "id = ?", *cr.ProfessionalID).Error; err == nil && prof.UserID == actorID {
			return nil
		}
	}
	return ErrUnauthorized
}

func (l *Lifecycle) notify(ctx context.Context, userID uuid.UUID, kind, title, msg string, payload map[string]any) {
	if l.notifier == nil || userID == uuid.Nil {
		return
	}
	l.notifier.Notify(ctx, userID, kind, title, msg, payload)
}
