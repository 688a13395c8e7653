package matching

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kwanzatech/consult-mp-backend/internal/directory"
	"github.com/kwanzatech/consult-mp-backend/internal/notify"
	"github.com/kwanzatech/consult-mp-backend/pkg/models"
	"github.com/kwanzatech/consult-mp-backend/pkg/utils"
)

// ErrNotPending is returned when a match is requested for a consultation
// that is past the pending state.
var ErrNotPending = errors.New("consultation is not pending")

// Result describes one match attempt.
type Result struct {
	Matched bool   `json:"matched"`
	Reason  string `json:"reason,omitempty"` // set when Matched is false

	Consultation *models.ConsultationRequest `json:"consultation,omitempty"`
	Professional *models.ProfessionalProfile `json:"professional,omitempty"`
	Offer        *models.CallOffer           `json:"offer,omitempty"`
}

const (
	ReasonNoProfessionals = "no_available_professionals"
	ReasonAlreadyAssigned = "already_assigned"
)

// Matcher assigns pending consultations to the best eligible professional
// and opens a time-boxed call offer for them.
type Matcher struct {
	db          *gorm.DB
	scorer      *Scorer
	notifier    notify.Notifier
	offerWindow time.Duration
}

func NewMatcher(db *gorm.DB, scorer *Scorer, notifier notify.Notifier, offerWindow time.Duration) *Matcher {
	return &Matcher{db: db, scorer: scorer, notifier: notifier, offerWindow: offerWindow}
}

// Match runs one matching round for the consultation. The consultation row
// is locked for the whole round, so two concurrent calls cannot both
// assign; the loser sees the assignment and returns an already_assigned
// no-op result. actorID lands in the audit trail (uuid.Nil means the
// system acted, e.g. an automatic rematch).
func (m *Matcher) Match(ctx context.Context, consultationID, actorID uuid.UUID) (*Result, error) {
	var result *Result
	var winnerUserID uuid.UUID
	var clientName, categoryName string

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cr models.ConsultationRequest
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&cr, "id = ?", consultationID).Error; err != nil {
			return err
		}

		// Someone else already won the race. Not an error.
		if cr.ProfessionalID != nil {
			result = &Result{Matched: false, Reason: ReasonAlreadyAssigned, Consultation: &cr}
			return nil
		}
		if cr.Status != models.ConsultationPending {
			return ErrNotPending
		}

		snaps, err := directory.Eligible(tx, cr.CategoryID)
		if err != nil {
			return err
		}
		// A professional never gets matched to their own request.
		filtered := snaps[:0]
		for _, s := range snaps {
			if s.Professional.UserID != cr.ClientID {
				filtered = append(filtered, s)
			}
		}
		snaps = filtered

		if len(snaps) == 0 {
			cr.MatchAttempts++
			if err := tx.Save(&cr).Error; err != nil {
				return err
			}
			utils.LogConsultationHistory(ctx, tx, cr.ID, actorID, "match_attempted",
				models.ConsultationPending, models.ConsultationPending, ReasonNoProfessionals)
			result = &Result{Matched: false, Reason: ReasonNoProfessionals, Consultation: &cr}
			return nil
		}

		winner := pickWinner(m.scorer, snaps)

		now := time.Now()
		cr.ProfessionalID = &winner.ID
		cr.Status = models.ConsultationMatched
		if cr.MatchedAt == nil {
			cr.MatchedAt = &now
		}
		cr.HourlyRateCents = winner.HourlyRateCents
		cr.MatchAttempts++
		if err := tx.Save(&cr).Error; err != nil {
			return err
		}

		offer := models.CallOffer{
			ConsultationID: cr.ID,
			ProfessionalID: winner.ID,
			Status:         models.OfferPending,
			ExpiresAt:      now.Add(m.offerWindow),
		}
		if err := tx.Create(&offer).Error; err != nil {
			return err
		}

		utils.LogConsultationHistory(ctx, tx, cr.ID, actorID, "matched",
			models.ConsultationPending, models.ConsultationMatched, "")

		var client models.User
		if err := tx.First(&client, "id = ?", cr.ClientID).Error; err == nil {
			clientName = client.Name
		}
		var cat models.ServiceCategory
		if err := tx.First(&cat, "id = ?", cr.CategoryID).Error; err == nil {
			categoryName = cat.Name
		}

		winnerUserID = winner.UserID
		result = &Result{Matched: true, Consultation: &cr, Professional: winner, Offer: &offer}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Matched && m.notifier != nil {
		m.notifier.Notify(ctx, winnerUserID, "offer.created",
			"New consultation offer",
			"You have been matched to a consultation. Respond before the offer expires.",
			map[string]any{
				"consultation_id":  result.Consultation.ID,
				"offer_id":         result.Offer.ID,
				"client_name":      clientName,
				"category":         categoryName,
				"duration_minutes": result.Consultation.DurationMinutes,
				"expires_at":       result.Offer.ExpiresAt,
			})
	}
	return result, nil
}

// pickWinner returns the highest-scoring snapshot; ties go to the lowest
// professional id so reruns with pinned jitter are deterministic.
func pickWinner(scorer *Scorer, snaps []directory.Snapshot) *models.ProfessionalProfile {
	best := 0
	bestScore := scorer.Score(snaps[0])
	for i := 1; i < len(snaps); i++ {
		score := scorer.Score(snaps[i])
		switch {
		case score > bestScore:
			best, bestScore = i, score
		case score == bestScore &&
			snaps[i].Professional.ID.String() < snaps[best].Professional.ID.String():
			best = i
		}
	}
	return &snaps[best].Professional
}
