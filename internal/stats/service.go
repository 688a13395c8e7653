package stats

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/kwanzatech/consult-mp-backend/pkg/models"
)

// Service maintains the per-professional aggregate counters. Mutations run
// on the caller's transaction so a completion and its counters commit or
// roll back together.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service { return &Service{db: db} }

// lockRow loads (or creates) the stats row under FOR UPDATE.
func lockRow(tx *gorm.DB, professionalID uuid.UUID) (*models.ProfessionalStats, error) {
	var st models.ProfessionalStats
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("professional_id = ?", professionalID).
		First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		st = models.ProfessionalStats{ProfessionalID: professionalID, WindowDate: today()}
		if err := tx.Create(&st).Error; err != nil {
			return nil, err
		}
		// Re-acquire with the lock held.
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("professional_id = ?", professionalID).
			First(&st).Error
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// RecordCompletion bumps lifetime and rolling-window counters once per
// completed consultation and credits the professional's earnings.
func (s *Service) RecordCompletion(ctx context.Context, tx *gorm.DB, professionalID uuid.UUID, cr *models.ConsultationRequest) error {
	st, err := lockRow(tx.WithContext(ctx), professionalID)
	if err != nil {
		return err
	}
	rollWindows(st, time.Now())

	now := time.Now()
	st.TotalConsultations++
	st.CompletedConsultations++
	st.TotalEarningsCents += cr.ProfessionalEarningsCents
	st.TodayConsultations++
	st.TodayEarningsCents += cr.ProfessionalEarningsCents
	st.WeekConsultations++
	st.WeekEarningsCents += cr.ProfessionalEarningsCents
	st.MonthConsultations++
	st.MonthEarningsCents += cr.ProfessionalEarningsCents
	st.LastCompletedAt = &now

	return tx.Save(st).Error
}

// RecordCancellation counts a cancelled consultation against the assigned
// professional's lifetime totals.
func (s *Service) RecordCancellation(ctx context.Context, tx *gorm.DB, professionalID uuid.UUID) error {
	st, err := lockRow(tx.WithContext(ctx), professionalID)
	if err != nil {
		return err
	}
	rollWindows(st, time.Now())
	st.TotalConsultations++
	st.CancelledConsultations++
	return tx.Save(st).Error
}

// RecordResponse folds one offer response time into the rolling average
// the scoring engine reads.
func (s *Service) RecordResponse(ctx context.Context, tx *gorm.DB, professionalID uuid.UUID, seconds float64) error {
	if seconds < 0 {
		seconds = 0
	}
	st, err := lockRow(tx.WithContext(ctx), professionalID)
	if err != nil {
		return err
	}
	st.AvgResponseSeconds = (st.AvgResponseSeconds*float64(st.ResponseCount) + seconds) / float64(st.ResponseCount+1)
	st.ResponseCount++
	return tx.Save(st).Error
}

// RecordRating folds one client rating into the professional's average and
// mirrors it onto the profile the matcher scores against.
func (s *Service) RecordRating(ctx context.Context, tx *gorm.DB, professionalID uuid.UUID, rating float64) error {
	st, err := lockRow(tx.WithContext(ctx), professionalID)
	if err != nil {
		return err
	}
	st.AverageRating = (st.AverageRating*float64(st.RatingCount) + rating) / float64(st.RatingCount+1)
	st.RatingCount++
	if err := tx.Save(st).Error; err != nil {
		return err
	}
	return tx.Model(&models.ProfessionalProfile{}).
		Where("id = ?", professionalID).
		Update("rating", st.AverageRating).Error
}

// rollWindows resets the day / week / month counters whose window has
// moved on since the row was last touched.
func rollWindows(st *models.ProfessionalStats, now time.Time) {
	cur := dateOf(now)
	prev := dateOf(st.WindowDate)
	if cur.Equal(prev) {
		return
	}

	st.TodayConsultations = 0
	st.TodayEarningsCents = 0

	py, pw := prev.ISOWeek()
	cy, cw := cur.ISOWeek()
	if py != cy || pw != cw {
		st.WeekConsultations = 0
		st.WeekEarningsCents = 0
	}

	if prev.Year() != cur.Year() || prev.Month() != cur.Month() {
		st.MonthConsultations = 0
		st.MonthEarningsCents = 0
	}

	st.WindowDate = cur
}

func today() time.Time { return dateOf(time.Now()) }

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
