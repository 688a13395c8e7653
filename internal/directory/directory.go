package directory

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kwanzatech/consult-mp-backend/pkg/models"
)

// Snapshot is one eligible professional plus the live signals the scoring
// engine needs. ActiveLoad counts consultations in matched, accepted, or
// in_progress; the response average comes from the stats table when one
// exists.
type Snapshot struct {
	Professional       models.ProfessionalProfile
	ActiveLoad         int64
	AvgResponseSeconds float64
	HasResponseStats   bool
}

// Eligible returns every professional who can take a consultation in the
// given category right now: online, verified, and a member of the category.
// Membership is the typed join table; the free-text specialty label plays
// no part in eligibility.
//
// Runs against whatever db handle is passed, so callers inside a
// transaction see a consistent view.
func Eligible(db *gorm.DB, categoryID uuid.UUID) ([]Snapshot, error) {
	var profs []models.ProfessionalProfile
	err := db.
		Joins("JOIN professional_categories pc ON pc.professional_profile_id = professional_profiles.id").
		Where("pc.service_category_id = ?", categoryID).
		Where("professional_profiles.is_online AND professional_profiles.is_verified").
		Order("professional_profiles.id ASC").
		Find(&profs).Error
	if err != nil {
		return nil, err
	}
	if len(profs) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(profs))
	for _, p := range profs {
		ids = append(ids, p.ID)
	}

	// Active load per professional, one grouped query.
	type loadRow struct {
		ProfessionalID uuid.UUID
		N              int64
	}
	var loads []loadRow
	err = db.Model(&models.ConsultationRequest{}).
		Select("professional_id, COUNT(*) AS n").
		Where("professional_id IN ? AND status IN ?", ids, models.ActiveConsultationStatuses).
		Group("professional_id").
		Scan(&loads).Error
	if err != nil {
		return nil, err
	}
	loadByID := make(map[uuid.UUID]int64, len(loads))
	for _, l := range loads {
		loadByID[l.ProfessionalID] = l.N
	}

	// Response averages, where recorded.
	var stats []models.ProfessionalStats
	if err := db.Where("professional_id IN ? AND response_count > 0", ids).Find(&stats).Error; err != nil {
		return nil, err
	}
	avgByID := make(map[uuid.UUID]float64, len(stats))
	for _, s := range stats {
		avgByID[s.ProfessionalID] = s.AvgResponseSeconds
	}

	out := make([]Snapshot, 0, len(profs))
	for _, p := range profs {
		avg, ok := avgByID[p.ID]
		out = append(out, Snapshot{
			Professional:       p,
			ActiveLoad:         loadByID[p.ID],
			AvgResponseSeconds: avg,
			HasResponseStats:   ok,
		})
	}
	return out, nil
}
