package catalog

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kwanzatech/consult-mp-backend/pkg/models"
)

// ===== DTOs =====

type CategoryItem struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	BasePriceCents int64     `json:"base_price_cents"`
	CommissionRate float64   `json:"commission_rate"`
	MinDuration    int       `json:"min_duration"`
	MaxDuration    int       `json:"max_duration"`
	Available      int64     `json:"available_professionals"`
}

type Handler struct{ db *gorm.DB }

func NewHandler(db *gorm.DB) *Handler { return &Handler{db: db} }

// List returns all active categories with the number of professionals
// currently available to take consultations in each.
func (h *Handler) List(c *fiber.Ctx) error {
	var cats []models.ServiceCategory
	if err := h.db.Where("active").Order("sort_order ASC, name ASC").Find(&cats).Error; err != nil {
		return fiber.ErrInternalServerError
	}

	counts, err := h.availableCounts(cats)
	if err != nil {
		return fiber.ErrInternalServerError
	}

	items := make([]CategoryItem, 0, len(cats))
	for _, cat := range cats {
		items = append(items, CategoryItem{
			ID:             cat.ID,
			Name:           cat.Name,
			Description:    cat.Description,
			BasePriceCents: cat.BasePriceCents,
			CommissionRate: cat.CommissionRate,
			MinDuration:    cat.MinDuration,
			MaxDuration:    cat.MaxDuration,
			Available:      counts[cat.ID],
		})
	}
	return c.JSON(fiber.Map{"items": items})
}

// Get returns one category by id (active or not).
func (h *Handler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid category id")
	}
	var cat models.ServiceCategory
	if err := h.db.First(&cat, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.ErrNotFound
		}
		return fiber.ErrInternalServerError
	}
	return c.JSON(cat)
}

// availableCounts groups online verified professionals per category in a
// single query over the membership join table.
func (h *Handler) availableCounts(cats []models.ServiceCategory) (map[uuid.UUID]int64, error) {
	out := make(map[uuid.UUID]int64, len(cats))
	if len(cats) == 0 {
		return out, nil
	}
	ids := make([]uuid.UUID, 0, len(cats))
	for _, cat := range cats {
		ids = append(ids, cat.ID)
	}

	type row struct {
		CategoryID uuid.UUID
		N          int64
	}
	var rows []row
	err := h.db.
		Table("professional_categories pc").
		Select("pc.service_category_id AS category_id, COUNT(*) AS n").
		Joins("JOIN professional_profiles p ON p.id = pc.professional_profile_id").
		Where("pc.service_category_id IN ? AND p.is_online AND p.is_verified", ids).
		Group("pc.service_category_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.CategoryID] = r.N
	}
	return out, nil
}
