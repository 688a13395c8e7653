package stats

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/kwanzatech/consult-mp-backend/internal/auth"
	"github.com/kwanzatech/consult-mp-backend/pkg/models"
)

type Handler struct{ db *gorm.DB }

func NewHandler(db *gorm.DB) *Handler { return &Handler{db: db} }

// Me returns the caller's aggregate stats. A professional who has not
// completed anything yet gets a zeroed row rather than a 404.
func (h *Handler) Me(c *fiber.Ctx) error {
	userID := auth.MustUserID(c)

	var prof models.ProfessionalProfile
	if err := h.db.First(&prof, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.ErrNotFound
		}
		return fiber.ErrInternalServerError
	}

	var st models.ProfessionalStats
	err := h.db.First(&st, "professional_id = ?", prof.ID).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.ErrInternalServerError
		}
		st = models.ProfessionalStats{ProfessionalID: prof.ID}
	}
	return c.JSON(st)
}
