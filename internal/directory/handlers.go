package directory

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kwanzatech/consult-mp-backend/internal/auth"
	"github.com/kwanzatech/consult-mp-backend/pkg/models"
	"github.com/kwanzatech/consult-mp-backend/pkg/validation"
)

// ===== DTOs =====

type AvailabilityRequest struct {
	Online bool `json:"online"`
}

type UpdateProfileRequest struct {
	Specialty       *string  `json:"specialty" validate:"omitempty,max=80"`
	LicenseNumber   *string  `json:"license_number" validate:"omitempty,max=40"`
	HourlyRateCents *int64   `json:"hourly_rate_cents" validate:"omitempty,gte=0"`
	ExperienceYears *int     `json:"experience_years" validate:"omitempty,gte=0,lte=60"`
	Bio             *string  `json:"bio" validate:"omitempty,max=2000"`
	CategoryIDs     []string `json:"category_ids" validate:"omitempty,dive,uuid4"`
}

type Handler struct{ db *gorm.DB }

func NewHandler(db *gorm.DB) *Handler { return &Handler{db: db} }

// profileForUser loads the caller's professional profile.
func (h *Handler) profileForUser(c *fiber.Ctx) (*models.ProfessionalProfile, error) {
	userID := auth.MustUserID(c)
	var prof models.ProfessionalProfile
	if err := h.db.First(&prof, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fiber.ErrNotFound
		}
		return nil, fiber.ErrInternalServerError
	}
	return &prof, nil
}

// SetAvailability flips the caller's online flag. Going either way bumps
// last_seen so staleness checks have something to work with.
func (h *Handler) SetAvailability(c *fiber.Ctx) error {
	prof, err := h.profileForUser(c)
	if err != nil {
		return err
	}

	var in AvailabilityRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}

	if err := h.db.Model(prof).Updates(map[string]any{
		"is_online": in.Online,
		"last_seen": time.Now(),
	}).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(fiber.Map{"online": in.Online})
}

// MyProfile returns the caller's professional profile with categories.
func (h *Handler) MyProfile(c *fiber.Ctx) error {
	userID := auth.MustUserID(c)
	var prof models.ProfessionalProfile
	err := h.db.Preload("Categories").Preload("User").First(&prof, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.ErrNotFound
		}
		return fiber.ErrInternalServerError
	}
	return c.JSON(prof)
}

// UpdateProfile applies partial edits to the caller's profile. Category
// membership is replaced wholesale when category_ids is present.
func (h *Handler) UpdateProfile(c *fiber.Ctx) error {
	prof, err := h.profileForUser(c)
	if err != nil {
		return err
	}

	var in UpdateProfileRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	updates := map[string]any{}
	if in.Specialty != nil {
		updates["specialty"] = *in.Specialty
	}
	if in.LicenseNumber != nil {
		updates["license_number"] = *in.LicenseNumber
	}
	if in.HourlyRateCents != nil {
		updates["hourly_rate_cents"] = *in.HourlyRateCents
	}
	if in.ExperienceYears != nil {
		updates["experience_years"] = *in.ExperienceYears
	}
	if in.Bio != nil {
		updates["bio"] = *in.Bio
	}

	err = h.db.Transaction(func(tx *gorm.DB) error {
		if len(updates) > 0 {
			if err := tx.Model(prof).Updates(updates).Error; err != nil {
				return err
			}
		}
		if in.CategoryIDs != nil {
			var cats []models.ServiceCategory
			if len(in.CategoryIDs) > 0 {
				if err := tx.Where("id IN ? AND active", in.CategoryIDs).Find(&cats).Error; err != nil {
					return err
				}
			}
			if err := tx.Model(prof).Association("Categories").Replace(cats); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fiber.ErrInternalServerError
	}
	return h.MyProfile(c)
}

// GetProfile returns a professional's public profile by profile id.
func (h *Handler) GetProfile(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid professional id")
	}
	var prof models.ProfessionalProfile
	if err := h.db.Preload("Categories").First(&prof, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.ErrNotFound
		}
		return fiber.ErrInternalServerError
	}
	// Public shape: no license number.
	return c.JSON(fiber.Map{
		"id":                prof.ID,
		"specialty":         prof.Specialty,
		"categories":        prof.Categories,
		"hourly_rate_cents": prof.HourlyRateCents,
		"rating":            prof.Rating,
		"experience_years":  prof.ExperienceYears,
		"bio":               prof.Bio,
		"is_online":         prof.IsOnline,
		"is_verified":       prof.IsVerified,
	})
}
