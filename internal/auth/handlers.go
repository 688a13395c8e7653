package auth

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/kwanzatech/consult-mp-backend/pkg/models"
	"github.com/kwanzatech/consult-mp-backend/pkg/validation"
)

/* ================================ DTOs ================================= */

// Request body for /signup
type SignupRequest struct {
	Role     string `json:"role" validate:"required,oneof=client professional"`
	Name     string `json:"name" validate:"required,min=2,max=80"`
	Email    string `json:"email" validate:"required,email,max=120"`
	Password string `json:"password" validate:"required,min=6,max=72"`
	Phone    string `json:"phone" validate:"omitempty,max=20"`
	// Professional-only fields
	CategoryIDs     []string `json:"category_ids" validate:"omitempty,dive,uuid4"`
	Specialty       string   `json:"specialty" validate:"omitempty,max=80"`
	LicenseNumber   string   `json:"license_number" validate:"omitempty,max=40"`
	HourlyRateCents int64    `json:"hourly_rate_cents" validate:"omitempty,gte=0"`
	ExperienceYears int      `json:"experience_years" validate:"omitempty,gte=0,lte=60"`
	Bio             string   `json:"bio" validate:"omitempty,max=2000"`
}

// Request body for /login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email,max=120"`
	Password string `json:"password" validate:"required"`
}

// Standard auth response
type AuthResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

// Profile response for /me
type UserProfileResponse struct {
	ID        uuid.UUID   `json:"id"`
	Email     string      `json:"email"`
	Role      models.Role `json:"role"`
	Name      string      `json:"name"`
	Phone     string      `json:"phone"`
	CreatedAt time.Time   `json:"created_at"`

	Professional *models.ProfessionalProfile `json:"professional,omitempty"`
}

/* ============================== Handler ================================= */

type Handler struct{ db *gorm.DB }

func NewHandler(db *gorm.DB) *Handler { return &Handler{db: db} }

/* =============================== Signup ================================= */

// Signup registers a new user. Professionals get a profile row in the same
// transaction, linked to the categories they claim to serve.
func (h *Handler) Signup(c *fiber.Ctx) error {
	var in SignupRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}

	// Normalize email
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))

	// Validate request (Laravel-like error shape)
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	// Hash password
	hash, _ := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)

	u := models.User{
		Email:        in.Email,
		PasswordHash: string(hash),
		Role:         models.Role(in.Role),
		Name:         in.Name,
		Phone:        in.Phone,
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&u).Error; err != nil {
			return err
		}
		if u.Role != models.RoleProfessional {
			return nil
		}

		// Resolve claimed categories against the active registry; unknown
		// or inactive ids are simply dropped.
		var cats []models.ServiceCategory
		if len(in.CategoryIDs) > 0 {
			if err := tx.Where("id IN ? AND active", in.CategoryIDs).Find(&cats).Error; err != nil {
				return err
			}
		}
		prof := models.ProfessionalProfile{
			UserID:          u.ID,
			Categories:      cats,
			Specialty:       strings.TrimSpace(in.Specialty),
			LicenseNumber:   strings.TrimSpace(in.LicenseNumber),
			HourlyRateCents: in.HourlyRateCents,
			ExperienceYears: in.ExperienceYears,
			Bio:             strings.TrimSpace(in.Bio),
			LastSeen:        time.Now(),
		}
		return tx.Create(&prof).Error
	})
	if err != nil {
		return fiber.NewError(fiber.StatusConflict, "email already exists")
	}

	// Issue JWT
	token, _ := IssueToken(u.ID.String(), string(u.Role))
	return c.Status(fiber.StatusCreated).JSON(AuthResponse{Token: token, Role: string(u.Role)})
}

/* ================================ Login ================================= */

func (h *Handler) Login(c *fiber.Ctx) error {
	var in LoginRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}

	// Normalize email
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))

	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	// Find user by email
	var u models.User
	if err := h.db.Where("email = ?", in.Email).First(&u).Error; err != nil {
		return fiber.ErrUnauthorized
	}

	// Verify password
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(in.Password)) != nil {
		return fiber.ErrUnauthorized
	}

	token, _ := IssueToken(u.ID.String(), string(u.Role))
	return c.JSON(AuthResponse{Token: token, Role: string(u.Role)})
}

/* ================================= Me =================================== */

// Me returns the authenticated user's profile, with the professional
// profile attached when there is one.
func (h *Handler) Me(c *fiber.Ctx) error {
	userID := c.Locals("userID")
	if userID == nil {
		return fiber.ErrUnauthorized
	}

	var u models.User
	if err := h.db.First(&u, "id = ?", userID).Error; err != nil {
		return fiber.ErrUnauthorized
	}

	resp := UserProfileResponse{
		ID:        u.ID,
		Email:     u.Email,
		Role:      u.Role,
		Name:      u.Name,
		Phone:     u.Phone,
		CreatedAt: u.CreatedAt,
	}

	if u.Role == models.RoleProfessional {
		var prof models.ProfessionalProfile
		if err := h.db.Preload("Categories").First(&prof, "user_id = ?", u.ID).Error; err == nil {
			resp.Professional = &prof
		}
	}
	return c.JSON(resp)
}
