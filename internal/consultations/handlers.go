package consultations

import (
	"errors"
	"math"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kwanzatech/consult-mp-backend/internal/auth"
	"github.com/kwanzatech/consult-mp-backend/internal/matching"
	"github.com/kwanzatech/consult-mp-backend/pkg/models"
	"github.com/kwanzatech/consult-mp-backend/pkg/validation"
)

// ===== DTOs =====

type CreateRequest struct {
	CategoryID      string     `json:"category_id" validate:"required,uuid4"`
	Title           string     `json:"title" validate:"required,max=120"`
	Description     string     `json:"description" validate:"max=2000"`
	Priority        string     `json:"priority" validate:"omitempty,oneof=low medium high emergency"`
	DurationMinutes int        `json:"duration_minutes" validate:"required,gte=15,lte=240"`
	ScheduledStart  *time.Time `json:"scheduled_start"`
	ScheduledEnd    *time.Time `json:"scheduled_end"`
}

type RespondRequest struct {
	Accept bool   `json:"accept"`
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

type CancelRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

type ScheduleRequest struct {
	Start time.Time `json:"start" validate:"required"`
	End   time.Time `json:"end" validate:"required"`
}

type RateRequest struct {
	Rating  int    `json:"rating" validate:"required,gte=1,lte=5"`
	Comment string `json:"comment" validate:"omitempty,max=1000"`
}

type ListItem struct {
	ID              uuid.UUID                 `json:"id"`
	Title           string                    `json:"title"`
	Status          models.ConsultationStatus `json:"status"`
	Priority        models.Priority           `json:"priority"`
	CategoryName    string                    `json:"category"`
	DurationMinutes int                       `json:"duration_minutes"`
	TotalCents      int64                     `json:"total_cents"`
	CreatedAt       time.Time                 `json:"created_at"`
}

type Handler struct {
	db        *gorm.DB
	lifecycle *Lifecycle
	matcher   *matching.Matcher
}

func NewHandler(db *gorm.DB, lifecycle *Lifecycle, matcher *matching.Matcher) *Handler {
	return &Handler{db: db, lifecycle: lifecycle, matcher: matcher}
}

/* =========================== Error mapping ============================== */

// respondDomainErr translates lifecycle errors into the API error shape.
// Transition conflicts carry a machine-readable code on top of the
// standard envelope.
func respondDomainErr(c *fiber.Ctx, err error) error {
	var ite *InvalidTransitionError
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fiber.ErrNotFound
	case errors.As(err, &ite):
		return conflict(c, CodeInvalidTransition, ite.Error())
	case errors.Is(err, ErrOfferExpired):
		return conflict(c, CodeOfferExpired, "offer has expired")
	case errors.Is(err, ErrOfferClosed):
		return conflict(c, CodeOfferClosed, "offer is no longer open")
	case errors.Is(err, matching.ErrNotPending):
		return conflict(c, CodeInvalidTransition, "consultation is not pending")
	case errors.Is(err, ErrNotRatable):
		return conflict(c, CodeInvalidTransition, "only completed consultations can be rated")
	case errors.Is(err, ErrAlreadyRated):
		return conflict(c, CodeAlreadyRated, "consultation has already been rated")
	case errors.Is(err, ErrUnauthorized):
		return fiber.ErrForbidden
	case errors.Is(err, ErrPaymentRequired):
		return c.Status(fiber.StatusPaymentRequired).JSON(models.ErrorResponse{
			Error: true, Code: CodePaymentRequired,
			Message: "payment must be confirmed before the consultation can start",
		})
	case errors.Is(err, ErrCategoryUnavailable):
		return fiber.NewError(fiber.StatusBadRequest, "category not found or inactive")
	case errors.Is(err, ErrDurationOutOfRange):
		return fiber.NewError(fiber.StatusBadRequest, "duration is outside the category's allowed range")
	default:
		return fiber.ErrInternalServerError
	}
}

func conflict(c *fiber.Ctx, code, msg string) error {
	return c.Status(fiber.StatusConflict).JSON(models.ErrorResponse{
		Error: true, Code: code, Message: msg,
	})
}

/* =============================== Create ================================= */

// Create opens a consultation. ?match=1 runs a matching round right away
// so call-now flows get an offer in the same request.
func (h *Handler) Create(c *fiber.Ctx) error {
	var in CreateRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid json")
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	clientID, _ := uuid.Parse(auth.MustUserID(c))
	categoryID, _ := uuid.Parse(in.CategoryID)

	cr, err := h.lifecycle.Create(c.Context(), clientID, CreateInput{
		CategoryID:      categoryID,
		Title:           in.Title,
		Description:     in.Description,
		Priority:        models.Priority(in.Priority),
		DurationMinutes: in.DurationMinutes,
		ScheduledStart:  in.ScheduledStart,
		ScheduledEnd:    in.ScheduledEnd,
	})
	if err != nil {
		return respondDomainErr(c, err)
	}

	if c.Query("match") == "1" {
		result, err := h.matcher.Match(c.Context(), cr.ID, clientID)
		if err != nil {
			return respondDomainErr(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": cr.ID, "match": result})
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": cr.ID})
}

/* ================================ Match ================================= */

// Match runs one matching round for a pending consultation.
func (h *Handler) Match(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid consultation id")
	}
	actorID, _ := uuid.Parse(auth.MustUserID(c))

	// Only the owning client or staff may trigger matching.
	if models.Role(auth.MustRole(c)) != models.RoleStaff {
		var cr models.ConsultationRequest
		if err := h.db.First(&cr, "id = ?", id).Error; err != nil {
			return respondDomainErr(c, err)
		}
		if cr.ClientID != actorID {
			return fiber.ErrForbidden
		}
	}

	result, err := h.matcher.Match(c.Context(), id, actorID)
	if err != nil {
		return respondDomainErr(c, err)
	}
	return c.JSON(result)
}

/* ============================ Offer routes ============================== */

func (h *Handler) RespondToOffer(c *fiber.Ctx) error {
	offerID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid offer id")
	}
	var in RespondRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	userID, _ := uuid.Parse(auth.MustUserID(c))
	offer, err := h.lifecycle.RespondToOffer(c.Context(), offerID, userID, in.Accept, in.Reason)
	if err != nil {
		return respondDomainErr(c, err)
	}
	return c.JSON(offer)
}

func (h *Handler) MarkRinging(c *fiber.Ctx) error {
	offerID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid offer id")
	}
	userID, _ := uuid.Parse(auth.MustUserID(c))
	offer, err := h.lifecycle.MarkRinging(c.Context(), offerID, userID)
	if err != nil {
		return respondDomainErr(c, err)
	}
	return c.JSON(offer)
}

// MyOffers lists the caller's open offers, soonest deadline first.
func (h *Handler) MyOffers(c *fiber.Ctx) error {
	userID := auth.MustUserID(c)

	var prof models.ProfessionalProfile
	if err := h.db.First(&prof, "user_id = ?", userID).Error; err != nil {
		return fiber.ErrNotFound
	}

	var offers []models.CallOffer
	err := h.db.
		Preload("Consultation").
		Where("professional_id = ? AND status IN ?", prof.ID,
			[]models.OfferStatus{models.OfferPending, models.OfferRinging}).
		Order("expires_at ASC").
		Find(&offers).Error
	if err != nil {
		return fiber.ErrInternalServerError
	}
	if offers == nil {
		offers = []models.CallOffer{}
	}
	return c.JSON(fiber.Map{"items": offers})
}

/* ========================= Lifecycle routes ============================= */

func (h *Handler) Cancel(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid consultation id")
	}
	var in CancelRequest
	if err := c.BodyParser(&in); err != nil && len(c.Body()) > 0 {
		return fiber.ErrBadRequest
	}

	actorID, _ := uuid.Parse(auth.MustUserID(c))
	role := models.Role(auth.MustRole(c))
	cr, err := h.lifecycle.Cancel(c.Context(), id, actorID, role, in.Reason)
	if err != nil {
		return respondDomainErr(c, err)
	}
	return c.JSON(cr)
}

func (h *Handler) Schedule(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid consultation id")
	}
	var in ScheduleRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}
	if !in.End.After(in.Start) {
		return fiber.NewError(fiber.StatusBadRequest, "end must be after start")
	}

	actorID, _ := uuid.Parse(auth.MustUserID(c))
	role := models.Role(auth.MustRole(c))
	cr, err := h.lifecycle.Schedule(c.Context(), id, actorID, role, in.Start, in.End)
	if err != nil {
		return respondDomainErr(c, err)
	}
	return c.JSON(cr)
}

func (h *Handler) Start(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid consultation id")
	}
	actorID, _ := uuid.Parse(auth.MustUserID(c))
	role := models.Role(auth.MustRole(c))
	cr, err := h.lifecycle.Start(c.Context(), id, actorID, role)
	if err != nil {
		return respondDomainErr(c, err)
	}
	return c.JSON(cr)
}

func (h *Handler) Complete(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid consultation id")
	}
	actorID, _ := uuid.Parse(auth.MustUserID(c))
	role := models.Role(auth.MustRole(c))
	cr, err := h.lifecycle.Complete(c.Context(), id, actorID, role)
	if err != nil {
		return respondDomainErr(c, err)
	}
	return c.JSON(cr)
}

// Rate lets the owning client leave a one-time rating after completion.
func (h *Handler) Rate(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid consultation id")
	}
	var in RateRequest
	if err := c.BodyParser(&in); err != nil {
		return fiber.ErrBadRequest
	}
	if errs, _ := validation.Validate(in); errs != nil {
		return validation.Respond(c, errs)
	}

	actorID, _ := uuid.Parse(auth.MustUserID(c))
	cr, err := h.lifecycle.Rate(c.Context(), id, actorID, in.Rating, in.Comment)
	if err != nil {
		return respondDomainErr(c, err)
	}
	return c.JSON(cr)
}

/* =============================== Listings =============================== */

func parsePage(c *fiber.Ctx) (page, size int) {
	page = c.QueryInt("page", 1)
	size = c.QueryInt("pageSize", 10)
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 50 {
		size = 10
	}
	return
}

func (h *Handler) list(c *fiber.Ctx, scope func(*gorm.DB) *gorm.DB) error {
	page, size := parsePage(c)

	dbq := scope(h.db.Model(&models.ConsultationRequest{}))
	if status := c.Query("status"); status != "" {
		dbq = dbq.Where("consultation_requests.status = ?", status)
	}

	var total int64
	if err := dbq.Count(&total).Error; err != nil {
		return fiber.ErrInternalServerError
	}

	var list []models.ConsultationRequest
	if err := dbq.Preload("Category").
		Order("consultation_requests.created_at DESC").
		Offset((page - 1) * size).Limit(size).
		Find(&list).Error; err != nil {
		return fiber.ErrInternalServerError
	}

	items := make([]ListItem, 0, len(list))
	for _, cr := range list {
		items = append(items, ListItem{
			ID:              cr.ID,
			Title:           cr.Title,
			Status:          cr.Status,
			Priority:        cr.Priority,
			CategoryName:    cr.Category.Name,
			DurationMinutes: cr.DurationMinutes,
			TotalCents:      cr.TotalCents,
			CreatedAt:       cr.CreatedAt,
		})
	}

	return c.JSON(fiber.Map{
		"page": page, "pageSize": size, "total": total,
		"pages": int(math.Ceil(float64(total) / float64(size))),
		"items": items,
	})
}

// ListMine returns the client's own consultations (paginated).
func (h *Handler) ListMine(c *fiber.Ctx) error {
	clientID := auth.MustUserID(c)
	return h.list(c, func(dbq *gorm.DB) *gorm.DB {
		return dbq.Where("client_id = ?", clientID)
	})
}

// ListAssigned returns consultations assigned to the calling professional.
func (h *Handler) ListAssigned(c *fiber.Ctx) error {
	userID := auth.MustUserID(c)
	var prof models.ProfessionalProfile
	if err := h.db.First(&prof, "user_id = ?", userID).Error; err != nil {
		return fiber.ErrNotFound
	}
	return h.list(c, func(dbq *gorm.DB) *gorm.DB {
		return dbq.Where("professional_id = ?", prof.ID)
	})
}

// GetDetail returns the full consultation for a participant, offers and
// audit history included.
func (h *Handler) GetDetail(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid consultation id")
	}
	actorID, _ := uuid.Parse(auth.MustUserID(c))
	role := models.Role(auth.MustRole(c))

	var cr models.ConsultationRequest
	err = h.db.
		Preload("Category").
		Preload("Professional").
		Preload("Offers", func(db *gorm.DB) *gorm.DB { return db.Order("created_at DESC") }).
		First(&cr, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.ErrNotFound
		}
		return fiber.ErrInternalServerError
	}

	if err := h.lifecycle.requireParticipant(h.db, &cr, actorID, role); err != nil {
		return fiber.ErrForbidden
	}

	if cr.Offers == nil {
		cr.Offers = []models.CallOffer{}
	}

	var history []models.ConsultationHistory
	if err := h.db.Where("consultation_id = ?", cr.ID).
		Order("created_at ASC").Find(&history).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	if history == nil {
		history = []models.ConsultationHistory{}
	}

	return c.JSON(fiber.Map{"consultation": cr, "history": history})
}
