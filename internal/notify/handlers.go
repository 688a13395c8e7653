package notify

import (
	"math"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kwanzatech/consult-mp-backend/internal/auth"
	"github.com/kwanzatech/consult-mp-backend/pkg/models"
)

type Handler struct{ db *gorm.DB }

func NewHandler(db *gorm.DB) *Handler { return &Handler{db: db} }

// List returns the caller's notifications, newest first, paginated.
// ?unread=1 narrows to unread only.
func (h *Handler) List(c *fiber.Ctx) error {
	userID := auth.MustUserID(c)
	page, size := parsePage(c)

	dbq := h.db.Model(&models.Notification{}).Where("user_id = ?", userID)
	if c.Query("unread") == "1" {
		dbq = dbq.Where("NOT is_read")
	}

	var total int64
	if err := dbq.Count(&total).Error; err != nil {
		return fiber.ErrInternalServerError
	}

	var items []models.Notification
	if err := dbq.Order("created_at DESC").
		Offset((page - 1) * size).Limit(size).
		Find(&items).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	if items == nil {
		items = []models.Notification{}
	}

	return c.JSON(fiber.Map{
		"page": page, "pageSize": size, "total": total,
		"pages": int(math.Ceil(float64(total) / float64(size))),
		"items": items,
	})
}

// MarkRead marks one notification as read. Idempotent.
func (h *Handler) MarkRead(c *fiber.Ctx) error {
	userID := auth.MustUserID(c)
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid notification id")
	}

	now := time.Now()
	res := h.db.Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]any{"is_read": true, "read_at": now})
	if res.Error != nil {
		return fiber.ErrInternalServerError
	}
	if res.RowsAffected == 0 {
		return fiber.ErrNotFound
	}
	return c.JSON(fiber.Map{"ok": true})
}

// MarkAllRead marks every unread notification of the caller as read.
func (h *Handler) MarkAllRead(c *fiber.Ctx) error {
	userID := auth.MustUserID(c)
	now := time.Now()
	if err := h.db.Model(&models.Notification{}).
		Where("user_id = ? AND NOT is_read", userID).
		Updates(map[string]any{"is_read": true, "read_at": now}).Error; err != nil {
		return fiber.ErrInternalServerError
	}
	return c.JSON(fiber.Map{"ok": true})
}

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
