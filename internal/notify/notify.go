package notify

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kwanzatech/consult-mp-backend/pkg/models"
)

// Notifier is the outbound notification port. Implementations must be
// fire-and-forget: a failed delivery never fails the operation that
// triggered it.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, kind, title, message string, payload map[string]any)
}

// Service persists each notification and pushes it over the hub. Both
// steps are best-effort; failures are logged and swallowed.
type Service struct {
	db  *gorm.DB
	hub *Hub
}

func NewService(db *gorm.DB, hub *Hub) *Service {
	return &Service{db: db, hub: hub}
}

func (s *Service) Notify(ctx context.Context, userID uuid.UUID, kind, title, message string, payload map[string]any) {
	raw := "{}"
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			raw = string(b)
		}
	}

	n := models.Notification{
		UserID:  userID,
		Kind:    kind,
		Title:   title,
		Message: message,
		Payload: raw,
	}
	if err := s.db.WithContext(ctx).Create(&n).Error; err != nil {
		log.Printf("notify: persist %s for %s: %v", kind, userID, err)
	}

	if s.hub != nil {
		s.hub.SendToUser(userID, map[string]any{
			"id":      n.ID,
			"kind":    kind,
			"title":   title,
			"message": message,
			"payload": payload,
		})
	}
}

// Noop discards everything. Used in tests and tooling.
type Noop struct{}

func (Noop) Notify(context.Context, uuid.UUID, string, string, string, map[string]any) {}
