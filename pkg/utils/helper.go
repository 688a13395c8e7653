package utils

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kwanzatech/consult-mp-backend/pkg/models"
)

// LogConsultationHistory inserts an audit record into consultation_histories.
// Every mutating operation calls this with the acting user so the trail
// always knows who did what. Errors are ignored on purpose (best-effort
// logging).
func LogConsultationHistory(
	ctx context.Context,
	db *gorm.DB,
	consultationID, actorID uuid.UUID,
	action string,
	oldS, newS models.ConsultationStatus,
	reason string,
) {
	_ = db.WithContext(ctx).Create(&models.ConsultationHistory{
		ConsultationID: consultationID,
		ActorID:        actorID,
		Action:         action,
		OldStatus:      oldS,
		NewStatus:      newS,
		Reason:         reason,
		CreatedAt:      time.Now(),
	}).Error
}
