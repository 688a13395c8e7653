package models

import (
	"math"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

/* =============================== Enums ================================== */

// Role defines the type of user in the system.
type Role string

const (
	RoleClient       Role = "client"
	RoleProfessional Role = "professional"
	RoleStaff        Role = "staff"
)

// ConsultationStatus defines lifecycle states for a consultation request.
type ConsultationStatus string

const (
	ConsultationPending    ConsultationStatus = "pending"
	ConsultationMatched    ConsultationStatus = "matched"
	ConsultationAccepted   ConsultationStatus = "accepted"
	ConsultationRejected   ConsultationStatus = "rejected"
	ConsultationScheduled  ConsultationStatus = "scheduled"
	ConsultationInProgress ConsultationStatus = "in_progress"
	ConsultationCompleted  ConsultationStatus = "completed"
	ConsultationCancelled  ConsultationStatus = "cancelled"
	ConsultationExpired    ConsultationStatus = "expired"
)

// IsTerminal reports whether no further transitions are permitted.
func (s ConsultationStatus) IsTerminal() bool {
	switch s {
	case ConsultationCompleted, ConsultationCancelled, ConsultationRejected, ConsultationExpired:
		return true
	}
	return false
}

// Priority is informational only; the matcher does not read it.
type Priority string

const (
	PriorityLow       Priority = "low"
	PriorityMedium    Priority = "medium"
	PriorityHigh      Priority = "high"
	PriorityEmergency Priority = "emergency"
)

// OfferStatus defines lifecycle states for a call offer.
type OfferStatus string

const (
	OfferPending   OfferStatus = "pending"
	OfferRinging   OfferStatus = "ringing"
	OfferAccepted  OfferStatus = "accepted"
	OfferRejected  OfferStatus = "rejected"
	OfferMissed    OfferStatus = "missed"
	OfferExpired   OfferStatus = "expired"
	OfferCancelled OfferStatus = "cancelled"
)

// PayStatus defines lifecycle states for a payment.
type PayStatus string

const (
	PayInitiated PayStatus = "initiated"
	PayPaid      PayStatus = "paid"
	PayFailed    PayStatus = "failed"
)

// ActiveConsultationStatuses are the states that count toward a
// professional's current load.
var ActiveConsultationStatuses = []ConsultationStatus{
	ConsultationMatched, ConsultationAccepted, ConsultationInProgress,
}

/* =============================== Entities =============================== */

// User represents a client, professional, or staff account.
type User struct {
	ID           uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         Role      `gorm:"type:varchar(20);not null"`
	Name         string
	Phone        string
	CreatedAt    time.Time
}

// ServiceCategory is the read-only pricing/commission registry entry for a
// kind of consultation. The commission rate is copied onto every
// consultation at creation time, so editing a category never reprices
// consultations that already reference it.
type ServiceCategory struct {
	ID             uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	Name           string    `gorm:"uniqueIndex;not null"`
	Description    string
	BasePriceCents int64   `gorm:"not null;default:0"`  // default hourly price, in cents
	CommissionRate float64 `gorm:"not null;default:20"` // platform cut, percent
	MinDuration    int     `gorm:"not null;default:15"` // minutes
	MaxDuration    int     `gorm:"not null;default:120"`
	Active         bool    `gorm:"not null;default:true"`
	SortOrder      int     `gorm:"not null;default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProfessionalProfile holds the professional-side attributes the matcher
// scores against. Category membership lives in the professional_categories
// join table and is the authoritative eligibility relation; Specialty is a
// deprecated free-text display label kept for old clients.
type ProfessionalProfile struct {
	ID              uuid.UUID         `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID          uuid.UUID         `gorm:"type:uuid;uniqueIndex;not null"`
	Categories      []ServiceCategory `gorm:"many2many:professional_categories"`
	Specialty       string            // deprecated, display only
	LicenseNumber   string
	HourlyRateCents int64   `gorm:"not null;default:0"`
	Rating          float64 `gorm:"not null;default:0"` // 0.0 .. 5.0
	ExperienceYears int     `gorm:"not null;default:0"`
	Bio             string
	IsVerified      bool `gorm:"not null;default:false"`
	IsOnline        bool `gorm:"not null;default:false"`
	LastSeen        time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time

	User User `gorm:"foreignKey:UserID"`
}

// ConsultationRequest is the central entity: a client's ask for time with
// a professional in a category.
//
// All money fields are integer cents so the pricing invariant
// (platform fee + earnings == total) holds exactly.
type ConsultationRequest struct {
	ID             uuid.UUID  `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	ClientID       uuid.UUID  `gorm:"type:uuid;not null;index:idx_consultations_client_status"`
	ProfessionalID *uuid.UUID `gorm:"type:uuid;index:idx_consultations_professional_status"`
	CategoryID     uuid.UUID  `gorm:"type:uuid;not null;index"`

	Title       string `gorm:"not null"`
	Description string
	Status      ConsultationStatus `gorm:"type:varchar(20);not null;default:'pending';index:idx_consultations_client_status;index:idx_consultations_professional_status"`
	Priority    Priority           `gorm:"type:varchar(20);not null;default:'medium'"`

	DurationMinutes int `gorm:"not null;default:30"` // bounded [15, 240]
	ScheduledStart  *time.Time
	ScheduledEnd    *time.Time

	// Pricing. CommissionRate is snapshotted from the category at creation;
	// HourlyRateCents is copied from the winning professional at match time.
	HourlyRateCents           int64   `gorm:"not null;default:0"`
	CommissionRate            float64 `gorm:"not null;default:0"`
	TotalCents                int64   `gorm:"not null;default:0"`
	PlatformFeeCents          int64   `gorm:"not null;default:0"`
	ProfessionalEarningsCents int64   `gorm:"not null;default:0"`

	// One timestamp per transition, set the first time that status is
	// reached and never overwritten.
	MatchedAt   *time.Time
	AcceptedAt  *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time

	CancelReason  string
	CancelledByID *uuid.UUID `gorm:"type:uuid"`
	MatchAttempts int        `gorm:"not null;default:0"`

	// Client feedback, recorded once after completion. Feeds the
	// professional's average rating.
	Rating        *int `gorm:"check:rating BETWEEN 1 AND 5"`
	RatingComment string
	RatedAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	// Relations
	Client       User                 `gorm:"foreignKey:ClientID"`
	Professional *ProfessionalProfile `gorm:"foreignKey:ProfessionalID"`
	Category     ServiceCategory      `gorm:"foreignKey:CategoryID"`
	Offers       []CallOffer          `gorm:"foreignKey:ConsultationID"`
}

// RecalculatePricing derives total, platform fee, and earnings from the
// hourly rate, duration, and the snapshotted commission rate.
func (cr *ConsultationRequest) RecalculatePricing() {
	if cr.HourlyRateCents <= 0 || cr.DurationMinutes <= 0 {
		return
	}
	total := math.Round(float64(cr.HourlyRateCents) * float64(cr.DurationMinutes) / 60)
	fee := math.Round(total * cr.CommissionRate / 100)
	cr.TotalCents = int64(total)
	cr.PlatformFeeCents = int64(fee)
	cr.ProfessionalEarningsCents = cr.TotalCents - cr.PlatformFeeCents
}

// BeforeSave keeps derived pricing consistent on every save.
func (cr *ConsultationRequest) BeforeSave(_ *gorm.DB) error {
	cr.RecalculatePricing()
	return nil
}

// CanBeCancelledBy reports whether the actor may cancel this request in
// its current state. professionalUserID is the user behind the assigned
// professional profile, when one is assigned.
func (cr *ConsultationRequest) CanBeCancelledBy(userID uuid.UUID, role Role, professionalUserID *uuid.UUID) bool {
	switch {
	case role == RoleStaff:
		return cancellableByClient(cr.Status)
	case cr.ClientID == userID:
		return cancellableByClient(cr.Status)
	case role == RoleProfessional && professionalUserID != nil && *professionalUserID == userID:
		switch cr.Status {
		case ConsultationMatched, ConsultationAccepted, ConsultationScheduled:
			return true
		}
	}
	return false
}

func cancellableByClient(s ConsultationStatus) bool {
	switch s {
	case ConsultationPending, ConsultationMatched, ConsultationAccepted, ConsultationScheduled:
		return true
	}
	return false
}

// CallOffer is the time-boxed proposal of one consultation to one
// professional. A consultation may spawn several offers across retries.
type CallOffer struct {
	ID             uuid.UUID   `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	ConsultationID uuid.UUID   `gorm:"type:uuid;not null;index"`
	ProfessionalID uuid.UUID   `gorm:"type:uuid;not null;index"`
	Status         OfferStatus `gorm:"type:varchar(20);not null;default:'pending';index"`
	ExpiresAt      time.Time   `gorm:"not null;index"`

	RespondedAt     *time.Time
	AcceptedAt      *time.Time
	RejectedAt      *time.Time
	RejectionReason string

	CreatedAt time.Time
	UpdatedAt time.Time

	Consultation ConsultationRequest `gorm:"foreignKey:ConsultationID"`
	Professional ProfessionalProfile `gorm:"foreignKey:ProfessionalID"`
}

// Open reports whether the offer is still awaiting a response.
func (o *CallOffer) Open() bool {
	return o.Status == OfferPending || o.Status == OfferRinging
}

// ProfessionalStats holds the aggregate counters updated when
// consultations complete, plus the average response time the scoring
// engine reads.
type ProfessionalStats struct {
	ID             uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	ProfessionalID uuid.UUID `gorm:"type:uuid;uniqueIndex;not null"`

	// Lifetime
	TotalConsultations     int   `gorm:"not null;default:0"`
	CompletedConsultations int   `gorm:"not null;default:0"`
	CancelledConsultations int   `gorm:"not null;default:0"`
	TotalEarningsCents     int64 `gorm:"not null;default:0"`

	// Rolling windows
	TodayConsultations int   `gorm:"not null;default:0"`
	TodayEarningsCents int64 `gorm:"not null;default:0"`
	WeekConsultations  int   `gorm:"not null;default:0"`
	WeekEarningsCents  int64 `gorm:"not null;default:0"`
	MonthConsultations int   `gorm:"not null;default:0"`
	MonthEarningsCents int64 `gorm:"not null;default:0"`
	WindowDate         time.Time // day the rolling windows were last advanced to

	// Performance
	AverageRating      float64 `gorm:"not null;default:0"`
	RatingCount        int     `gorm:"not null;default:0"`
	AvgResponseSeconds float64 `gorm:"not null;default:0"`
	ResponseCount      int     `gorm:"not null;default:0"`

	LastCompletedAt *time.Time
	UpdatedAt       time.Time
}

// Notification is a persisted, best-effort message to a user. Delivery
// beyond the in-process hub is an external system's concern.
type Notification struct {
	ID        uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index"`
	Kind      string    `gorm:"type:varchar(50);not null"`
	Title     string
	Message   string
	Payload   string `gorm:"type:jsonb;default:'{}'"`
	IsRead    bool   `gorm:"not null;default:false"`
	ReadAt    *time.Time
	CreatedAt time.Time
}

// Payment records the outcome of a charge attempt for a consultation.
// The gateway owns delivery guarantees; this core only records outcomes.
type Payment struct {
	ID                  uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	ConsultationID      uuid.UUID `gorm:"type:uuid;not null;index"`
	ClientID            uuid.UUID `gorm:"type:uuid;not null"`
	StripeSessionID     *string   `gorm:"uniqueIndex:ux_pay_session_filled"`
	StripePaymentIntent *string   `gorm:"uniqueIndex:ux_pay_intent_filled"`
	AmountCents         int64     `gorm:"not null"` // stored in cents to avoid float issues
	Status              PayStatus `gorm:"type:varchar(20);default:'initiated'"`
	CreatedAt           time.Time `gorm:"not null;default:now()"`
	UpdatedAt           time.Time `gorm:"not null;default:now()"`
}

// ConsultationHistory is an audit log entry for consultation changes.
// Every mutating operation writes one directly with an explicit actor.
type ConsultationHistory struct {
	ID             uuid.UUID          `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	ConsultationID uuid.UUID          `gorm:"type:uuid;not null;index"`
	ActorID        uuid.UUID          `gorm:"type:uuid;not null;index"`  // who performed the action (client/professional/staff/system)
	Action         string             `gorm:"type:varchar(50);not null"` // e.g. created, matched, accepted, rejected, cancelled, completed, expired
	OldStatus      ConsultationStatus `gorm:"type:varchar(20)"`
	NewStatus      ConsultationStatus `gorm:"type:varchar(20)"`
	Reason         string             `gorm:"type:text"`
	CreatedAt      time.Time          `gorm:"autoCreateTime"`
}

// All lists every entity for AutoMigrate.
func All() []any {
	return []any{
		&User{}, &ServiceCategory{}, &ProfessionalProfile{},
		&ConsultationRequest{}, &CallOffer{}, &ProfessionalStats{},
		&Notification{}, &Payment{}, &ConsultationHistory{},
	}
}
