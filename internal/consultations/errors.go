package consultations

import (
	"errors"
	"fmt"

	"github.com/kwanzatech/consult-mp-backend/pkg/models"
)

// Error codes surfaced to API clients.
const (
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeOfferExpired      = "OFFER_EXPIRED"
	CodeOfferClosed       = "OFFER_CLOSED"
	CodePaymentRequired   = "PAYMENT_REQUIRED"
	CodeAlreadyRated      = "ALREADY_RATED"
)

// InvalidTransitionError reports a state-machine violation: the
// consultation is in From and the requested operation would move it to To.
type InvalidTransitionError struct {
	From models.ConsultationStatus
	To   models.ConsultationStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition consultation from %s to %s", e.From, e.To)
}

var (
	// ErrUnauthorized means the actor exists but has no business touching
	// this consultation or offer.
	ErrUnauthorized = errors.New("actor is not a participant of this consultation")

	// ErrOfferExpired is returned for a response that arrived after the
	// offer window closed. The offer and its consultation are expired as a
	// side effect.
	ErrOfferExpired = errors.New("offer has expired")

	// ErrOfferClosed is returned when the offer was already answered or
	// cancelled.
	ErrOfferClosed = errors.New("offer is no longer open")

	// ErrPaymentRequired blocks Start when payment confirmation is
	// enforced and missing.
	ErrPaymentRequired = errors.New("payment must be confirmed before the consultation can start")

	// ErrCategoryUnavailable is returned on create when the category does
	// not exist or is inactive.
	ErrCategoryUnavailable = errors.New("service category not found or inactive")

	// ErrDurationOutOfRange is returned on create when the requested
	// duration falls outside the category's bounds.
	ErrDurationOutOfRange = errors.New("duration is outside the category's allowed range")

	// ErrNotRatable is returned when rating anything but a completed
	// consultation.
	ErrNotRatable = errors.New("only completed consultations can be rated")

	// ErrAlreadyRated is returned when the consultation already carries a
	// rating. One rating per consultation.
	ErrAlreadyRated = errors.New("consultation has already been rated")
)
