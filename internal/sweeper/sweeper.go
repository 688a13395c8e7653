package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kwanzatech/consult-mp-backend/internal/consultations"
	"github.com/kwanzatech/consult-mp-backend/internal/matching"
	"github.com/kwanzatech/consult-mp-backend/pkg/models"
)

// Sweeper periodically closes call offers whose window has elapsed. Expiry
// itself goes through the lifecycle so row locking and the rematch policy
// stay in one place; the sweeper only finds the overdue rows.
type Sweeper struct {
	db        *gorm.DB
	lifecycle *consultations.Lifecycle
	matcher   *matching.Matcher
	interval  time.Duration
	stopChan  chan struct{}
}

func New(db *gorm.DB, lifecycle *consultations.Lifecycle, matcher *matching.Matcher, interval time.Duration) *Sweeper {
	return &Sweeper{
		db:        db,
		lifecycle: lifecycle,
		matcher:   matcher,
		interval:  interval,
		stopChan:  make(chan struct{}),
	}
}

// Start launches the sweep loop in its own goroutine.
func (s *Sweeper) Start() {
	go s.run()
	log.Printf("sweeper: started (interval %s)", s.interval)
}

// Stop terminates the loop. Safe to call once.
func (s *Sweeper) Stop() {
	close(s.stopChan)
	log.Println("sweeper: stopped")
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n, err := s.SweepOnce(context.Background()); err != nil {
				log.Printf("sweeper: sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("sweeper: expired %d offer(s)", n)
			}
		case <-s.stopChan:
			return
		}
	}
}

// SweepOnce expires every overdue open offer and returns how many it
// closed. Requests flagged for rematch get one fresh matching round.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	type row struct {
		ID             uuid.UUID
		ConsultationID uuid.UUID
	}
	var due []row
	err := s.db.WithContext(ctx).Model(&models.CallOffer{}).
		Select("id, consultation_id").
		Where("status IN ? AND expires_at < ?",
			[]models.OfferStatus{models.OfferPending, models.OfferRinging}, time.Now()).
		Scan(&due).Error
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, r := range due {
		requeued, err := s.lifecycle.ExpireOffer(ctx, r.ID)
		if err != nil {
			log.Printf("sweeper: expire offer %s: %v", r.ID, err)
			continue
		}
		expired++

		if requeued && s.matcher != nil {
			if _, err := s.matcher.Match(ctx, r.ConsultationID, uuid.Nil); err != nil {
				log.Printf("sweeper: rematch %s: %v", r.ConsultationID, err)
			}
		}
	}
	return expired, nil
}
