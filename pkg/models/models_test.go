package models

import (
	"testing"
	"time"
)

// 150000 cents/hour for 30 minutes at a 20% commission:
// total 75000, fee 15000, earnings 60000.
func Test_RecalculatePricing_DerivesExactCents(t *testing.T) {
	cr := ConsultationRequest{
		HourlyRateCents: 150000,
		DurationMinutes: 30,
		CommissionRate:  20,
	}
	cr.RecalculatePricing()

	if cr.TotalCents != 75000 {
		t.Fatalf("total: want 75000, got %d", cr.TotalCents)
	}
	if cr.PlatformFeeCents != 15000 {
		t.Fatalf("fee: want 15000, got %d", cr.PlatformFeeCents)
	}
	if cr.ProfessionalEarningsCents != 60000 {
		t.Fatalf("earnings: want 60000, got %d", cr.ProfessionalEarningsCents)
	}
}

// fee + earnings must equal total exactly, whatever the inputs round to.
func Test_RecalculatePricing_InvariantHolds(t *testing.T) {
	cases := []struct {
		rate     int64
		duration int
		comm     float64
	}{
		{9999, 45, 17.5},
		{100001, 15, 12.34},
		{33333, 240, 20},
		{1, 15, 50},
		{123457, 75, 0},
	}
	for _, tc := range cases {
		cr := ConsultationRequest{
			HourlyRateCents: tc.rate,
			DurationMinutes: tc.duration,
			CommissionRate:  tc.comm,
		}
		cr.RecalculatePricing()
		if cr.PlatformFeeCents+cr.ProfessionalEarningsCents != cr.TotalCents {
			t.Fatalf("invariant broken for %+v: %d + %d != %d",
				tc, cr.PlatformFeeCents, cr.ProfessionalEarningsCents, cr.TotalCents)
		}
	}
}

// Recomputing with unchanged inputs must not drift.
func Test_RecalculatePricing_Idempotent(t *testing.T) {
	cr := ConsultationRequest{HourlyRateCents: 9999, DurationMinutes: 45, CommissionRate: 17.5}
	cr.RecalculatePricing()
	total, fee := cr.TotalCents, cr.PlatformFeeCents
	cr.RecalculatePricing()
	if cr.TotalCents != total || cr.PlatformFeeCents != fee {
		t.Fatalf("recompute drifted: %d/%d -> %d/%d", total, fee, cr.TotalCents, cr.PlatformFeeCents)
	}
}

// Without a rate or duration there is nothing to derive; zeros stay zeros.
func Test_RecalculatePricing_SkipsWhenUnpriced(t *testing.T) {
	cr := ConsultationRequest{DurationMinutes: 30, CommissionRate: 20}
	cr.RecalculatePricing()
	if cr.TotalCents != 0 || cr.PlatformFeeCents != 0 || cr.ProfessionalEarningsCents != 0 {
		t.Fatalf("unpriced request should stay zeroed, got %+v", cr)
	}
}

func Test_StatusIsTerminal(t *testing.T) {
	terminal := []ConsultationStatus{
		ConsultationCompleted, ConsultationCancelled, ConsultationRejected, ConsultationExpired,
	}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	open := []ConsultationStatus{
		ConsultationPending, ConsultationMatched, ConsultationAccepted,
		ConsultationScheduled, ConsultationInProgress,
	}
	for _, s := range open {
		if s.IsTerminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func Test_OfferOpen(t *testing.T) {
	for _, s := range []OfferStatus{OfferPending, OfferRinging} {
		o := CallOffer{Status: s, ExpiresAt: time.Now().Add(time.Minute)}
		if !o.Open() {
			t.Fatalf("%s offer should be open", s)
		}
	}
	for _, s := range []OfferStatus{OfferAccepted, OfferRejected, OfferMissed, OfferExpired, OfferCancelled} {
		o := CallOffer{Status: s}
		if o.Open() {
			t.Fatalf("%s offer should be closed", s)
		}
	}
}
