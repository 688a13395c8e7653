package stats

import (
	"testing"
	"time"

	"github.com/kwanzatech/consult-mp-backend/pkg/models"
)

func statRow(window time.Time) *models.ProfessionalStats {
	return &models.ProfessionalStats{
		TodayConsultations: 2, TodayEarningsCents: 200,
		WeekConsultations: 5, WeekEarningsCents: 500,
		MonthConsultations: 9, MonthEarningsCents: 900,
		WindowDate: window,
	}
}

func Test_RollWindows_SameDayKeepsEverything(t *testing.T) {
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	st := statRow(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC))
	rollWindows(st, now)
	if st.TodayConsultations != 2 || st.WeekConsultations != 5 || st.MonthConsultations != 9 {
		t.Fatalf("same-day roll should be a no-op: %+v", st)
	}
}

func Test_RollWindows_NextDayResetsTodayOnly(t *testing.T) {
	// Tue -> Wed of the same ISO week and month.
	st := statRow(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC))
	rollWindows(st, time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC))
	if st.TodayConsultations != 0 || st.TodayEarningsCents != 0 {
		t.Fatalf("today window should reset: %+v", st)
	}
	if st.WeekConsultations != 5 || st.MonthConsultations != 9 {
		t.Fatalf("week/month should survive a day change: %+v", st)
	}
}

func Test_RollWindows_NewWeekResetsWeek(t *testing.T) {
	// Sunday -> Monday crosses the ISO week boundary.
	st := statRow(time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC))
	rollWindows(st, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC))
	if st.WeekConsultations != 0 || st.WeekEarningsCents != 0 {
		t.Fatalf("week window should reset: %+v", st)
	}
	if st.MonthConsultations != 9 {
		t.Fatalf("month should survive a week change: %+v", st)
	}
}

func Test_RollWindows_NewMonthResetsMonth(t *testing.T) {
	st := statRow(time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC))
	rollWindows(st, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	if st.MonthConsultations != 0 || st.MonthEarningsCents != 0 {
		t.Fatalf("month window should reset: %+v", st)
	}
	if st.TodayConsultations != 0 {
		t.Fatalf("today should also reset on any new day: %+v", st)
	}
}
