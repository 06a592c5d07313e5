package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestAppointmentStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to AppointmentStatus
		want     bool
	}{
		{AppointmentStatusPending, AppointmentStatusBooked, true},
		{AppointmentStatusPending, AppointmentStatusCancelled, true},
		{AppointmentStatusBooked, AppointmentStatusCompleted, true},
		{AppointmentStatusBooked, AppointmentStatusCancelled, true},
		{AppointmentStatusBooked, AppointmentStatusPending, false},
		{AppointmentStatusCompleted, AppointmentStatusCancelled, false},
		{AppointmentStatusCancelled, AppointmentStatusBooked, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Fatalf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
	if !AppointmentStatusCancelled.Terminal() || AppointmentStatusBooked.Terminal() {
		t.Fatalf("unexpected terminal classification")
	}
}

func TestAppointmentFilterMatches(t *testing.T) {
	start := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	a := Appointment{
		ID:         uuid.MustParse("00000000-0000-0000-0000-00000000000a"),
		ProviderID: "p1",
		ClientID:   "c1",
		SessionID:  uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		Date:       "2024-06-03",
		StartTime:  start,
		EndTime:    start.Add(30 * time.Minute),
		Status:     AppointmentStatusBooked,
	}
	yes := true
	no := false
	before := start.Add(time.Hour)
	after := start.Add(time.Minute)
	atEnd := a.EndTime

	tests := []struct {
		name   string
		filter AppointmentFilter
		want   bool
	}{
		{name: "empty", filter: AppointmentFilter{}, want: true},
		{name: "provider", filter: AppointmentFilter{ProviderID: "p1"}, want: true},
		{name: "other client", filter: AppointmentFilter{ClientID: "c2"}, want: false},
		{name: "status set", filter: AppointmentFilter{Statuses: []AppointmentStatus{AppointmentStatusCompleted, AppointmentStatusBooked}}, want: true},
		{name: "status excluded", filter: AppointmentFilter{Statuses: []AppointmentStatus{AppointmentStatusCancelled}}, want: false},
		{name: "start from inclusive", filter: AppointmentFilter{StartFrom: &start}, want: true},
		{name: "start from later", filter: AppointmentFilter{StartFrom: &after}, want: false},
		{name: "end before", filter: AppointmentFilter{EndBefore: &before}, want: true},
		{name: "end before is strict", filter: AppointmentFilter{EndBefore: &atEnd}, want: false},
		{name: "refund pending", filter: AppointmentFilter{RefundPending: &yes}, want: false},
		{name: "not refund pending", filter: AppointmentFilter{RefundPending: &no}, want: true},
		{name: "ids", filter: AppointmentFilter{IDs: []uuid.UUID{uuid.New()}}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(a); got != tt.want {
				t.Fatalf("Matches = %v, want %v", got, tt.want)
			}
		})
	}
}
