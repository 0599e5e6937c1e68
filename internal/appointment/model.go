package appointment

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"

	DefaultSlotMinutes = 60
	MaxRangeDays       = 31
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// A reschedule is a cancel of the original plus a new row pointing back at it.
var transitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled},
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

type Provider struct {
	ID             uuid.UUID
	Name           string
	Title          string
	Specialization string
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Procedure struct {
	ID              uuid.UUID
	Name            string
	DurationMinutes int
}

// WorkingHoursTemplate applies to a weekday, or to one date when Date is set.
// Times are minutes from midnight in the clinic's location.
type WorkingHoursTemplate struct {
	ID          uuid.UUID
	ProviderID  uuid.UUID
	Weekday     *time.Weekday
	Date        *time.Time
	StartMinute int
	EndMinute   int
	SlotMinutes int
	MaxBookings int
}

func (t WorkingHoursTemplate) appliesOn(day time.Time) bool {
	if t.Date != nil {
		return sameDate(*t.Date, day)
	}
	return t.Weekday != nil && *t.Weekday == day.Weekday()
}

type BlockedPeriod struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	StartsAt   time.Time
	EndsAt     time.Time
	Reason     string
}

type Appointment struct {
	ID                 uuid.UUID
	PatientName        string
	PatientEmail       string
	PatientPhone       *string
	ServiceType        string
	ProcedureID        *uuid.UUID
	ProviderID         uuid.UUID
	StartsAt           time.Time
	DurationMinutes    int
	Status             Status
	ConfirmationCode   string
	CancellationReason *string
	RescheduledFrom    *uuid.UUID
	Notes              *string
	AppointmentType    *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (a Appointment) EndsAt() time.Time {
	return a.StartsAt.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// TimeSlot is derived on demand and never stored.
type TimeSlot struct {
	Date            string    `json:"date"`
	StartTime       string    `json:"startTime"`
	EndTime         string    `json:"endTime"`
	ProviderID      uuid.UUID `json:"providerId"`
	ProviderName    string    `json:"providerName"`
	Available       bool      `json:"available"`
	CurrentBookings int       `json:"currentBookings"`
	MaxBookings     int       `json:"maxBookings"`
	Blocked         bool      `json:"blocked,omitempty"`

	StartsAt time.Time `json:"-"`
	EndsAt   time.Time `json:"-"`
}

type AvailabilityQuery struct {
	ProviderID      *uuid.UUID
	ProcedureID     *uuid.UUID
	StartDate       string
	EndDate         string
	DurationMinutes int
}

// Key identifies the query for caching and in-flight de-duplication.
func (q AvailabilityQuery) Key() string {
	var b strings.Builder
	b.WriteString("p=")
	if q.ProviderID != nil {
		b.WriteString(q.ProviderID.String())
	}
	b.WriteString(";proc=")
	if q.ProcedureID != nil {
		b.WriteString(q.ProcedureID.String())
	}
	fmt.Fprintf(&b, ";from=%s;to=%s;d=%d", q.StartDate, q.EndDate, q.DurationMinutes)
	return b.String()
}

type Availability struct {
	Slots     []TimeSlot `json:"slots"`
	Providers []Provider `json:"providers"`
}

type BookingRequest struct {
	PatientName     string
	PatientEmail    string
	PatientPhone    *string
	ServiceType     string
	ProcedureID     *uuid.UUID
	ProviderID      *uuid.UUID
	PreferredDate   string
	PreferredTime   string
	DurationMinutes int
	Notes           *string
	AppointmentType *string
}

type BookingResult struct {
	Appointment      *Appointment
	ConfirmationCode string
	// Replayed is set when an idempotency key matched an earlier booking.
	Replayed bool
}

type RescheduleRequest struct {
	NewDate    string
	NewTime    string
	ProviderID *uuid.UUID
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// atMinute places minute-of-day m on day in loc.
func atMinute(day time.Time, m int, loc *time.Location) time.Time {
	y, mo, d := day.Date()
	return time.Date(y, mo, d, 0, m, 0, 0, loc)
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout, strings.TrimSpace(s), loc)
}

// ParseTimeOfDay parses "HH:MM" into minutes from midnight.
func ParseTimeOfDay(s string) (int, error) {
	t, err := time.Parse(TimeLayout, strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// FormatMinute renders minutes from midnight as "HH:MM".
func FormatMinute(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// peakOccupancy returns the largest number of live appointments with
// providerID that overlap any single instant of [start, end). Back-to-back
// bookings share a boundary without overlapping.
func peakOccupancy(appts []Appointment, providerID uuid.UUID, start, end time.Time) int {
	type edge struct {
		at    time.Time
		delta int
	}
	var edges []edge
	for _, a := range appts {
		if a.ProviderID != providerID || a.Status == StatusCancelled || !overlaps(a.StartsAt, a.EndsAt(), start, end) {
			continue
		}
		from, to := a.StartsAt, a.EndsAt()
		if from.Before(start) {
			from = start
		}
		if to.After(end) {
			to = end
		}
		edges = append(edges, edge{from, 1}, edge{to, -1})
	}
	sort.Slice(edges, func(i, j int) bool {
		if !edges[i].at.Equal(edges[j].at) {
			return edges[i].at.Before(edges[j].at)
		}
		return edges[i].delta < edges[j].delta
	})

	current, peak := 0, 0
	for _, e := range edges {
		current += e.delta
		if current > peak {
			peak = current
		}
	}
	return peak
}
