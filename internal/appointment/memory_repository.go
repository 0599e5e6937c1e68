package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps everything in process. Its mutex plays the role of
// the database transaction, so it is only suitable for tests and single
// process development runs.
type MemoryRepository struct {
	mu                 sync.Mutex
	providers          map[uuid.UUID]Provider
	procedures         map[uuid.UUID]Procedure
	providerProcedures map[uuid.UUID]map[uuid.UUID]struct{}
	templates          []WorkingHoursTemplate
	blocked            []BlockedPeriod
	appointments       map[uuid.UUID]*Appointment
	events             []EventLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		providers:          make(map[uuid.UUID]Provider),
		procedures:         make(map[uuid.UUID]Procedure),
		providerProcedures: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		appointments:       make(map[uuid.UUID]*Appointment),
	}
}

func (r *MemoryRepository) AddProvider(p Provider, procedureIDs ...uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID] = p
	for _, id := range procedureIDs {
		if r.providerProcedures[id] == nil {
			r.providerProcedures[id] = make(map[uuid.UUID]struct{})
		}
		r.providerProcedures[id][p.ID] = struct{}{}
	}
}

func (r *MemoryRepository) AddProcedure(p Procedure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procedures[p.ID] = p
}

func (r *MemoryRepository) AddTemplate(t WorkingHoursTemplate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	r.templates = append(r.templates, t)
}

func (r *MemoryRepository) AddBlockedPeriod(b BlockedPeriod) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	r.blocked = append(r.blocked, b)
}

// Events returns a copy of the event log.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventLog(nil), r.events...)
}

func (r *MemoryRepository) ListProviders(_ context.Context, procedureID *uuid.UUID) ([]Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Provider
	for _, p := range r.providers {
		if !p.Active {
			continue
		}
		if procedureID != nil {
			if _, ok := r.providerProcedures[*procedureID][p.ID]; !ok {
				continue
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *MemoryRepository) GetProvider(_ context.Context, id uuid.UUID) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetProcedure(_ context.Context, id uuid.UUID) (*Procedure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procedures[id]
	if !ok {
		return nil, ErrProcedureNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) ListTemplates(_ context.Context, providerIDs []uuid.UUID) ([]WorkingHoursTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := idSet(providerIDs)
	var out []WorkingHoursTemplate
	for _, t := range r.templates {
		if _, ok := want[t.ProviderID]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListBlockedPeriods(_ context.Context, providerIDs []uuid.UUID, from, to time.Time) ([]BlockedPeriod, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := idSet(providerIDs)
	var out []BlockedPeriod
	for _, b := range r.blocked {
		if _, ok := want[b.ProviderID]; ok && overlaps(b.StartsAt, b.EndsAt, from, to) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListActiveAppointments(_ context.Context, providerIDs []uuid.UUID, from, to time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := idSet(providerIDs)
	var out []Appointment
	for _, a := range r.appointments {
		if _, ok := want[a.ProviderID]; !ok || a.Status == StatusCancelled {
			continue
		}
		if overlaps(a.StartsAt, a.EndsAt(), from, to) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *MemoryRepository) InsertIfCapacity(_ context.Context, appt *Appointment, maxBookings int) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(appt, maxBookings)
}

func (r *MemoryRepository) RescheduleIfCapacity(_ context.Context, originalID uuid.UUID, expected Status, next *Appointment, maxBookings int) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	orig, ok := r.appointments[originalID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if orig.Status != expected {
		return nil, ErrStatusChanged
	}

	// Cancel first so the original does not count against its own new slot,
	// and restore it if the insert fails.
	saved := *orig
	reason := "rescheduled"
	orig.Status = StatusCancelled
	orig.CancellationReason = &reason
	orig.UpdatedAt = time.Now().UTC()

	created, err := r.insertLocked(next, maxBookings)
	if err != nil {
		*orig = saved
		return nil, err
	}
	return created, nil
}

func (r *MemoryRepository) insertLocked(appt *Appointment, maxBookings int) (*Appointment, error) {
	end := appt.EndsAt()
	for _, b := range r.blocked {
		if b.ProviderID == appt.ProviderID && overlaps(b.StartsAt, b.EndsAt, appt.StartsAt, end) {
			return nil, ErrSlotFull
		}
	}

	live := make([]Appointment, 0, len(r.appointments))
	for _, a := range r.appointments {
		if a.Status == StatusCancelled {
			continue
		}
		if a.ConfirmationCode == appt.ConfirmationCode {
			return nil, ErrDuplicateCode
		}
		live = append(live, *a)
	}
	if peakOccupancy(live, appt.ProviderID, appt.StartsAt, end) >= maxBookings {
		return nil, ErrSlotFull
	}

	created := *appt
	if created.ID == uuid.Nil {
		created.ID = uuid.New()
	}
	now := time.Now().UTC()
	created.CreatedAt, created.UpdatedAt = now, now
	r.appointments[created.ID] = &created

	out := created
	return &out, nil
}

func (r *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := *a
	return &out, nil
}

func (r *MemoryRepository) GetAppointmentByCode(_ context.Context, code string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *Appointment
	for _, a := range r.appointments {
		if a.ConfirmationCode != code {
			continue
		}
		if best == nil || betterCodeMatch(a, best) {
			best = a
		}
	}
	if best == nil {
		return nil, ErrAppointmentNotFound
	}
	out := *best
	return &out, nil
}

// betterCodeMatch prefers the live appointment, then the newest.
func betterCodeMatch(a, b *Appointment) bool {
	aLive, bLive := a.Status != StatusCancelled, b.Status != StatusCancelled
	if aLive != bLive {
		return aLive
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (r *MemoryRepository) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to Status, reason *string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, ErrStatusChanged
	}
	a.Status = to
	if reason != nil {
		a.CancellationReason = reason
	}
	a.UpdatedAt = time.Now().UTC()
	out := *a
	return &out, nil
}

func (r *MemoryRepository) FindConfirmedEndedBefore(_ context.Context, now time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appointments {
		if a.Status == StatusConfirmed && !a.EndsAt().After(now) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = int64(len(r.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	r.events = append(r.events, ev)
	return nil
}

func idSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
