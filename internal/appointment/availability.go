package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/apperr"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
	"github.com/hackgods/clinic-scheduling/internal/retry"
)

// Resolver turns working-hours templates, blocked periods and existing
// bookings into bookable slots. It never writes.
type Resolver struct {
	repo    Repository
	exec    *retry.Executor
	policy  retry.Policy
	cache   AvailabilityCache
	metrics *metrics.Collector
	loc     *time.Location
	now     func() time.Time
	log     zerolog.Logger
}

type ResolverOption func(*Resolver)

func WithCache(c AvailabilityCache) ResolverOption {
	return func(r *Resolver) { r.cache = c }
}

func WithResolverMetrics(m *metrics.Collector) ResolverOption {
	return func(r *Resolver) { r.metrics = m }
}

func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

// WithReadPolicy overrides the retry policy used for storage reads.
func WithReadPolicy(p retry.Policy) ResolverOption {
	return func(r *Resolver) { r.policy = p }
}

func NewResolver(repo Repository, exec *retry.Executor, loc *time.Location, log zerolog.Logger, opts ...ResolverOption) *Resolver {
	if loc == nil {
		loc = time.UTC
	}
	r := &Resolver{
		repo:   repo,
		exec:   exec,
		policy: retry.ReadPolicy("availability.load"),
		loc:    loc,
		now:    time.Now,
		log:    log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Resolver) Location() *time.Location {
	return r.loc
}

type parsedQuery struct {
	providerID  *uuid.UUID
	procedureID *uuid.UUID
	days        []time.Time
	from, to    time.Time
	duration    int
}

type snapshot struct {
	providers    []Provider
	templates    []WorkingHoursTemplate
	blocked      []BlockedPeriod
	appointments []Appointment
	duration     int
}

func emptyAvailability() *Availability {
	return &Availability{Slots: []TimeSlot{}, Providers: []Provider{}}
}

// GetAvailability resolves q into slots. On failure it returns an empty,
// non-nil result together with the error so callers can render something.
func (r *Resolver) GetAvailability(ctx context.Context, q AvailabilityQuery) (*Availability, error) {
	started := time.Now()
	defer func() { r.metrics.ObserveAvailability(time.Since(started)) }()

	pq, err := r.parseQuery(q)
	if err != nil {
		r.log.Warn().Err(err).Str("query", q.Key()).Msg("rejected availability query")
		return emptyAvailability(), err
	}

	key := q.Key()
	cached, version, ok := r.fromCache(ctx, key)
	if ok {
		return cached, nil
	}

	snap, err := retry.Shared(ctx, r.exec, "availability:"+key, r.policy, func(ctx context.Context) (*snapshot, error) {
		return r.load(ctx, pq)
	})
	if err != nil {
		r.log.Error().
			Err(err).
			Str("query", key).
			Str("kind", string(apperr.KindOf(err))).
			Msg("availability lookup failed")
		return emptyAvailability(), describe(err)
	}

	result := r.compute(snap, pq, r.now())
	r.toCache(ctx, version, result)
	return result, nil
}

func describe(err error) error {
	kind := apperr.KindOf(err)
	msg := "could not load availability"
	switch kind {
	case apperr.KindTransient:
		msg = "availability is temporarily unavailable, please try again"
	case apperr.KindNotFound, apperr.KindValidation:
		return err
	}
	return &apperr.Error{Kind: kind, Op: "get availability", Message: msg, Err: err}
}

func (r *Resolver) parseQuery(q AvailabilityQuery) (parsedQuery, error) {
	const op = "get availability"
	var pq parsedQuery

	if q.StartDate == "" {
		return pq, apperr.Validation(op, "startDate is required")
	}
	from, err := parseDate(q.StartDate, r.loc)
	if err != nil {
		return pq, apperr.Validation(op, "startDate must be YYYY-MM-DD")
	}
	to := from
	if q.EndDate != "" {
		if to, err = parseDate(q.EndDate, r.loc); err != nil {
			return pq, apperr.Validation(op, "endDate must be YYYY-MM-DD")
		}
	}
	if to.Before(from) {
		return pq, apperr.Validation(op, "endDate is before startDate")
	}
	if q.DurationMinutes < 0 || q.DurationMinutes > 24*60 {
		return pq, apperr.Validation(op, "durationMinutes must be between 1 and 1440")
	}

	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		pq.days = append(pq.days, d)
		if len(pq.days) > MaxRangeDays {
			return pq, apperr.Validation(op, "date range is limited to 31 days")
		}
	}

	pq.providerID = q.ProviderID
	pq.procedureID = q.ProcedureID
	pq.from = from
	pq.to = to.AddDate(0, 0, 1)
	pq.duration = q.DurationMinutes
	return pq, nil
}

func (r *Resolver) load(ctx context.Context, pq parsedQuery) (*snapshot, error) {
	const op = "get availability"
	snap := &snapshot{duration: pq.duration}

	switch {
	case pq.providerID != nil:
		p, err := r.repo.GetProvider(ctx, *pq.providerID)
		if errors.Is(err, ErrProviderNotFound) || (err == nil && !p.Active) {
			return nil, &apperr.Error{Kind: apperr.KindNotFound, Op: op, Message: "provider not found", Err: ErrProviderNotFound}
		}
		if err != nil {
			return nil, err
		}
		snap.providers = []Provider{*p}
	default:
		providers, err := r.repo.ListProviders(ctx, pq.procedureID)
		if err != nil {
			return nil, err
		}
		snap.providers = providers
	}

	if pq.procedureID != nil && snap.duration == 0 {
		proc, err := r.repo.GetProcedure(ctx, *pq.procedureID)
		if errors.Is(err, ErrProcedureNotFound) {
			return nil, &apperr.Error{Kind: apperr.KindNotFound, Op: op, Message: "procedure not found", Err: err}
		}
		if err != nil {
			return nil, err
		}
		snap.duration = proc.DurationMinutes
	}

	if len(snap.providers) == 0 {
		return snap, nil
	}

	ids := make([]uuid.UUID, len(snap.providers))
	for i, p := range snap.providers {
		ids[i] = p.ID
	}

	var err error
	if snap.templates, err = r.repo.ListTemplates(ctx, ids); err != nil {
		return nil, err
	}
	if snap.blocked, err = r.repo.ListBlockedPeriods(ctx, ids, pq.from, pq.to); err != nil {
		return nil, err
	}
	if snap.appointments, err = r.repo.ListActiveAppointments(ctx, ids, pq.from, pq.to); err != nil {
		return nil, err
	}
	return snap, nil
}

func (r *Resolver) compute(snap *snapshot, pq parsedQuery, now time.Time) *Availability {
	out := &Availability{
		Slots:     []TimeSlot{},
		Providers: append([]Provider{}, snap.providers...),
	}

	for _, p := range snap.providers {
		for _, day := range pq.days {
			for _, t := range templatesFor(snap.templates, p.ID, day) {
				width := slotWidth(snap.duration, t)
				// A trailing partial slot is dropped, never shortened.
				for m := t.StartMinute; m+width <= t.EndMinute; m += width {
					start := atMinute(day, m, r.loc)
					end := atMinute(day, m+width, r.loc)
					out.Slots = append(out.Slots, buildSlot(p, t, start, end, snap, now, r.loc))
				}
			}
		}
	}

	sort.SliceStable(out.Slots, func(i, j int) bool {
		a, b := out.Slots[i], out.Slots[j]
		if !a.StartsAt.Equal(b.StartsAt) {
			return a.StartsAt.Before(b.StartsAt)
		}
		return a.ProviderName < b.ProviderName
	})
	return out
}

func buildSlot(p Provider, t WorkingHoursTemplate, start, end time.Time, snap *snapshot, now time.Time, loc *time.Location) TimeSlot {
	slot := TimeSlot{
		Date:         start.In(loc).Format(DateLayout),
		StartTime:    start.In(loc).Format(TimeLayout),
		EndTime:      end.In(loc).Format(TimeLayout),
		ProviderID:   p.ID,
		ProviderName: p.Name,
		MaxBookings:  t.MaxBookings,
		StartsAt:     start,
		EndsAt:       end,
	}

	for _, b := range snap.blocked {
		if b.ProviderID == p.ID && overlaps(b.StartsAt, b.EndsAt, start, end) {
			slot.Blocked = true
			slot.MaxBookings = 0
			break
		}
	}
	slot.CurrentBookings = peakOccupancy(snap.appointments, p.ID, start, end)

	slot.Available = slot.CurrentBookings < slot.MaxBookings && !slot.Blocked && start.After(now)
	return slot
}

// templatesFor returns the templates governing day: date overrides win over
// the weekday schedule.
func templatesFor(all []WorkingHoursTemplate, providerID uuid.UUID, day time.Time) []WorkingHoursTemplate {
	var overrides, weekly []WorkingHoursTemplate
	for _, t := range all {
		if t.ProviderID != providerID || !t.appliesOn(day) {
			continue
		}
		if t.Date != nil {
			overrides = append(overrides, t)
		} else {
			weekly = append(weekly, t)
		}
	}
	chosen := weekly
	if len(overrides) > 0 {
		chosen = overrides
	}
	sort.Slice(chosen, func(i, j int) bool { return chosen[i].StartMinute < chosen[j].StartMinute })
	return chosen
}

func slotWidth(requested int, t WorkingHoursTemplate) int {
	switch {
	case requested > 0:
		return requested
	case t.SlotMinutes > 0:
		return t.SlotMinutes
	default:
		return DefaultSlotMinutes
	}
}

// SlotCapacity returns maxBookings and the booked length in minutes for a
// booking at start with the given provider, or zero capacity when it is not a
// bookable slot. A zero duration takes the governing template's slot length,
// the same grid GetAvailability shows without a duration. The result is
// advisory input for the conditional write, which re-checks occupancy.
func (r *Resolver) SlotCapacity(ctx context.Context, providerID uuid.UUID, start time.Time, duration int) (int, int, error) {
	if !start.After(r.now()) {
		return 0, 0, nil
	}

	ids := []uuid.UUID{providerID}
	templates, err := retry.Do(ctx, r.exec, r.policy, func(ctx context.Context) ([]WorkingHoursTemplate, error) {
		return r.repo.ListTemplates(ctx, ids)
	})
	if err != nil {
		return 0, 0, err
	}

	local := start.In(r.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, r.loc)
	minute := local.Hour()*60 + local.Minute()
	for _, t := range templatesFor(templates, providerID, day) {
		width := slotWidth(duration, t)
		if minute < t.StartMinute || minute+width > t.EndMinute {
			continue
		}
		offset := minute - t.StartMinute
		if offset%width != 0 && offset%slotWidth(0, t) != 0 {
			continue
		}

		end := start.Add(time.Duration(width) * time.Minute)
		blocked, err := retry.Do(ctx, r.exec, r.policy, func(ctx context.Context) ([]BlockedPeriod, error) {
			return r.repo.ListBlockedPeriods(ctx, ids, start, end)
		})
		if err != nil {
			return 0, 0, err
		}
		if len(blocked) > 0 {
			return 0, width, nil
		}
		return t.MaxBookings, width, nil
	}
	return 0, 0, nil
}

// fromCache also returns the versioned key a fresh result must be stored
// under, fixed before the load so a concurrent invalidation wins.
func (r *Resolver) fromCache(ctx context.Context, key string) (*Availability, string, bool) {
	if r.cache == nil {
		return nil, "", false
	}
	data, version, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.metrics.CacheLookup("error")
		r.log.Warn().Err(err).Str("query", key).Msg("availability cache read failed")
		return nil, "", false
	}
	if !ok {
		r.metrics.CacheLookup("miss")
		return nil, version, false
	}

	var a Availability
	if err := json.Unmarshal(data, &a); err != nil {
		r.metrics.CacheLookup("error")
		r.log.Warn().Err(err).Str("query", key).Msg("discarding undecodable cache entry")
		return nil, version, false
	}
	r.metrics.CacheLookup("hit")

	// Entries may outlive the moment a slot starts.
	now := r.now()
	for i := range a.Slots {
		s := &a.Slots[i]
		start, err := time.ParseInLocation(DateLayout+" "+TimeLayout, s.Date+" "+s.StartTime, r.loc)
		if err != nil {
			return nil, version, false
		}
		s.StartsAt = start
		if s.Available && !start.After(now) {
			s.Available = false
		}
	}
	if a.Slots == nil {
		a.Slots = []TimeSlot{}
	}
	if a.Providers == nil {
		a.Providers = []Provider{}
	}
	return &a, version, true
}

func (r *Resolver) toCache(ctx context.Context, version string, a *Availability) {
	if r.cache == nil || version == "" {
		return
	}
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, version, data); err != nil {
		r.log.Warn().Err(err).Str("key", version).Msg("availability cache write failed")
	}
}
