package appointment_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling/internal/apperr"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

func TestGetAvailability_ExpandsTemplate(t *testing.T) {
	f := newFixture(t, 2)

	got, err := f.resolver.GetAvailability(context.Background(), appointment.AvailabilityQuery{StartDate: testDate})
	require.NoError(t, err)

	require.Len(t, got.Slots, 3)
	assert.Equal(t, []string{"09:00", "10:00", "11:00"}, []string{got.Slots[0].StartTime, got.Slots[1].StartTime, got.Slots[2].StartTime})
	for _, s := range got.Slots {
		assert.True(t, s.Available)
		assert.Equal(t, 2, s.MaxBookings)
		assert.Equal(t, 0, s.CurrentBookings)
		assert.Equal(t, "Dr. Ada Osei", s.ProviderName)
	}
	require.Len(t, got.Providers, 1)
	assert.Equal(t, f.provider.ID, got.Providers[0].ID)
}

func TestGetAvailability_MissingStartDateFailsFast(t *testing.T) {
	f := newFixture(t, 1)

	got, err := f.resolver.GetAvailability(context.Background(), appointment.AvailabilityQuery{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	require.NotNil(t, got)
	assert.Empty(t, got.Slots)
	assert.NotNil(t, got.Slots)
}

func TestGetAvailability_RejectsBadRanges(t *testing.T) {
	f := newFixture(t, 1)

	cases := map[string]appointment.AvailabilityQuery{
		"malformed start": {StartDate: "20/10/2026"},
		"end before start": {StartDate: testDate, EndDate: "2026-10-01"},
		"range too long":   {StartDate: testDate, EndDate: "2027-01-01"},
		"negative length":  {StartDate: testDate, DurationMinutes: -30},
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.resolver.GetAvailability(context.Background(), q)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
}

func TestGetAvailability_PartialTrailingSlotExcluded(t *testing.T) {
	f := newFixture(t, 1)

	// 09:00-12:00 with 45 minute slots: 09:00, 09:45, 10:30, 11:15 fit; nothing is cut short.
	got, err := f.resolver.GetAvailability(context.Background(), appointment.AvailabilityQuery{StartDate: testDate, DurationMinutes: 45})
	require.NoError(t, err)
	require.Len(t, got.Slots, 4)
	assert.Equal(t, "11:15", got.Slots[3].StartTime)
	assert.Equal(t, "12:00", got.Slots[3].EndTime)

	// 80 minute slots: 09:00-10:20, 10:20-11:40; 11:40-13:00 would overrun.
	got, err = f.resolver.GetAvailability(context.Background(), appointment.AvailabilityQuery{StartDate: testDate, DurationMinutes: 80})
	require.NoError(t, err)
	require.Len(t, got.Slots, 2)
	assert.Equal(t, "11:40", got.Slots[1].EndTime)
}

func TestGetAvailability_NowBoundary(t *testing.T) {
	f := newFixture(t, 1)
	day := mustDay(testDate)
	q := appointment.AvailabilityQuery{StartDate: testDate}

	t.Run("slot starting now is excluded", func(t *testing.T) {
		f.clock.Set(day.Add(9 * time.Hour))
		got, err := f.resolver.GetAvailability(context.Background(), q)
		require.NoError(t, err)
		slot, ok := findSlot(got.Slots, f.provider.ID, testDate, "09:00")
		require.True(t, ok)
		assert.False(t, slot.Available)
	})

	t.Run("slot one minute ahead is included", func(t *testing.T) {
		f.clock.Set(day.Add(9*time.Hour - time.Minute))
		got, err := f.resolver.GetAvailability(context.Background(), q)
		require.NoError(t, err)
		slot, ok := findSlot(got.Slots, f.provider.ID, testDate, "09:00")
		require.True(t, ok)
		assert.True(t, slot.Available)
	})
}

func TestGetAvailability_BlockedPeriod(t *testing.T) {
	f := newFixture(t, 3)
	day := mustDay(testDate)
	f.repo.AddBlockedPeriod(appointment.BlockedPeriod{
		ProviderID: f.provider.ID,
		StartsAt:   day.Add(10*time.Hour + 30*time.Minute),
		EndsAt:     day.Add(11 * time.Hour),
		Reason:     "staff meeting",
	})

	got, err := f.resolver.GetAvailability(context.Background(), appointment.AvailabilityQuery{StartDate: testDate})
	require.NoError(t, err)

	slot, ok := findSlot(got.Slots, f.provider.ID, testDate, "10:00")
	require.True(t, ok)
	assert.False(t, slot.Available)
	assert.True(t, slot.Blocked)
	assert.Equal(t, 0, slot.MaxBookings)

	slot, ok = findSlot(got.Slots, f.provider.ID, testDate, "11:00")
	require.True(t, ok)
	assert.True(t, slot.Available)

	_, err = f.svc.Book(context.Background(), f.request(testDate, "10:00"), "")
	assert.Equal(t, apperr.KindSlotUnavailable, apperr.KindOf(err))
}

func TestGetAvailability_DateOverrideReplacesWeekday(t *testing.T) {
	f := newFixture(t, 1)
	override := mustDay(testDate)
	f.repo.AddTemplate(appointment.WorkingHoursTemplate{
		ProviderID:  f.provider.ID,
		Date:        &override,
		StartMinute: 14 * 60,
		EndMinute:   15 * 60,
		SlotMinutes: 30,
		MaxBookings: 4,
	})

	got, err := f.resolver.GetAvailability(context.Background(), appointment.AvailabilityQuery{StartDate: testDate})
	require.NoError(t, err)
	require.Len(t, got.Slots, 2)
	assert.Equal(t, "14:00", got.Slots[0].StartTime)
	assert.Equal(t, "14:30", got.Slots[1].StartTime)
	assert.Equal(t, 4, got.Slots[0].MaxBookings)
}

func TestGetAvailability_ProcedureFiltersProvidersAndSetsLength(t *testing.T) {
	f := newFixture(t, 1)
	proc := appointment.Procedure{ID: uuid.New(), Name: "Skin check", DurationMinutes: 90}
	f.repo.AddProcedure(proc)

	other := appointment.Provider{ID: uuid.New(), Name: "Dr. Bola Ade", Active: true}
	f.repo.AddProvider(other, proc.ID)
	f.repo.AddTemplate(appointment.WorkingHoursTemplate{
		ProviderID:  other.ID,
		Weekday:     weekdayOf(testDate),
		StartMinute: 9 * 60,
		EndMinute:   12 * 60,
		SlotMinutes: 60,
		MaxBookings: 1,
	})

	got, err := f.resolver.GetAvailability(context.Background(), appointment.AvailabilityQuery{StartDate: testDate, ProcedureID: &proc.ID})
	require.NoError(t, err)
	require.Len(t, got.Providers, 1)
	assert.Equal(t, other.ID, got.Providers[0].ID)
	require.Len(t, got.Slots, 2)
	assert.Equal(t, "10:30", got.Slots[0].EndTime)
}

func TestGetAvailability_CountsPeakOccupancy(t *testing.T) {
	half := func(f *fixture, clock string) error {
		req := f.request(testDate, clock)
		req.DurationMinutes = 30
		_, err := f.svc.Book(context.Background(), req, "")
		return err
	}

	t.Run("back to back halves fill a single seat", func(t *testing.T) {
		f := newFixture(t, 1)
		require.NoError(t, half(f, "09:00"))
		require.NoError(t, half(f, "09:30"))

		got, err := f.resolver.GetAvailability(context.Background(), appointment.AvailabilityQuery{StartDate: testDate})
		require.NoError(t, err)
		slot, found := findSlot(got.Slots, f.provider.ID, testDate, "09:00")
		require.True(t, found)
		assert.Equal(t, 1, slot.CurrentBookings)
		assert.Equal(t, 1, slot.MaxBookings)
		assert.False(t, slot.Available)

		_, err = f.svc.Book(context.Background(), f.request(testDate, "09:00"), "")
		assert.Equal(t, apperr.KindSlotUnavailable, apperr.KindOf(err))
	})

	t.Run("advertised room can be booked", func(t *testing.T) {
		f := newFixture(t, 2)
		require.NoError(t, half(f, "09:00"))
		require.NoError(t, half(f, "09:30"))

		got, err := f.resolver.GetAvailability(context.Background(), appointment.AvailabilityQuery{StartDate: testDate})
		require.NoError(t, err)
		slot, _ := findSlot(got.Slots, f.provider.ID, testDate, "09:00")
		require.True(t, slot.Available)
		assert.Equal(t, 1, slot.CurrentBookings)

		_, err = f.svc.Book(context.Background(), f.request(testDate, "09:00"), "")
		require.NoError(t, err)

		got, err = f.resolver.GetAvailability(context.Background(), appointment.AvailabilityQuery{StartDate: testDate})
		require.NoError(t, err)
		slot, _ = findSlot(got.Slots, f.provider.ID, testDate, "09:00")
		assert.Equal(t, 2, slot.CurrentBookings)
		assert.LessOrEqual(t, slot.CurrentBookings, slot.MaxBookings)
		assert.False(t, slot.Available)
	})
}

func TestGetAvailability_UnknownProvider(t *testing.T) {
	f := newFixture(t, 1)
	id := uuid.New()

	got, err := f.resolver.GetAvailability(context.Background(), appointment.AvailabilityQuery{StartDate: testDate, ProviderID: &id})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Empty(t, got.Slots)
}

func TestGetAvailability_MultiDayRangeSkipsNonWorkingDays(t *testing.T) {
	f := newFixture(t, 1)

	got, err := f.resolver.GetAvailability(context.Background(), appointment.AvailabilityQuery{StartDate: testDate, EndDate: "2026-10-27"})
	require.NoError(t, err)
	require.Len(t, got.Slots, 6)
	assert.Equal(t, testDate, got.Slots[0].Date)
	assert.Equal(t, "2026-10-27", got.Slots[5].Date)
}

type flakyRepo struct {
	*appointment.MemoryRepository
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyRepo) ListTemplates(ctx context.Context, ids []uuid.UUID) ([]appointment.WorkingHoursTemplate, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, apperr.Wrap(apperr.KindTransient, "list templates", errors.New("connection reset by peer"))
	}
	return f.MemoryRepository.ListTemplates(ctx, ids)
}

func TestGetAvailability_RetriesTransientReads(t *testing.T) {
	var flaky *flakyRepo
	f := newFixture(t, 1, func(o *fixtureOpts) {
		flaky = &flakyRepo{MemoryRepository: o.repo.(*appointment.MemoryRepository)}
		flaky.failures.Store(2)
		o.repo = flaky
	})

	got, err := f.resolver.GetAvailability(context.Background(), appointment.AvailabilityQuery{StartDate: testDate})
	require.NoError(t, err)
	assert.Len(t, got.Slots, 3)
	assert.Equal(t, int32(3), flaky.calls.Load())
}

func TestGetAvailability_ExhaustedRetriesReturnEmptyWithError(t *testing.T) {
	var flaky *flakyRepo
	f := newFixture(t, 1, func(o *fixtureOpts) {
		flaky = &flakyRepo{MemoryRepository: o.repo.(*appointment.MemoryRepository)}
		flaky.failures.Store(100)
		o.repo = flaky
	})

	got, err := f.resolver.GetAvailability(context.Background(), appointment.AvailabilityQuery{StartDate: testDate})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrTransient))
	assert.Contains(t, apperr.Message(err), "temporarily unavailable")
	require.NotNil(t, got)
	assert.Empty(t, got.Slots)
	assert.Equal(t, int32(4), flaky.calls.Load())
}

// gatedRepo parks template reads until release is closed.
type gatedRepo struct {
	*appointment.MemoryRepository
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedRepo) ListTemplates(ctx context.Context, ids []uuid.UUID) ([]appointment.WorkingHoursTemplate, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.MemoryRepository.ListTemplates(ctx, ids)
}

func TestGetAvailability_SharedReadSurvivesOneCallerLeaving(t *testing.T) {
	var gated *gatedRepo
	f := newFixture(t, 1, func(o *fixtureOpts) {
		gated = &gatedRepo{
			MemoryRepository: o.repo.(*appointment.MemoryRepository),
			entered:          make(chan struct{}),
			release:          make(chan struct{}),
		}
		o.repo = gated
	})
	q := appointment.AvailabilityQuery{StartDate: testDate}

	leavingCtx, leave := context.WithCancel(context.Background())
	leaving := make(chan error, 1)
	go func() {
		_, err := f.resolver.GetAvailability(leavingCtx, q)
		leaving <- err
	}()
	<-gated.entered

	type result struct {
		got *appointment.Availability
		err error
	}
	staying := make(chan result, 1)
	go func() {
		got, err := f.resolver.GetAvailability(context.Background(), q)
		staying <- result{got, err}
	}()
	time.Sleep(20 * time.Millisecond)

	leave()
	assert.Error(t, <-leaving)

	close(gated.release)
	res := <-staying
	require.NoError(t, res.err)
	assert.Len(t, res.got.Slots, 3)
}

func TestGetAvailability_CacheServesUntilInvalidated(t *testing.T) {
	cache := newMapCache()
	f := newFixture(t, 2, func(o *fixtureOpts) { o.cache = cache })
	q := appointment.AvailabilityQuery{StartDate: testDate}

	_, err := f.resolver.GetAvailability(context.Background(), q)
	require.NoError(t, err)

	// A write that bypasses the coordinator is invisible while cached.
	day := mustDay(testDate)
	_, err = f.repo.InsertIfCapacity(context.Background(), &appointment.Appointment{
		PatientName: "x", PatientEmail: "x@example.com", ServiceType: "x",
		ProviderID: f.provider.ID, StartsAt: day.Add(9 * time.Hour), DurationMinutes: 60,
		Status: appointment.StatusPending, ConfirmationCode: "DIRECT01",
	}, 2)
	require.NoError(t, err)

	got, err := f.resolver.GetAvailability(context.Background(), q)
	require.NoError(t, err)
	slot, _ := findSlot(got.Slots, f.provider.ID, testDate, "09:00")
	assert.Equal(t, 0, slot.CurrentBookings)

	require.NoError(t, cache.Invalidate(context.Background()))
	got, err = f.resolver.GetAvailability(context.Background(), q)
	require.NoError(t, err)
	slot, _ = findSlot(got.Slots, f.provider.ID, testDate, "09:00")
	assert.Equal(t, 1, slot.CurrentBookings)
}

func TestGetAvailability_CachedSlotsExpireWithTheClock(t *testing.T) {
	cache := newMapCache()
	f := newFixture(t, 1, func(o *fixtureOpts) { o.cache = cache })
	q := appointment.AvailabilityQuery{StartDate: testDate}

	_, err := f.resolver.GetAvailability(context.Background(), q)
	require.NoError(t, err)

	f.clock.Set(mustDay(testDate).Add(10 * time.Hour))
	got, err := f.resolver.GetAvailability(context.Background(), q)
	require.NoError(t, err)

	slot, _ := findSlot(got.Slots, f.provider.ID, testDate, "10:00")
	assert.False(t, slot.Available)
	slot, _ = findSlot(got.Slots, f.provider.ID, testDate, "11:00")
	assert.True(t, slot.Available)
}
