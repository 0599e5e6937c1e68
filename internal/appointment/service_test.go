package appointment_test

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling/internal/apperr"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/notify"
	"github.com/hackgods/clinic-scheduling/internal/retry"
)

func bookConcurrently(t *testing.T, f *fixture, attempts int, date, clock string) (successes []*appointment.BookingResult, failures []error) {
	t.Helper()
	var (
		mu    sync.Mutex
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := f.svc.Book(context.Background(), f.request(date, clock), "")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			successes = append(successes, res)
		}()
	}
	close(start)
	wg.Wait()
	return successes, failures
}

func TestBook_NoOverbookingUnderConcurrency(t *testing.T) {
	for _, capacity := range []int{1, 3, 5} {
		t.Run(fmt.Sprintf("capacity %d", capacity), func(t *testing.T) {
			f := newFixture(t, capacity)

			ok, failed := bookConcurrently(t, f, capacity+1, testDate, "10:00")

			assert.Len(t, ok, capacity)
			require.Len(t, failed, 1)
			assert.Equal(t, apperr.KindSlotUnavailable, apperr.KindOf(failed[0]))

			got, err := f.resolver.GetAvailability(context.Background(), appointment.AvailabilityQuery{StartDate: testDate})
			require.NoError(t, err)
			slot, found := findSlot(got.Slots, f.provider.ID, testDate, "10:00")
			require.True(t, found)
			assert.Equal(t, capacity, slot.CurrentBookings)
			assert.LessOrEqual(t, slot.CurrentBookings, slot.MaxBookings)
			assert.False(t, slot.Available)
		})
	}
}

func TestBook_TwoRacersForLastSeat(t *testing.T) {
	f := newFixture(t, 1)

	ok, failed := bookConcurrently(t, f, 2, testDate, "09:00")

	require.Len(t, ok, 1)
	require.Len(t, failed, 1)
	assert.NotEmpty(t, ok[0].ConfirmationCode)
	assert.Equal(t, appointment.StatusPending, ok[0].Appointment.Status)
	assert.True(t, errors.Is(failed[0], apperr.ErrSlotUnavailable))
}

func TestBook_Validation(t *testing.T) {
	f := newFixture(t, 1)

	cases := map[string]func(r *appointment.BookingRequest){
		"missing name":     func(r *appointment.BookingRequest) { r.PatientName = "  " },
		"missing email":    func(r *appointment.BookingRequest) { r.PatientEmail = "" },
		"bad email":        func(r *appointment.BookingRequest) { r.PatientEmail = "not-an-email" },
		"missing service":  func(r *appointment.BookingRequest) { r.ServiceType = "" },
		"missing date":     func(r *appointment.BookingRequest) { r.PreferredDate = "" },
		"missing time":     func(r *appointment.BookingRequest) { r.PreferredTime = "" },
		"malformed time":   func(r *appointment.BookingRequest) { r.PreferredTime = "9am" },
		"malformed date":   func(r *appointment.BookingRequest) { r.PreferredDate = "20-10-2026" },
		"unknown provider": func(r *appointment.BookingRequest) { id := uuid.New(); r.ProviderID = &id },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := f.request(testDate, "09:00")
			mutate(&req)
			_, err := f.svc.Book(context.Background(), req, "")
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
	assert.Empty(t, f.repo.Events())
}

func TestBook_PastOrOffGridTimes(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.svc.Book(context.Background(), f.request("2026-10-01", "09:00"), "")
	assert.Equal(t, apperr.KindSlotUnavailable, apperr.KindOf(err))

	_, err = f.svc.Book(context.Background(), f.request(testDate, "12:00"), "")
	assert.Equal(t, apperr.KindSlotUnavailable, apperr.KindOf(err))

	_, err = f.svc.Book(context.Background(), f.request(testDate, "09:20"), "")
	assert.Equal(t, apperr.KindSlotUnavailable, apperr.KindOf(err))
}

func TestBook_AssignsFirstProviderWithRoom(t *testing.T) {
	f := newFixture(t, 1)
	second := appointment.Provider{ID: uuid.New(), Name: "Dr. Zane Kimani", Active: true}
	f.repo.AddProvider(second)
	f.repo.AddTemplate(appointment.WorkingHoursTemplate{
		ProviderID:  second.ID,
		Weekday:     weekdayOf(testDate),
		StartMinute: 9 * 60,
		EndMinute:   12 * 60,
		SlotMinutes: 60,
		MaxBookings: 1,
	})

	req := f.request(testDate, "09:00")
	req.ProviderID = nil

	first, err := f.svc.Book(context.Background(), req, "")
	require.NoError(t, err)
	assert.Equal(t, f.provider.ID, first.Appointment.ProviderID)

	next, err := f.svc.Book(context.Background(), req, "")
	require.NoError(t, err)
	assert.Equal(t, second.ID, next.Appointment.ProviderID)

	_, err = f.svc.Book(context.Background(), req, "")
	assert.Equal(t, apperr.KindSlotUnavailable, apperr.KindOf(err))
}

func TestBook_ProcedureLengthMatchesAdvertisedSlots(t *testing.T) {
	f := newFixture(t, 1)
	proc := appointment.Procedure{ID: uuid.New(), Name: "Consultation", DurationMinutes: 30}
	f.repo.AddProcedure(proc)
	f.repo.AddProvider(f.provider, proc.ID)

	got, err := f.resolver.GetAvailability(context.Background(), appointment.AvailabilityQuery{StartDate: testDate, ProcedureID: &proc.ID})
	require.NoError(t, err)
	slot, found := findSlot(got.Slots, f.provider.ID, testDate, "09:30")
	require.True(t, found)
	require.True(t, slot.Available)

	req := f.request(testDate, "09:30")
	req.ProcedureID = &proc.ID
	res, err := f.svc.Book(context.Background(), req, "")
	require.NoError(t, err)
	assert.Equal(t, 30, res.Appointment.DurationMinutes)
	assert.Equal(t, "10:00", res.Appointment.EndsAt().Format(appointment.TimeLayout))

	req.PreferredTime = "09:00"
	_, err = f.svc.Book(context.Background(), req, "")
	require.NoError(t, err)

	unknown := uuid.New()
	req.ProcedureID = &unknown
	req.PreferredTime = "10:00"
	_, err = f.svc.Book(context.Background(), req, "")
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestBook_DefaultLengthFollowsTemplate(t *testing.T) {
	f := newFixture(t, 1)
	short := appointment.Provider{ID: uuid.New(), Name: "Dr. Ines Duarte", Active: true}
	f.repo.AddProvider(short)
	f.repo.AddTemplate(appointment.WorkingHoursTemplate{
		ProviderID:  short.ID,
		Weekday:     weekdayOf(testDate),
		StartMinute: 9 * 60,
		EndMinute:   11 * 60,
		SlotMinutes: 30,
		MaxBookings: 1,
	})

	req := f.request(testDate, "09:30")
	req.ProviderID = &short.ID
	res, err := f.svc.Book(context.Background(), req, "")
	require.NoError(t, err)
	assert.Equal(t, 30, res.Appointment.DurationMinutes)

	req.PreferredTime = "10:00"
	_, err = f.svc.Book(context.Background(), req, "")
	require.NoError(t, err)
}

// downAppointmentsRepo fails every appointment lookup with a transient error.
type downAppointmentsRepo struct {
	*appointment.MemoryRepository
	calls atomic.Int32
}

func (r *downAppointmentsRepo) GetAppointmentByID(context.Context, uuid.UUID) (*appointment.Appointment, error) {
	r.calls.Add(1)
	return nil, apperr.Wrap(apperr.KindTransient, "get appointment", errors.New("connection refused"))
}

func TestService_ReadsUseConfiguredPolicy(t *testing.T) {
	var (
		down  *downAppointmentsRepo
		names []string
	)
	f := newFixture(t, 1, func(o *fixtureOpts) {
		down = &downAppointmentsRepo{MemoryRepository: o.repo.(*appointment.MemoryRepository)}
		o.repo = down
		o.serviceOptions = append(o.serviceOptions, appointment.WithServiceReadPolicy(func(name string) retry.Policy {
			names = append(names, name)
			p := retry.ReadPolicy(name)
			p.RetryCount = 1
			return p
		}))
	})

	_, err := f.svc.GetAppointment(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))
	assert.Equal(t, int32(2), down.calls.Load())
	assert.Equal(t, []string{"appointment.get"}, names)
}

func TestBook_IdempotencyKeyReplaysOriginal(t *testing.T) {
	idem := newMemIdempotency()
	f := newFixture(t, 5, func(o *fixtureOpts) { o.idem = idem })

	first, err := f.svc.Book(context.Background(), f.request(testDate, "09:00"), "key-1")
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	again, err := f.svc.Book(context.Background(), f.request(testDate, "09:00"), "key-1")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Appointment.ID, again.Appointment.ID)
	assert.Equal(t, first.ConfirmationCode, again.ConfirmationCode)

	got, err := f.resolver.GetAvailability(context.Background(), appointment.AvailabilityQuery{StartDate: testDate})
	require.NoError(t, err)
	slot, _ := findSlot(got.Slots, f.provider.ID, testDate, "09:00")
	assert.Equal(t, 1, slot.CurrentBookings)
}

func TestBook_FailedAttemptReleasesIdempotencyKey(t *testing.T) {
	idem := newMemIdempotency()
	f := newFixture(t, 1, func(o *fixtureOpts) { o.idem = idem })

	_, err := f.svc.Book(context.Background(), f.request(testDate, "12:00"), "key-2")
	require.Error(t, err)

	res, err := f.svc.Book(context.Background(), f.request(testDate, "11:00"), "key-2")
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

func TestBook_RetriesConfirmationCodeCollision(t *testing.T) {
	codes := []string{"SAMECODE", "SAMECODE", "FRESH234"}
	var mu sync.Mutex
	gen := func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}

	f := newFixture(t, 5)
	exec := retry.NewExecutor(zerolog.Nop(), retry.WithSleeper(noSleep))
	svc := appointment.NewService(f.repo, f.resolver, exec, zerolog.Nop(), appointment.WithClock(f.clock.Now), appointment.WithCodeGenerator(gen))

	first, err := svc.Book(context.Background(), f.request(testDate, "09:00"), "")
	require.NoError(t, err)
	assert.Equal(t, "SAMECODE", first.ConfirmationCode)

	second, err := svc.Book(context.Background(), f.request(testDate, "09:00"), "")
	require.NoError(t, err)
	assert.Equal(t, "FRESH234", second.ConfirmationCode)
}

func TestBook_PublishesChangeAndRoundTrips(t *testing.T) {
	cache := newMapCache()
	f := newFixture(t, 2, func(o *fixtureOpts) { o.cache = cache })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := appointment.AvailabilityQuery{StartDate: testDate}
	before, err := f.resolver.GetAvailability(ctx, q)
	require.NoError(t, err)
	slot, _ := findSlot(before.Slots, f.provider.ID, testDate, "09:00")
	require.Equal(t, 0, slot.CurrentBookings)

	events, _ := f.bus.Subscribe(ctx, notify.TopicAvailability)

	res, err := f.svc.Book(ctx, f.request(testDate, "09:00"), "")
	require.NoError(t, err)

	select {
	case evt := <-events:
		assert.Equal(t, notify.EventBooked, evt.Type)
		assert.Equal(t, res.Appointment.ID.String(), evt.AppointmentID)
		assert.Equal(t, testDate, evt.Date)
	case <-time.After(time.Second):
		t.Fatal("no availability event after booking")
	}

	after, err := f.resolver.GetAvailability(ctx, q)
	require.NoError(t, err)
	slot, _ = findSlot(after.Slots, f.provider.ID, testDate, "09:00")
	assert.Equal(t, 1, slot.CurrentBookings)
	assert.True(t, slot.Available)
	assert.Equal(t, 1, cache.invalidations)
}

func TestCancel_IsIdempotent(t *testing.T) {
	f := newFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	res, err := f.svc.Book(ctx, f.request(testDate, "09:00"), "")
	require.NoError(t, err)

	events, _ := f.bus.Subscribe(ctx, notify.TopicAppointments)
	reason := "feeling better"

	first, err := f.svc.Cancel(ctx, res.Appointment.ID, &reason)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, first.Status)

	second, err := f.svc.Cancel(ctx, res.Appointment.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, second.Status)
	require.NotNil(t, second.CancellationReason)
	assert.Equal(t, reason, *second.CancellationReason)

	cancelEvents := 0
	for _, ev := range f.repo.Events() {
		if ev.EventType == appointment.EventAppointmentCancelled {
			cancelEvents++
		}
	}
	assert.Equal(t, 1, cancelEvents)

	assert.Len(t, events, 1)

	// The seat is free again.
	_, err = f.svc.Book(ctx, f.request(testDate, "09:00"), "")
	assert.NoError(t, err)
}

func TestCancel_UnknownAndCompleted(t *testing.T) {
	f := newFixture(t, 1)

	_, err := f.svc.Cancel(context.Background(), uuid.New(), nil)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	res, err := f.svc.Book(context.Background(), f.request(testDate, "09:00"), "")
	require.NoError(t, err)
	_, err = f.svc.Confirm(context.Background(), res.Appointment.ID)
	require.NoError(t, err)
	_, err = f.svc.Complete(context.Background(), res.Appointment.ID)
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), res.Appointment.ID, nil)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to appointment.Status
		ok       bool
	}{
		{appointment.StatusPending, appointment.StatusConfirmed, true},
		{appointment.StatusPending, appointment.StatusCancelled, true},
		{appointment.StatusPending, appointment.StatusCompleted, false},
		{appointment.StatusConfirmed, appointment.StatusCompleted, true},
		{appointment.StatusConfirmed, appointment.StatusCancelled, true},
		{appointment.StatusConfirmed, appointment.StatusPending, false},
		{appointment.StatusCancelled, appointment.StatusPending, false},
		{appointment.StatusCancelled, appointment.StatusConfirmed, false},
		{appointment.StatusCompleted, appointment.StatusCancelled, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
	assert.True(t, appointment.StatusCancelled.Terminal())
	assert.True(t, appointment.StatusCompleted.Terminal())
	assert.False(t, appointment.StatusPending.Terminal())
}

func TestConfirm_RequiresPending(t *testing.T) {
	f := newFixture(t, 1)
	res, err := f.svc.Book(context.Background(), f.request(testDate, "09:00"), "")
	require.NoError(t, err)

	_, err = f.svc.Complete(context.Background(), res.Appointment.ID)
	assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))

	confirmed, err := f.svc.Confirm(context.Background(), res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmed, confirmed.Status)

	again, err := f.svc.Confirm(context.Background(), res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmed, again.Status)
}

func TestReschedule_MovesAppointment(t *testing.T) {
	f := newFixture(t, 1)
	res, err := f.svc.Book(context.Background(), f.request(testDate, "09:00"), "")
	require.NoError(t, err)

	moved, err := f.svc.Reschedule(context.Background(), res.Appointment.ID, appointment.RescheduleRequest{NewDate: testDate, NewTime: "11:00"})
	require.NoError(t, err)

	require.NotNil(t, moved.RescheduledFrom)
	assert.Equal(t, res.Appointment.ID, *moved.RescheduledFrom)
	assert.Equal(t, res.ConfirmationCode, moved.ConfirmationCode)
	assert.Equal(t, appointment.StatusPending, moved.Status)

	orig, err := f.svc.GetAppointment(context.Background(), res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, orig.Status)
	require.NotNil(t, orig.CancellationReason)
	assert.Equal(t, "rescheduled", *orig.CancellationReason)

	byCode, err := f.svc.LookupByCode(context.Background(), res.ConfirmationCode)
	require.NoError(t, err)
	assert.Equal(t, moved.ID, byCode.ID)

	got, err := f.resolver.GetAvailability(context.Background(), appointment.AvailabilityQuery{StartDate: testDate})
	require.NoError(t, err)
	nine, _ := findSlot(got.Slots, f.provider.ID, testDate, "09:00")
	eleven, _ := findSlot(got.Slots, f.provider.ID, testDate, "11:00")
	assert.True(t, nine.Available)
	assert.False(t, eleven.Available)
}

func TestReschedule_RejectsSameSlotAndFullSlot(t *testing.T) {
	f := newFixture(t, 1)
	res, err := f.svc.Book(context.Background(), f.request(testDate, "09:00"), "")
	require.NoError(t, err)
	_, err = f.svc.Book(context.Background(), f.request(testDate, "10:00"), "")
	require.NoError(t, err)

	_, err = f.svc.Reschedule(context.Background(), res.Appointment.ID, appointment.RescheduleRequest{NewDate: testDate, NewTime: "09:00"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.svc.Reschedule(context.Background(), res.Appointment.ID, appointment.RescheduleRequest{NewDate: testDate, NewTime: "10:00"})
	assert.Equal(t, apperr.KindSlotUnavailable, apperr.KindOf(err))

	_, err = f.svc.Reschedule(context.Background(), res.Appointment.ID, appointment.RescheduleRequest{NewDate: testDate})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

// racingRepo lets a competing booking land between the pre-check and the write.
type racingRepo struct {
	*appointment.MemoryRepository
	beforeReschedule func()
}

func (r *racingRepo) RescheduleIfCapacity(ctx context.Context, id uuid.UUID, expected appointment.Status, next *appointment.Appointment, max int) (*appointment.Appointment, error) {
	if r.beforeReschedule != nil {
		r.beforeReschedule()
	}
	return r.MemoryRepository.RescheduleIfCapacity(ctx, id, expected, next, max)
}

func TestReschedule_LosesRaceAndLeavesOriginalUntouched(t *testing.T) {
	var racer *racingRepo
	f := newFixture(t, 1, func(o *fixtureOpts) {
		racer = &racingRepo{MemoryRepository: o.repo.(*appointment.MemoryRepository)}
		o.repo = racer
	})

	res, err := f.svc.Book(context.Background(), f.request(testDate, "09:00"), "")
	require.NoError(t, err)

	day := mustDay(testDate)
	racer.beforeReschedule = func() {
		_, err := f.repo.InsertIfCapacity(context.Background(), &appointment.Appointment{
			PatientName: "Other Patient", PatientEmail: "other@example.com", ServiceType: "consultation",
			ProviderID: f.provider.ID, StartsAt: day.Add(11 * time.Hour), DurationMinutes: 60,
			Status: appointment.StatusPending, ConfirmationCode: "RACER234",
		}, 1)
		require.NoError(t, err)
	}

	_, err = f.svc.Reschedule(context.Background(), res.Appointment.ID, appointment.RescheduleRequest{NewDate: testDate, NewTime: "11:00"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindSlotUnavailable, apperr.KindOf(err))

	orig, err := f.svc.GetAppointment(context.Background(), res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPending, orig.Status)
	assert.Nil(t, orig.CancellationReason)
	assert.Equal(t, res.Appointment.StartsAt, orig.StartsAt)

	byCode, err := f.svc.LookupByCode(context.Background(), res.ConfirmationCode)
	require.NoError(t, err)
	assert.Equal(t, orig.ID, byCode.ID)
}

func TestReschedule_RequiresProviderOfferingProcedure(t *testing.T) {
	f := newFixture(t, 1)
	proc := appointment.Procedure{ID: uuid.New(), Name: "Follow-up", DurationMinutes: 60}
	f.repo.AddProcedure(proc)
	f.repo.AddProvider(f.provider, proc.ID)

	linked := appointment.Provider{ID: uuid.New(), Name: "Dr. Kofi Boateng", Active: true}
	unlinked := appointment.Provider{ID: uuid.New(), Name: "Dr. Lars Berg", Active: true}
	f.repo.AddProvider(linked, proc.ID)
	f.repo.AddProvider(unlinked)
	for _, p := range []appointment.Provider{linked, unlinked} {
		f.repo.AddTemplate(appointment.WorkingHoursTemplate{
			ProviderID:  p.ID,
			Weekday:     weekdayOf(testDate),
			StartMinute: 9 * 60,
			EndMinute:   12 * 60,
			SlotMinutes: 60,
			MaxBookings: 1,
		})
	}

	req := f.request(testDate, "09:00")
	req.ProcedureID = &proc.ID
	res, err := f.svc.Book(context.Background(), req, "")
	require.NoError(t, err)

	_, err = f.svc.Reschedule(context.Background(), res.Appointment.ID, appointment.RescheduleRequest{NewDate: testDate, NewTime: "10:00", ProviderID: &unlinked.ID})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	orig, err := f.svc.GetAppointment(context.Background(), res.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPending, orig.Status)

	moved, err := f.svc.Reschedule(context.Background(), res.Appointment.ID, appointment.RescheduleRequest{NewDate: testDate, NewTime: "10:00", ProviderID: &linked.ID})
	require.NoError(t, err)
	assert.Equal(t, linked.ID, moved.ProviderID)
}

func TestVerifyCode(t *testing.T) {
	f := newFixture(t, 1)
	res, err := f.svc.Book(context.Background(), f.request(testDate, "09:00"), "")
	require.NoError(t, err)

	assert.NoError(t, f.svc.VerifyCode(context.Background(), res.Appointment.ID, res.ConfirmationCode))
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(f.svc.VerifyCode(context.Background(), res.Appointment.ID, "WRONG234")))
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(f.svc.VerifyCode(context.Background(), uuid.New(), res.ConfirmationCode)))
}

func TestCompleteEnded(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	a, err := f.svc.Book(ctx, f.request(testDate, "09:00"), "")
	require.NoError(t, err)
	b, err := f.svc.Book(ctx, f.request(testDate, "11:00"), "")
	require.NoError(t, err)
	pending, err := f.svc.Book(ctx, f.request(testDate, "10:00"), "")
	require.NoError(t, err)

	_, err = f.svc.Confirm(ctx, a.Appointment.ID)
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, b.Appointment.ID)
	require.NoError(t, err)

	f.clock.Set(mustDay(testDate).Add(10*time.Hour + 30*time.Minute))
	done, err := f.svc.CompleteEnded(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, done)

	got, err := f.svc.GetAppointment(ctx, a.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCompleted, got.Status)

	got, err = f.svc.GetAppointment(ctx, b.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmed, got.Status)

	got, err = f.svc.GetAppointment(ctx, pending.Appointment.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPending, got.Status)
}

func TestNewConfirmationCode(t *testing.T) {
	pattern := regexp.MustCompile(`^[23456789ABCDEFGHJKMNPQRSTVWXYZ]{8}$`)
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		code, err := appointment.NewConfirmationCode()
		require.NoError(t, err)
		assert.Regexp(t, pattern, code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 195)
}
