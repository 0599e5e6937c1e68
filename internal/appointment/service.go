package appointment

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/apperr"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
	"github.com/hackgods/clinic-scheduling/internal/notify"
	"github.com/hackgods/clinic-scheduling/internal/retry"
)

const (
	EventAppointmentBooked      = "APPOINTMENT_BOOKED"
	EventAppointmentConfirmed   = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventAppointmentCompleted   = "APPOINTMENT_COMPLETED"
)

const (
	maxCodeAttempts      = 3
	maxFieldLength       = 200
	defaultMutationLimit = 5 * time.Second
	rescheduledReason    = "rescheduled"
)

// Service is the booking coordinator and the single writer of appointment
// state. It holds no locks of its own: concurrent writers on any number of
// instances are serialized by the repository's conditional writes.
type Service struct {
	repo     Repository
	resolver *Resolver
	exec     *retry.Executor
	notifier notify.Publisher
	cache    AvailabilityCache
	idem     IdempotencyStore
	metrics  *metrics.Collector
	log      zerolog.Logger
	now      func() time.Time
	codes    func() (string, error)
	reads    func(name string) retry.Policy

	mutationTimeout time.Duration
}

type ServiceOption func(*Service)

func WithNotifier(p notify.Publisher) ServiceOption {
	return func(s *Service) { s.notifier = p }
}

// WithCacheInvalidation bumps c after every successful mutation.
func WithCacheInvalidation(c AvailabilityCache) ServiceOption {
	return func(s *Service) { s.cache = c }
}

func WithIdempotency(store IdempotencyStore) ServiceOption {
	return func(s *Service) { s.idem = store }
}

func WithMetrics(m *metrics.Collector) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithCodeGenerator(gen func() (string, error)) ServiceOption {
	return func(s *Service) { s.codes = gen }
}

// WithServiceReadPolicy sets the retry policy for the coordinator's own
// storage reads.
func WithServiceReadPolicy(p func(name string) retry.Policy) ServiceOption {
	return func(s *Service) {
		if p != nil {
			s.reads = p
		}
	}
}

func WithMutationTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.mutationTimeout = d
		}
	}
}

func NewService(repo Repository, resolver *Resolver, exec *retry.Executor, log zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		repo:            repo,
		resolver:        resolver,
		exec:            exec,
		log:             log,
		now:             time.Now,
		codes:           NewConfirmationCode,
		reads:           retry.ReadPolicy,
		mutationTimeout: defaultMutationLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Book creates a pending appointment if the requested slot still has room at
// write time. idemKey may be empty.
func (s *Service) Book(ctx context.Context, req BookingRequest, idemKey string) (*BookingResult, error) {
	const op = "book"

	start, duration, err := s.validateBooking(&req)
	if err == nil && duration == 0 && req.ProcedureID != nil {
		duration, err = s.procedureDuration(ctx, *req.ProcedureID)
	}
	if err != nil {
		s.metrics.Booking(bookingResult(err))
		s.log.Warn().Err(err).Str("op", op).Str("date", req.PreferredDate).Str("time", req.PreferredTime).Msg("booking rejected")
		return nil, err
	}

	if idemKey != "" && s.idem != nil {
		existing, reserved, err := s.idem.Reserve(ctx, idemKey)
		if err != nil {
			s.metrics.Booking(metrics.ResultError)
			return nil, err
		}
		if !reserved {
			return s.replay(ctx, existing)
		}
	}

	result, err := s.book(ctx, req, start, duration)
	if err != nil {
		if idemKey != "" && s.idem != nil && apperr.KindOf(err) != apperr.KindAmbiguousOutcome {
			if relErr := s.idem.Release(ctx, idemKey); relErr != nil {
				s.log.Warn().Err(relErr).Str("idempotency_key", idemKey).Msg("release idempotency key")
			}
		}
		s.metrics.Booking(bookingResult(err))
		s.log.Warn().
			Err(err).
			Str("op", op).
			Str("kind", string(apperr.KindOf(err))).
			Str("date", req.PreferredDate).
			Str("time", req.PreferredTime).
			Msg("booking failed")
		return nil, err
	}

	if idemKey != "" && s.idem != nil {
		if err := s.idem.Complete(ctx, idemKey, result.Appointment.ID.String()); err != nil {
			s.log.Warn().Err(err).Str("idempotency_key", idemKey).Msg("record idempotency key")
		}
	}

	s.metrics.Booking(metrics.ResultSuccess)
	appt := result.Appointment
	s.logEvent(ctx, appt.ID, EventAppointmentBooked, map[string]any{
		"provider_id": appt.ProviderID.String(),
		"starts_at":   appt.StartsAt,
		"duration":    appt.DurationMinutes,
	})
	s.afterChange(ctx, notify.EventBooked, appt)

	s.log.Info().
		Str("appointment_id", appt.ID.String()).
		Str("provider_id", appt.ProviderID.String()).
		Time("starts_at", appt.StartsAt).
		Msg("appointment booked")
	return result, nil
}

func (s *Service) replay(ctx context.Context, existing string) (*BookingResult, error) {
	id, err := uuid.Parse(existing)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "book", errors.New("a request with this idempotency key is still in progress"))
	}
	appt, err := s.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	s.metrics.Booking(metrics.ResultReplayed)
	return &BookingResult{Appointment: appt, ConfirmationCode: appt.ConfirmationCode, Replayed: true}, nil
}

func (s *Service) book(ctx context.Context, req BookingRequest, start time.Time, duration int) (*BookingResult, error) {
	const op = "book"

	candidates, err := s.candidates(ctx, req)
	if err != nil {
		return nil, err
	}

	for _, p := range candidates {
		capacity, minutes, err := s.resolver.SlotCapacity(ctx, p.ID, start, duration)
		if err != nil {
			return nil, err
		}
		if capacity <= 0 {
			continue
		}

		appt := &Appointment{
			PatientName:     req.PatientName,
			PatientEmail:    req.PatientEmail,
			PatientPhone:    req.PatientPhone,
			ServiceType:     req.ServiceType,
			ProcedureID:     req.ProcedureID,
			ProviderID:      p.ID,
			StartsAt:        start,
			DurationMinutes: minutes,
			Status:          StatusPending,
			Notes:           req.Notes,
			AppointmentType: req.AppointmentType,
		}

		created, err := s.writeWithCode(ctx, appt, func(ctx context.Context, a *Appointment) (*Appointment, error) {
			return s.repo.InsertIfCapacity(ctx, a, capacity)
		})
		if errors.Is(err, ErrSlotFull) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &BookingResult{Appointment: created, ConfirmationCode: created.ConfirmationCode}, nil
	}

	return nil, apperr.SlotUnavailable(op, "the selected time is no longer available, please refresh availability and pick another time")
}

// writeWithCode runs a conditional write, drawing a new confirmation code
// when the previous one collided.
func (s *Service) writeWithCode(ctx context.Context, appt *Appointment, write func(context.Context, *Appointment) (*Appointment, error)) (*Appointment, error) {
	keepCode := appt.ConfirmationCode != ""
	for attempt := 1; ; attempt++ {
		if !keepCode {
			code, err := s.codes()
			if err != nil {
				return nil, apperr.Wrap(apperr.KindInternal, "book", err)
			}
			appt.ConfirmationCode = code
		}

		created, err := retry.Do(ctx, s.exec, retry.MutationPolicy("appointment.write", s.mutationTimeout), func(ctx context.Context) (*Appointment, error) {
			return write(ctx, appt)
		})
		if errors.Is(err, ErrDuplicateCode) && attempt < maxCodeAttempts {
			keepCode = false
			continue
		}
		return created, err
	}
}

func (s *Service) candidates(ctx context.Context, req BookingRequest) ([]Provider, error) {
	const op = "book"
	if req.ProviderID != nil {
		p, err := retry.Do(ctx, s.exec, s.reads("provider.get"), func(ctx context.Context) (*Provider, error) {
			return s.repo.GetProvider(ctx, *req.ProviderID)
		})
		if errors.Is(err, ErrProviderNotFound) || (err == nil && !p.Active) {
			return nil, apperr.Validation(op, "providerId does not match an active provider")
		}
		if err != nil {
			return nil, err
		}
		if req.ProcedureID != nil {
			if err := s.checkOffers(ctx, op, p.ID, *req.ProcedureID); err != nil {
				return nil, err
			}
		}
		return []Provider{*p}, nil
	}

	return s.ListProviders(ctx, req.ProcedureID)
}

// ListProviders returns active providers ordered by name, optionally only
// those offering procedureID.
func (s *Service) ListProviders(ctx context.Context, procedureID *uuid.UUID) ([]Provider, error) {
	return retry.Do(ctx, s.exec, s.reads("provider.list"), func(ctx context.Context) ([]Provider, error) {
		return s.repo.ListProviders(ctx, procedureID)
	})
}

func (s *Service) validateBooking(req *BookingRequest) (time.Time, int, error) {
	const op = "book"

	req.PatientName = strings.TrimSpace(req.PatientName)
	req.PatientEmail = strings.TrimSpace(req.PatientEmail)
	req.ServiceType = strings.TrimSpace(req.ServiceType)

	var missing []string
	for _, f := range []struct{ name, value string }{
		{"patientName", req.PatientName},
		{"patientEmail", req.PatientEmail},
		{"serviceType", req.ServiceType},
		{"preferredDate", req.PreferredDate},
		{"preferredTime", req.PreferredTime},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return time.Time{}, 0, apperr.Validation(op, "missing required fields: "+strings.Join(missing, ", "))
	}
	if len(req.PatientName) > maxFieldLength || len(req.ServiceType) > maxFieldLength {
		return time.Time{}, 0, apperr.Validation(op, "patientName and serviceType must be at most 200 characters")
	}
	if addr, err := mail.ParseAddress(req.PatientEmail); err != nil || addr.Address != req.PatientEmail {
		return time.Time{}, 0, apperr.Validation(op, "patientEmail is not a valid email address")
	}
	if req.DurationMinutes < 0 || req.DurationMinutes > 24*60 {
		return time.Time{}, 0, apperr.Validation(op, "durationMinutes must be between 1 and 1440")
	}

	start, err := s.parseSlot(op, req.PreferredDate, req.PreferredTime)
	if err != nil {
		return time.Time{}, 0, err
	}

	return start, req.DurationMinutes, nil
}

// procedureDuration is the booking length when the request names a procedure
// but no explicit duration, matching what GetAvailability advertises.
func (s *Service) procedureDuration(ctx context.Context, procedureID uuid.UUID) (int, error) {
	proc, err := retry.Do(ctx, s.exec, s.reads("procedure.get"), func(ctx context.Context) (*Procedure, error) {
		return s.repo.GetProcedure(ctx, procedureID)
	})
	if errors.Is(err, ErrProcedureNotFound) {
		return 0, apperr.Validation("book", "procedureId does not match a known procedure")
	}
	if err != nil {
		return 0, err
	}
	return proc.DurationMinutes, nil
}

func (s *Service) parseSlot(op, date, clock string) (time.Time, error) {
	day, err := parseDate(date, s.resolver.Location())
	if err != nil {
		return time.Time{}, apperr.Validation(op, "date must be YYYY-MM-DD")
	}
	minute, err := ParseTimeOfDay(clock)
	if err != nil {
		return time.Time{}, apperr.Validation(op, "time must be HH:MM")
	}
	start := atMinute(day, minute, s.resolver.Location())
	if !start.After(s.now()) {
		return time.Time{}, apperr.SlotUnavailable(op, "the selected time has already passed")
	}
	return start, nil
}

func bookingResult(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindSlotUnavailable:
		return metrics.ResultSlotUnavailable
	case apperr.KindValidation:
		return metrics.ResultValidation
	case apperr.KindAmbiguousOutcome:
		return metrics.ResultAmbiguous
	default:
		return metrics.ResultError
	}
}

// Cancel moves the appointment to cancelled. Cancelling an already cancelled
// appointment succeeds and changes nothing.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason *string) (*Appointment, error) {
	if reason != nil {
		trimmed := strings.TrimSpace(*reason)
		if len(trimmed) > maxFieldLength*5 {
			return nil, apperr.Validation("cancel", "reason must be at most 1000 characters")
		}
		reason = &trimmed
	}

	appt, changed, err := s.transition(ctx, "cancel", id, StatusCancelled, reason)
	if err != nil {
		return nil, err
	}
	if !changed {
		return appt, nil
	}

	s.metrics.Cancelled()
	payload := map[string]any{}
	if reason != nil {
		payload["reason"] = *reason
	}
	s.logEvent(ctx, appt.ID, EventAppointmentCancelled, payload)
	s.afterChange(ctx, notify.EventCancelled, appt)
	return appt, nil
}

// Confirm moves a pending appointment to confirmed.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, changed, err := s.transition(ctx, "confirm", id, StatusConfirmed, nil)
	if err != nil {
		return nil, err
	}
	if changed {
		s.logEvent(ctx, appt.ID, EventAppointmentConfirmed, map[string]any{})
		s.afterChange(ctx, notify.EventConfirmed, appt)
	}
	return appt, nil
}

// Complete moves a confirmed appointment to completed.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, changed, err := s.transition(ctx, "complete", id, StatusCompleted, nil)
	if err != nil {
		return nil, err
	}
	if changed {
		s.logEvent(ctx, appt.ID, EventAppointmentCompleted, map[string]any{})
		s.afterChange(ctx, notify.EventCompleted, appt)
	}
	return appt, nil
}

// transition applies a guarded status change. Repeating a transition that
// already happened reports changed=false instead of an error.
func (s *Service) transition(ctx context.Context, op string, id uuid.UUID, to Status, reason *string) (*Appointment, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		current, err := s.GetAppointment(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if current.Status == to {
			return current, false, nil
		}
		if !current.Status.CanTransitionTo(to) {
			return nil, false, apperr.New(apperr.KindInvalidTransition, op,
				fmt.Sprintf("cannot move appointment from %s to %s", current.Status, to))
		}

		updated, err := retry.Do(ctx, s.exec, retry.MutationPolicy("appointment."+op, s.mutationTimeout), func(ctx context.Context) (*Appointment, error) {
			return s.repo.UpdateAppointmentStatus(ctx, id, current.Status, to, reason)
		})
		if errors.Is(err, ErrStatusChanged) {
			continue
		}
		if err != nil {
			s.log.Error().Err(err).Str("op", op).Str("appointment_id", id.String()).Msg("status update failed")
			return nil, false, err
		}
		s.metrics.Transition(string(to))
		return updated, true, nil
	}
	return nil, false, apperr.New(apperr.KindInvalidTransition, op, "appointment was modified concurrently, please reload it")
}

// Reschedule moves an appointment to a new slot. The original is cancelled
// with a forward reference from the new row; on any failure it is left as is.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, req RescheduleRequest) (*Appointment, error) {
	const op = "reschedule"

	if strings.TrimSpace(req.NewDate) == "" || strings.TrimSpace(req.NewTime) == "" {
		return nil, apperr.Validation(op, "newDate and newTime are required")
	}
	start, err := s.parseSlot(op, req.NewDate, req.NewTime)
	if err != nil {
		s.metrics.Reschedule(bookingResult(err))
		return nil, err
	}

	orig, err := s.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !orig.Status.CanTransitionTo(StatusCancelled) {
		return nil, apperr.New(apperr.KindInvalidTransition, op, fmt.Sprintf("a %s appointment cannot be rescheduled", orig.Status))
	}

	providerID := orig.ProviderID
	if req.ProviderID != nil {
		providerID = *req.ProviderID
	}
	if providerID == orig.ProviderID && start.Equal(orig.StartsAt) {
		return nil, apperr.Validation(op, "the appointment is already at that time")
	}
	if providerID != orig.ProviderID && orig.ProcedureID != nil {
		if err := s.checkOffers(ctx, op, providerID, *orig.ProcedureID); err != nil {
			s.metrics.Reschedule(bookingResult(err))
			return nil, err
		}
	}

	if err := s.precheck(ctx, providerID, start, orig.DurationMinutes); err != nil {
		s.metrics.Reschedule(bookingResult(err))
		return nil, err
	}

	capacity, _, err := s.resolver.SlotCapacity(ctx, providerID, start, orig.DurationMinutes)
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		s.metrics.Reschedule(metrics.ResultSlotUnavailable)
		return nil, apperr.SlotUnavailable(op, "the selected time is not available, please pick another time")
	}

	origID := orig.ID
	next := &Appointment{
		PatientName:      orig.PatientName,
		PatientEmail:     orig.PatientEmail,
		PatientPhone:     orig.PatientPhone,
		ServiceType:      orig.ServiceType,
		ProcedureID:      orig.ProcedureID,
		ProviderID:       providerID,
		StartsAt:         start,
		DurationMinutes:  orig.DurationMinutes,
		Status:           orig.Status,
		ConfirmationCode: orig.ConfirmationCode,
		RescheduledFrom:  &origID,
		Notes:            orig.Notes,
		AppointmentType:  orig.AppointmentType,
	}

	created, err := s.writeWithCode(ctx, next, func(ctx context.Context, a *Appointment) (*Appointment, error) {
		return s.repo.RescheduleIfCapacity(ctx, orig.ID, orig.Status, a, capacity)
	})
	switch {
	case errors.Is(err, ErrSlotFull):
		s.metrics.Reschedule(metrics.ResultSlotUnavailable)
		return nil, apperr.SlotUnavailable(op, "the selected time was just taken, please refresh availability and pick another time")
	case errors.Is(err, ErrStatusChanged):
		return nil, apperr.New(apperr.KindInvalidTransition, op, "appointment was modified concurrently, please reload it")
	case errors.Is(err, ErrAppointmentNotFound):
		return nil, apperr.NotFound(op, "appointment not found")
	case err != nil:
		s.metrics.Reschedule(bookingResult(err))
		s.log.Error().Err(err).Str("op", op).Str("appointment_id", id.String()).Msg("reschedule write failed")
		return nil, err
	}

	s.metrics.Reschedule(metrics.ResultSuccess)
	s.logEvent(ctx, orig.ID, EventAppointmentCancelled, map[string]any{"reason": rescheduledReason, "replaced_by": created.ID.String()})
	s.logEvent(ctx, created.ID, EventAppointmentRescheduled, map[string]any{
		"rescheduled_from": orig.ID.String(),
		"provider_id":      providerID.String(),
		"starts_at":        start,
	})
	s.afterChange(ctx, notify.EventRescheduled, orig)
	if orig.ProviderID != providerID || !sameDate(orig.StartsAt.In(s.resolver.Location()), start.In(s.resolver.Location())) {
		s.afterChange(ctx, notify.EventRescheduled, created)
	}
	return created, nil
}

// checkOffers rejects a provider that is not linked to the procedure.
func (s *Service) checkOffers(ctx context.Context, op string, providerID, procedureID uuid.UUID) error {
	providers, err := s.ListProviders(ctx, &procedureID)
	if err != nil {
		return err
	}
	for _, p := range providers {
		if p.ID == providerID {
			return nil
		}
	}
	return apperr.Validation(op, "providerId does not offer the requested procedure")
}

// precheck asks the resolver whether the target slot currently shows as
// available. It only short-circuits; the conditional write decides.
func (s *Service) precheck(ctx context.Context, providerID uuid.UUID, start time.Time, duration int) error {
	const op = "reschedule"
	loc := s.resolver.Location()
	local := start.In(loc)

	avail, err := s.resolver.GetAvailability(ctx, AvailabilityQuery{
		ProviderID:      &providerID,
		StartDate:       local.Format(DateLayout),
		DurationMinutes: duration,
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return apperr.Validation(op, "providerId does not match an active provider")
		}
		return err
	}
	for _, slot := range avail.Slots {
		if slot.ProviderID == providerID && slot.StartTime == local.Format(TimeLayout) {
			if slot.Available {
				return nil
			}
			return apperr.SlotUnavailable(op, "the selected time is not available, please pick another time")
		}
	}
	return apperr.SlotUnavailable(op, "the selected time is not a bookable slot")
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := retry.Do(ctx, s.exec, s.reads("appointment.get"), func(ctx context.Context) (*Appointment, error) {
		return s.repo.GetAppointmentByID(ctx, id)
	})
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, apperr.NotFound("get appointment", "appointment not found")
	}
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// LookupByCode finds the live appointment for a confirmation code, falling
// back to the most recent cancelled one.
func (s *Service) LookupByCode(ctx context.Context, code string) (*Appointment, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, apperr.Validation("lookup", "confirmation code is required")
	}
	appt, err := retry.Do(ctx, s.exec, s.reads("appointment.by_code"), func(ctx context.Context) (*Appointment, error) {
		return s.repo.GetAppointmentByCode(ctx, code)
	})
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, apperr.NotFound("lookup", "no appointment matches that confirmation code")
	}
	if err != nil {
		return nil, err
	}
	return appt, nil
}

// VerifyCode checks that code belongs to appointment id. Unknown ids and
// wrong codes are indistinguishable to the caller.
func (s *Service) VerifyCode(ctx context.Context, id uuid.UUID, code string) error {
	appt, err := s.GetAppointment(ctx, id)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return apperr.New(apperr.KindForbidden, "verify code", "confirmation code does not match")
		}
		return err
	}
	given := strings.ToUpper(strings.TrimSpace(code))
	if subtle.ConstantTimeCompare([]byte(given), []byte(appt.ConfirmationCode)) != 1 {
		return apperr.New(apperr.KindForbidden, "verify code", "confirmation code does not match")
	}
	return nil
}

// CompleteEnded completes confirmed appointments whose end time has passed.
// It returns how many were completed.
func (s *Service) CompleteEnded(ctx context.Context) (int, error) {
	now := s.now()
	ended, err := retry.Do(ctx, s.exec, s.reads("appointment.find_ended"), func(ctx context.Context) ([]Appointment, error) {
		return s.repo.FindConfirmedEndedBefore(ctx, now)
	})
	if err != nil {
		return 0, fmt.Errorf("find ended appointments: %w", err)
	}

	done := 0
	for _, appt := range ended {
		if _, err := s.Complete(ctx, appt.ID); err != nil {
			s.log.Warn().Err(err).Str("appointment_id", appt.ID.String()).Msg("failed to complete appointment")
			continue
		}
		done++
	}
	return done, nil
}

// afterChange drops cached availability and tells subscribers to re-fetch.
// Neither step can fail the mutation that already committed.
func (s *Service) afterChange(ctx context.Context, eventType string, appt *Appointment) {
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx); err != nil {
			s.log.Warn().Err(err).Msg("availability cache invalidation failed")
		}
	}
	if s.notifier == nil {
		return
	}
	date := appt.StartsAt.In(s.resolver.Location()).Format(DateLayout)
	if err := notify.PublishChange(ctx, s.notifier, eventType, appt.ID.String(), appt.ProviderID.String(), date); err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Str("appointment_id", appt.ID.String()).Msg("change notification failed")
	}
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID
	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Str("appointment_id", appointmentID.String()).Msg("failed to insert event log")
	}
}
