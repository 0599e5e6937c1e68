package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/apperr"
	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/metrics"
	"github.com/hackgods/clinic-scheduling/internal/notify"
)

const idempotencyHeader = "Idempotency-Key"

type Handler struct {
	svc       *appointment.Service
	resolver  *appointment.Resolver
	changes   notify.Subscriber
	metrics   *metrics.Collector
	log       zerolog.Logger
	heartbeat time.Duration
}

func (h *Handler) loc() *time.Location {
	return h.resolver.Location()
}

// logger prefers the request-scoped logger installed by LoggingMiddleware.
func (h *Handler) logger(r *http.Request) zerolog.Logger {
	if l := zerolog.Ctx(r.Context()); l.GetLevel() != zerolog.Disabled {
		return *l
	}
	return h.log
}

func parseAvailabilityQuery(r *http.Request) (appointment.AvailabilityQuery, error) {
	const op = "availability"
	v := r.URL.Query()
	q := appointment.AvailabilityQuery{
		StartDate: strings.TrimSpace(v.Get("startDate")),
		EndDate:   strings.TrimSpace(v.Get("endDate")),
	}

	var err error
	if q.ProviderID, err = optionalUUID(v.Get("providerId")); err != nil {
		return q, apperr.Validation(op, "providerId must be a valid UUID")
	}
	if q.ProcedureID, err = optionalUUID(v.Get("procedureId")); err != nil {
		return q, apperr.Validation(op, "procedureId must be a valid UUID")
	}
	// "duration" is the older spelling and is still accepted.
	d := v.Get("durationMinutes")
	if d == "" {
		d = v.Get("duration")
	}
	if d != "" {
		n, err := strconv.Atoi(strings.TrimSpace(d))
		if err != nil {
			return q, apperr.Validation(op, "durationMinutes must be a whole number of minutes")
		}
		q.DurationMinutes = n
	}
	return q, nil
}

func optionalUUID(s string) (*uuid.UUID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func appointmentID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("appointment", "id must be a valid UUID")
	}
	return id, nil
}

func (h *Handler) getAvailability(w http.ResponseWriter, r *http.Request) {
	q, err := parseAvailabilityQuery(r)
	if err != nil {
		writeAppError(w, h.logger(r), err)
		return
	}
	avail, err := h.resolver.GetAvailability(r.Context(), q)
	if err != nil {
		writeAppErrorWithData(w, h.logger(r), err, toAvailabilityResponse(avail))
		return
	}
	writeJSON(w, http.StatusOK, toAvailabilityResponse(avail))
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	procedureID, err := optionalUUID(r.URL.Query().Get("procedureId"))
	if err != nil {
		writeAppError(w, h.logger(r), apperr.Validation("providers", "procedureId must be a valid UUID"))
		return
	}
	providers, err := h.svc.ListProviders(r.Context(), procedureID)
	if err != nil {
		writeAppError(w, h.logger(r), err)
		return
	}
	writeJSON(w, http.StatusOK, toProviderResponses(providers))
}

func (h *Handler) bookAppointment(w http.ResponseWriter, r *http.Request) {
	var req BookAppointmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, h.logger(r), err)
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if len(idemKey) > 200 {
		writeAppError(w, h.logger(r), apperr.Validation("book", "Idempotency-Key must be at most 200 characters"))
		return
	}

	res, err := h.svc.Book(r.Context(), req.toDomain(), idemKey)
	if err != nil {
		writeAppError(w, h.logger(r), err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, BookingResponse{
		Appointment:      toAppointmentResponse(res.Appointment, h.loc()),
		ConfirmationCode: res.ConfirmationCode,
		Replayed:         res.Replayed,
	})
}

func (h *Handler) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, err := appointmentID(r)
	if err != nil {
		writeAppError(w, h.logger(r), err)
		return
	}
	appt, err := h.svc.GetAppointment(r.Context(), id)
	if err != nil {
		writeAppError(w, h.logger(r), err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, h.loc()))
}

func (h *Handler) lookupByCode(w http.ResponseWriter, r *http.Request) {
	appt, err := h.svc.LookupByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeAppError(w, h.logger(r), err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, h.loc()))
}

// authorizeOwner lets staff through and requires the confirmation code from
// everyone else.
func (h *Handler) authorizeOwner(r *http.Request, id uuid.UUID, code string) error {
	if PrincipalFrom(r.Context()).IsStaff() {
		return nil
	}
	if strings.TrimSpace(code) == "" {
		return apperr.New(apperr.KindForbidden, "authorize", "confirmationCode is required")
	}
	return h.svc.VerifyCode(r.Context(), id, code)
}

func (h *Handler) cancelAppointment(w http.ResponseWriter, r *http.Request) {
	id, err := appointmentID(r)
	if err != nil {
		writeAppError(w, h.logger(r), err)
		return
	}
	var req CancelAppointmentRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeAppError(w, h.logger(r), err)
		return
	}
	if err := h.authorizeOwner(r, id, req.ConfirmationCode); err != nil {
		writeAppError(w, h.logger(r), err)
		return
	}

	appt, err := h.svc.Cancel(r.Context(), id, req.Reason)
	if err != nil {
		writeAppError(w, h.logger(r), err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, h.loc()))
}

func (h *Handler) rescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	id, err := appointmentID(r)
	if err != nil {
		writeAppError(w, h.logger(r), err)
		return
	}
	var req RescheduleAppointmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAppError(w, h.logger(r), err)
		return
	}
	if err := h.authorizeOwner(r, id, req.ConfirmationCode); err != nil {
		writeAppError(w, h.logger(r), err)
		return
	}

	appt, err := h.svc.Reschedule(r.Context(), id, appointment.RescheduleRequest{
		NewDate:    req.NewDate,
		NewTime:    req.NewTime,
		ProviderID: req.ProviderID,
	})
	if err != nil {
		writeAppError(w, h.logger(r), err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, h.loc()))
}

func (h *Handler) confirmAppointment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Confirm)
}

func (h *Handler) completeAppointment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Complete)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, apply func(context.Context, uuid.UUID) (*appointment.Appointment, error)) {
	id, err := appointmentID(r)
	if err != nil {
		writeAppError(w, h.logger(r), err)
		return
	}
	appt, err := apply(r.Context(), id)
	if err != nil {
		writeAppError(w, h.logger(r), err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt, h.loc()))
}
