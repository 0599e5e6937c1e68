package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

type BookAppointmentRequest struct {
	PatientName     string     `json:"patientName"`
	PatientEmail    string     `json:"patientEmail"`
	PatientPhone    *string    `json:"patientPhone,omitempty"`
	ServiceType     string     `json:"serviceType"`
	ProcedureID     *uuid.UUID `json:"procedureId,omitempty"`
	ProviderID      *uuid.UUID `json:"providerId,omitempty"`
	PreferredDate   string     `json:"preferredDate"`
	PreferredTime   string     `json:"preferredTime"`
	DurationMinutes int        `json:"durationMinutes,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	AppointmentType *string    `json:"appointmentType,omitempty"`
}

func (r BookAppointmentRequest) toDomain() appointment.BookingRequest {
	return appointment.BookingRequest{
		PatientName:     r.PatientName,
		PatientEmail:    r.PatientEmail,
		PatientPhone:    r.PatientPhone,
		ServiceType:     r.ServiceType,
		ProcedureID:     r.ProcedureID,
		ProviderID:      r.ProviderID,
		PreferredDate:   r.PreferredDate,
		PreferredTime:   r.PreferredTime,
		DurationMinutes: r.DurationMinutes,
		Notes:           r.Notes,
		AppointmentType: r.AppointmentType,
	}
}

// CancelAppointmentRequest is optional for staff callers. Public callers
// prove ownership with the confirmation code.
type CancelAppointmentRequest struct {
	Reason           *string `json:"reason,omitempty"`
	ConfirmationCode string  `json:"confirmationCode,omitempty"`
}

type RescheduleAppointmentRequest struct {
	NewDate          string     `json:"newDate"`
	NewTime          string     `json:"newTime"`
	ProviderID       *uuid.UUID `json:"providerId,omitempty"`
	ConfirmationCode string     `json:"confirmationCode,omitempty"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID  `json:"id"`
	PatientName        string     `json:"patientName"`
	PatientEmail       string     `json:"patientEmail"`
	PatientPhone       *string    `json:"patientPhone,omitempty"`
	ServiceType        string     `json:"serviceType"`
	ProcedureID        *uuid.UUID `json:"procedureId,omitempty"`
	ProviderID         uuid.UUID  `json:"providerId"`
	Date               string     `json:"date"`
	Time               string     `json:"time"`
	StartsAt           time.Time  `json:"startsAt"`
	EndsAt             time.Time  `json:"endsAt"`
	DurationMinutes    int        `json:"durationMinutes"`
	Status             string     `json:"status"`
	ConfirmationCode   string     `json:"confirmationCode"`
	CancellationReason *string    `json:"cancellationReason,omitempty"`
	RescheduledFrom    *uuid.UUID `json:"rescheduledFrom,omitempty"`
	Notes              *string    `json:"notes,omitempty"`
	AppointmentType    *string    `json:"appointmentType,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

func toAppointmentResponse(a *appointment.Appointment, loc *time.Location) AppointmentResponse {
	local := a.StartsAt.In(loc)
	return AppointmentResponse{
		ID:                 a.ID,
		PatientName:        a.PatientName,
		PatientEmail:       a.PatientEmail,
		PatientPhone:       a.PatientPhone,
		ServiceType:        a.ServiceType,
		ProcedureID:        a.ProcedureID,
		ProviderID:         a.ProviderID,
		Date:               local.Format(appointment.DateLayout),
		Time:               local.Format(appointment.TimeLayout),
		StartsAt:           a.StartsAt,
		EndsAt:             a.EndsAt(),
		DurationMinutes:    a.DurationMinutes,
		Status:             string(a.Status),
		ConfirmationCode:   a.ConfirmationCode,
		CancellationReason: a.CancellationReason,
		RescheduledFrom:    a.RescheduledFrom,
		Notes:              a.Notes,
		AppointmentType:    a.AppointmentType,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

type BookingResponse struct {
	Appointment      AppointmentResponse `json:"appointment"`
	ConfirmationCode string              `json:"confirmationCode"`
	Replayed         bool                `json:"replayed,omitempty"`
}

type ProviderResponse struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Title          string    `json:"title,omitempty"`
	Specialization string    `json:"specialization,omitempty"`
}

func toProviderResponses(ps []appointment.Provider) []ProviderResponse {
	out := make([]ProviderResponse, 0, len(ps))
	for _, p := range ps {
		out = append(out, ProviderResponse{ID: p.ID, Name: p.Name, Title: p.Title, Specialization: p.Specialization})
	}
	return out
}

type AvailabilityResponse struct {
	Slots     []appointment.TimeSlot `json:"slots"`
	Providers []ProviderResponse     `json:"providers"`
}

func toAvailabilityResponse(a *appointment.Availability) AvailabilityResponse {
	resp := AvailabilityResponse{Slots: []appointment.TimeSlot{}, Providers: []ProviderResponse{}}
	if a == nil {
		return resp
	}
	if a.Slots != nil {
		resp.Slots = a.Slots
	}
	resp.Providers = toProviderResponses(a.Providers)
	return resp
}
