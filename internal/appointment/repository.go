package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/apperr"
)

// Repository errors carry a Kind so the retry executor treats them as
// business outcomes rather than failures worth retrying.
var (
	ErrProviderNotFound    = apperr.New(apperr.KindNotFound, "", "provider not found")
	ErrProcedureNotFound   = apperr.New(apperr.KindNotFound, "", "procedure not found")
	ErrAppointmentNotFound = apperr.New(apperr.KindNotFound, "", "appointment not found")

	// ErrSlotFull is returned by the conditional writes when the target
	// interval is already at capacity or blocked at commit time.
	ErrSlotFull = apperr.New(apperr.KindSlotUnavailable, "", "slot is at capacity")

	// ErrStatusChanged means the row no longer has the status the caller expected.
	ErrStatusChanged = apperr.New(apperr.KindInvalidTransition, "", "appointment status changed concurrently")

	ErrDuplicateCode = errors.New("confirmation code already in use")
)

// Repository is the data-access API. The two conditional writes are the only
// synchronization point for concurrent bookings.
type Repository interface {
	ListProviders(ctx context.Context, procedureID *uuid.UUID) ([]Provider, error)
	GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error)
	GetProcedure(ctx context.Context, id uuid.UUID) (*Procedure, error)

	ListTemplates(ctx context.Context, providerIDs []uuid.UUID) ([]WorkingHoursTemplate, error)
	ListBlockedPeriods(ctx context.Context, providerIDs []uuid.UUID, from, to time.Time) ([]BlockedPeriod, error)
	// ListActiveAppointments returns non-cancelled appointments overlapping [from, to).
	ListActiveAppointments(ctx context.Context, providerIDs []uuid.UUID, from, to time.Time) ([]Appointment, error)

	// InsertIfCapacity inserts appt iff fewer than maxBookings non-cancelled
	// appointments of the same provider overlap it and no blocked period does.
	InsertIfCapacity(ctx context.Context, appt *Appointment, maxBookings int) (*Appointment, error)
	// RescheduleIfCapacity cancels originalID (which must still be in
	// expected) and inserts next under the same capacity rule, atomically.
	RescheduleIfCapacity(ctx context.Context, originalID uuid.UUID, expected Status, next *Appointment, maxBookings int) (*Appointment, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentByCode(ctx context.Context, code string) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to Status, reason *string) (*Appointment, error)

	FindConfirmedEndedBefore(ctx context.Context, now time.Time) ([]Appointment, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}

// AvailabilityCache stores encoded availability results. Get returns the
// versioned key to Set under on a miss; Invalidate must make every
// previously stored entry and every outstanding version unreachable.
type AvailabilityCache interface {
	Get(ctx context.Context, key string) (value []byte, version string, ok bool, err error)
	Set(ctx context.Context, version string, value []byte) error
	Invalidate(ctx context.Context) error
}

// IdempotencyStore remembers which appointment a client-supplied key produced.
type IdempotencyStore interface {
	// Reserve claims key. When the key already completed, the earlier
	// appointment id is returned with reserved=false.
	Reserve(ctx context.Context, key string) (existing string, reserved bool, err error)
	Complete(ctx context.Context, key, appointmentID string) error
	Release(ctx context.Context, key string) error
}
