package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling/internal/apperr"
)

const liveCodeIndex = "appointments_live_code_idx"

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

const appointmentColumns = `
	id, patient_name, patient_email, patient_phone, service_type, procedure_id,
	provider_id, starts_at, duration_minutes, status, confirmation_code,
	cancellation_reason, rescheduled_from, notes, appointment_type, created_at, updated_at`

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Title,
		&p.Specialization,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanTemplate(row pgx.Row) (*WorkingHoursTemplate, error) {
	var t WorkingHoursTemplate
	var weekday *int16
	var onDate *time.Time

	err := row.Scan(
		&t.ID,
		&t.ProviderID,
		&weekday,
		&onDate,
		&t.StartMinute,
		&t.EndMinute,
		&t.SlotMinutes,
		&t.MaxBookings,
	)
	if err != nil {
		return nil, err
	}
	if weekday != nil {
		wd := time.Weekday(*weekday)
		t.Weekday = &wd
	}
	t.Date = onDate
	return &t, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.PatientName,
		&a.PatientEmail,
		&a.PatientPhone,
		&a.ServiceType,
		&a.ProcedureID,
		&a.ProviderID,
		&a.StartsAt,
		&a.DurationMinutes,
		&a.Status,
		&a.ConfirmationCode,
		&a.CancellationReason,
		&a.RescheduledFrom,
		&a.Notes,
		&a.AppointmentType,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()
	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// classify tags connection level and retryable server errors as transient
// so the retry executor can tell them apart from business failures.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P01", "53300":
			return apperr.Wrap(apperr.KindTransient, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return apperr.Wrap(apperr.KindTransient, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Interface methods

func (r *PgRepository) ListProviders(ctx context.Context, procedureID *uuid.UUID) ([]Provider, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, p.name, p.title, p.specialization, p.active, p.created_at, p.updated_at
		FROM providers p
		WHERE p.active
		  AND ($1::uuid IS NULL OR EXISTS (
		        SELECT 1 FROM provider_procedures pp
		        WHERE pp.provider_id = p.id AND pp.procedure_id = $1))
		ORDER BY p.name, p.id
	`, procedureID)
	if err != nil {
		return nil, classify("list providers", err)
	}
	defer rows.Close()

	var result []Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, classify("scan provider", err)
		}
		result = append(result, *p)
	}
	return result, classify("list providers", rows.Err())
}

func (r *PgRepository) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, title, specialization, active, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id)
	p, err := scanProvider(row)
	if err != nil && !errors.Is(err, ErrProviderNotFound) {
		return nil, classify("get provider", err)
	}
	return p, err
}

func (r *PgRepository) GetProcedure(ctx context.Context, id uuid.UUID) (*Procedure, error) {
	var p Procedure
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, duration_minutes
		FROM procedures
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.DurationMinutes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProcedureNotFound
	}
	if err != nil {
		return nil, classify("get procedure", err)
	}
	return &p, nil
}

func (r *PgRepository) ListTemplates(ctx context.Context, providerIDs []uuid.UUID) ([]WorkingHoursTemplate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, provider_id, weekday, on_date, start_minute, end_minute, slot_minutes, max_bookings
		FROM working_hours_templates
		WHERE provider_id = ANY($1)
		ORDER BY provider_id, start_minute
	`, providerIDs)
	if err != nil {
		return nil, classify("list templates", err)
	}
	defer rows.Close()

	var result []WorkingHoursTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, classify("scan template", err)
		}
		result = append(result, *t)
	}
	return result, classify("list templates", rows.Err())
}

func (r *PgRepository) ListBlockedPeriods(ctx context.Context, providerIDs []uuid.UUID, from, to time.Time) ([]BlockedPeriod, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, provider_id, starts_at, ends_at, reason
		FROM blocked_periods
		WHERE provider_id = ANY($1)
		  AND starts_at < $3
		  AND ends_at > $2
	`, providerIDs, from, to)
	if err != nil {
		return nil, classify("list blocked periods", err)
	}
	defer rows.Close()

	var result []BlockedPeriod
	for rows.Next() {
		var b BlockedPeriod
		if err := rows.Scan(&b.ID, &b.ProviderID, &b.StartsAt, &b.EndsAt, &b.Reason); err != nil {
			return nil, classify("scan blocked period", err)
		}
		result = append(result, b)
	}
	return result, classify("list blocked periods", rows.Err())
}

func (r *PgRepository) ListActiveAppointments(ctx context.Context, providerIDs []uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE provider_id = ANY($1)
		  AND status <> 'cancelled'
		  AND starts_at < $3
		  AND starts_at + make_interval(mins => duration_minutes) > $2
	`, providerIDs, from, to)
	if err != nil {
		return nil, classify("list appointments", err)
	}
	result, err := collectAppointments(rows)
	return result, classify("list appointments", err)
}

// InsertIfCapacity serializes writers per provider with a transaction scoped
// advisory lock, then counts and inserts under that lock.
func (r *PgRepository) InsertIfCapacity(ctx context.Context, appt *Appointment, maxBookings int) (*Appointment, error) {
	var created *Appointment
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		created, err = insertIfCapacity(ctx, tx, appt, maxBookings)
		return err
	})
	if err != nil {
		return nil, mapWriteErr("insert appointment", err)
	}
	return created, nil
}

func (r *PgRepository) RescheduleIfCapacity(ctx context.Context, originalID uuid.UUID, expected Status, next *Appointment, maxBookings int) (*Appointment, error) {
	var created *Appointment
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE appointments
			SET status = 'cancelled',
			    cancellation_reason = 'rescheduled',
			    updated_at = now()
			WHERE id = $1
			  AND status = $2
		`, originalID, expected)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, originalID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrAppointmentNotFound
			}
			return ErrStatusChanged
		}

		created, err = insertIfCapacity(ctx, tx, next, maxBookings)
		return err
	})
	if err != nil {
		return nil, mapWriteErr("reschedule appointment", err)
	}
	return created, nil
}

func insertIfCapacity(ctx context.Context, tx pgx.Tx, appt *Appointment, maxBookings int) (*Appointment, error) {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "appointments:provider:"+appt.ProviderID.String()); err != nil {
		return nil, fmt.Errorf("acquire provider lock: %w", err)
	}

	end := appt.EndsAt()

	var blocked bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM blocked_periods
			WHERE provider_id = $1 AND starts_at < $3 AND ends_at > $2
		)
	`, appt.ProviderID, appt.StartsAt, end).Scan(&blocked)
	if err != nil {
		return nil, fmt.Errorf("check blocked periods: %w", err)
	}
	if blocked {
		return nil, ErrSlotFull
	}

	rows, err := tx.Query(ctx, `
		SELECT starts_at, duration_minutes
		FROM appointments
		WHERE provider_id = $1
		  AND status <> 'cancelled'
		  AND starts_at < $3
		  AND starts_at + make_interval(mins => duration_minutes) > $2
	`, appt.ProviderID, appt.StartsAt, end)
	if err != nil {
		return nil, fmt.Errorf("load occupancy: %w", err)
	}
	occupied, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Appointment, error) {
		a := Appointment{ProviderID: appt.ProviderID, Status: StatusPending}
		err := row.Scan(&a.StartsAt, &a.DurationMinutes)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("load occupancy: %w", err)
	}
	if peakOccupancy(occupied, appt.ProviderID, appt.StartsAt, end) >= maxBookings {
		return nil, ErrSlotFull
	}

	id := appt.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (
			id, patient_name, patient_email, patient_phone, service_type, procedure_id,
			provider_id, starts_at, duration_minutes, status, confirmation_code,
			rescheduled_from, notes, appointment_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now(), now())
		RETURNING `+appointmentColumns,
		id, appt.PatientName, appt.PatientEmail, appt.PatientPhone, appt.ServiceType, appt.ProcedureID,
		appt.ProviderID, appt.StartsAt, appt.DurationMinutes, appt.Status, appt.ConfirmationCode,
		appt.RescheduledFrom, appt.Notes, appt.AppointmentType)
	return scanAppointment(row)
}

func mapWriteErr(op string, err error) error {
	switch {
	case errors.Is(err, ErrSlotFull), errors.Is(err, ErrStatusChanged), errors.Is(err, ErrAppointmentNotFound):
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == liveCodeIndex {
		return ErrDuplicateCode
	}
	return classify(op, err)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	a, err := scanAppointment(row)
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return nil, classify("get appointment", err)
	}
	return a, err
}

func (r *PgRepository) GetAppointmentByCode(ctx context.Context, code string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE confirmation_code = $1
		ORDER BY (status <> 'cancelled') DESC, created_at DESC
		LIMIT 1
	`, code)
	a, err := scanAppointment(row)
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return nil, classify("get appointment by code", err)
	}
	return a, err
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to Status, reason *string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    cancellation_reason = COALESCE($4, cancellation_reason),
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns,
		id, to, from, reason)

	a, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		// Either the id is unknown or the status moved underneath us.
		if _, getErr := r.GetAppointmentByID(ctx, id); getErr == nil {
			return nil, ErrStatusChanged
		}
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, classify("update appointment status", err)
	}
	return a, nil
}

func (r *PgRepository) FindConfirmedEndedBefore(ctx context.Context, now time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'confirmed'
		  AND starts_at + make_interval(mins => duration_minutes) <= $1
		ORDER BY starts_at
		LIMIT 500
	`, now)
	if err != nil {
		return nil, classify("find ended appointments", err)
	}
	result, err := collectAppointments(rows)
	return result, classify("find ended appointments", err)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return classify("insert event log", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
