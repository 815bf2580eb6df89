package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/square-key-labs/switchboard/src/session"
)

// ErrAppointmentNotFound is returned for unknown appointment ids.
var ErrAppointmentNotFound = errors.New("store: appointment not found")

// appointmentChannel is the NOTIFY channel the scheduler fires when an
// appointment becomes actionable. The payload is the appointment id.
const appointmentChannel = "appointment_changes"

// Appointment is the row the agent works a call against.
type Appointment struct {
	ID            string
	CustomerName  string
	CustomerPhone string
	BusinessPhone string
	Service       string
	RequestedTime time.Time
	Status        string
	Notes         string
	UpdatedAt     time.Time
}

// Store is the appointment persistence layer over a pgx pool. It implements
// session.AppointmentStore.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// New connects the pool and verifies the database is reachable.
func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return &Store{pool: pool, log: log.Named("store")}, nil
}

// FetchAppointment loads one appointment by id.
func (s *Store) FetchAppointment(ctx context.Context, id string) (*Appointment, error) {
	const query = `
		SELECT id, customer_name, customer_phone, business_phone,
		       service, requested_time, status, COALESCE(notes, ''), updated_at
		FROM appointments
		WHERE id = $1`

	var a Appointment
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.CustomerName, &a.CustomerPhone, &a.BusinessPhone,
		&a.Service, &a.RequestedTime, &a.Status, &a.Notes, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch appointment %s: %w", id, err)
	}
	return &a, nil
}

// UpdateAppointment writes the call outcome. Implements
// session.AppointmentStore.
func (s *Store) UpdateAppointment(ctx context.Context, id string, patch session.Outcome) error {
	const query = `
		UPDATE appointments
		SET status = $2, notes = $3, updated_at = now()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, patch.Status, patch.Notes)
	if err != nil {
		return fmt.Errorf("failed to update appointment %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	s.log.Info("appointment updated", zap.String("appointment_id", id), zap.String("status", patch.Status))
	return nil
}

// SubscribeAppointmentChanges blocks on the NOTIFY channel and invokes the
// handler with each appointment id. Returns when ctx is cancelled or the
// listening connection dies; the caller owns the restart policy.
func (s *Store) SubscribeAppointmentChanges(ctx context.Context, handler func(appointmentID string)) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+appointmentChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", appointmentChannel, err)
	}
	s.log.Info("listening for appointment changes")

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("notification wait failed: %w", err)
		}
		if notification.Payload == "" {
			continue
		}
		handler(notification.Payload)
	}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
