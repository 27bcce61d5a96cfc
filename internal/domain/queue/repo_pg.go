package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgUniqueViolation = "23505"

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type queueRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &queueRepoPG{pool: pool} }

const entryCols = `id, seq, appointment_id, profile_id, doctor_id, position, status,
	cancelled, cancel_reason, payment_status, arrival_time, check_in_time, completed_time, updated_at`

func scanEntry(row pgx.Row, key Key) (*Entry, error) {
	var e Entry
	var status, payment string
	err := row.Scan(&e.ID, &e.Seq, &e.AppointmentID, &e.ProfileID, &e.DoctorID, &e.Position, &status,
		&e.Cancelled, &e.CancelReason, &payment, &e.ArrivalTime, &e.CheckInTime, &e.CompletedTime, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if e.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	if e.PaymentStatus, err = ParsePaymentStatus(payment); err != nil {
		return nil, err
	}
	e.Queue = key
	return &e, nil
}

func (r *queueRepoPG) LoadQueue(ctx context.Context, key Key) (*QueueState, error) {
	var queueID uuid.UUID
	state := &QueueState{NextSeq: 1}
	err := r.pool.QueryRow(ctx, `
		SELECT id, next_seq FROM clinic_queue
		WHERE department = $1 AND queue_date = $2 AND channel = $3`,
		key.Department, key.Date, string(key.Channel)).Scan(&queueID, &state.NextSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load queue row: %w", err)
	}

	entries, err := r.loadEntries(ctx, r.pool, queueID, key)
	if err != nil {
		return nil, err
	}
	state.Entries = entries
	return state, nil
}

func (r *queueRepoPG) loadEntries(ctx context.Context, q queryable, queueID uuid.UUID, key Key) ([]Entry, error) {
	rows, err := q.Query(ctx, `SELECT `+entryCols+` FROM queue_entry WHERE queue_id = $1 ORDER BY seq`, queueID)
	if err != nil {
		return nil, fmt.Errorf("load queue entries: %w", err)
	}
	defer rows.Close()
	var items []Entry
	for rows.Next() {
		e, err := scanEntry(rows, key)
		if err != nil {
			return nil, err
		}
		items = append(items, *e)
	}
	return items, rows.Err()
}

func (r *queueRepoPG) SaveQueue(ctx context.Context, key Key, nextSeq int64, changed []Entry) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var queueID uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO clinic_queue (id, department, queue_date, channel, next_seq)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (department, queue_date, channel)
		DO UPDATE SET next_seq = GREATEST(clinic_queue.next_seq, EXCLUDED.next_seq), updated_at = NOW()
		RETURNING id`,
		uuid.New(), key.Department, key.Date, string(key.Channel), nextSeq).Scan(&queueID)
	if err != nil {
		return fmt.Errorf("upsert queue row: %w", err)
	}

	batch := &pgx.Batch{}
	for i := range changed {
		e := &changed[i]
		batch.Queue(`
			INSERT INTO queue_entry (id, queue_id, seq, appointment_id, profile_id, doctor_id, position,
				status, cancelled, cancel_reason, payment_status, arrival_time, check_in_time,
				completed_time, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (id) DO UPDATE SET position=EXCLUDED.position, status=EXCLUDED.status,
				cancelled=EXCLUDED.cancelled, cancel_reason=EXCLUDED.cancel_reason,
				payment_status=EXCLUDED.payment_status, check_in_time=EXCLUDED.check_in_time,
				completed_time=EXCLUDED.completed_time, updated_at=EXCLUDED.updated_at`,
			e.ID, queueID, e.Seq, e.AppointmentID, e.ProfileID, e.DoctorID, e.Position,
			string(e.Status), e.Cancelled, e.CancelReason, string(e.PaymentStatus), e.ArrivalTime,
			e.CheckInTime, e.CompletedTime, e.UpdatedAt)
	}
	br := tx.SendBatch(ctx, batch)
	for range changed {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return mapWriteError(err)
		}
	}
	if err := br.Close(); err != nil {
		return mapWriteError(err)
	}

	return tx.Commit(ctx)
}

// mapWriteError turns a violation of the active-appointment index into
// ErrDuplicateAdmission. It can only happen when two processes write the
// same key.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == "uq_queue_entry_active_appointment" {
		return fmt.Errorf("%w: %s", ErrDuplicateAdmission, pgErr.Detail)
	}
	return fmt.Errorf("write queue entries: %w", err)
}

func (r *queueRepoPG) LocateEntry(ctx context.Context, id uuid.UUID) (Key, error) {
	var key Key
	var date time.Time
	var channel string
	err := r.pool.QueryRow(ctx, `
		SELECT q.department, q.queue_date, q.channel
		FROM queue_entry e JOIN clinic_queue q ON q.id = e.queue_id
		WHERE e.id = $1`, id).Scan(&key.Department, &date, &channel)
	if errors.Is(err, pgx.ErrNoRows) {
		return Key{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Key{}, fmt.Errorf("locate entry: %w", err)
	}
	key.Date = date.Format(DateLayout)
	key.Channel = Channel(channel)
	return key, nil
}
