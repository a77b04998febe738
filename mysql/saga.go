package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/velmie/courier/saga"
)

// SagaStore implements saga.Store on MySQL using an instance table and a step table.
type SagaStore struct {
	db      *sql.DB
	cfg     Config
	queries sagaQueries
}

var _ saga.Store = (*SagaStore)(nil)

// NewSagaStore creates a saga store. The instance table defaults to courier_saga
// and its steps live in courier_saga_steps.
func NewSagaStore(db *sql.DB, opts ...Option) (*SagaStore, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	cfg, err := newConfig(defaultSagaTable, opts)
	if err != nil {
		return nil, err
	}

	return &SagaStore{db: db, cfg: cfg, queries: newSagaQueries(cfg.Table)}, nil
}

// Create implements saga.Store.
func (s *SagaStore) Create(ctx context.Context, inst saga.Instance, steps []saga.StepRecord) error {
	data, err := encodeData(inst.Data)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(
			ctx,
			s.queries.insert,
			inst.ID[:],
			inst.Type,
			inst.State,
			inst.CurrentStep,
			data,
			inst.Attempt,
			nullTime(inst.NextAttemptAt),
			nullString(inst.LastError),
			nullString(inst.LockedBy),
			nullTime(inst.LockedUntil),
			inst.Version,
			inst.CreatedAt.UTC(),
			inst.UpdatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("courier mysql: saga insert failed: %w", err)
		}
		for _, step := range steps {
			if _, err := tx.ExecContext(
				ctx,
				s.queries.insertStep,
				inst.ID[:],
				step.Index,
				step.Name,
				step.Status,
				step.ExecuteResult,
				step.CompensateResult,
				step.Attempts,
				nullString(step.LastError),
			); err != nil {
				return fmt.Errorf("courier mysql: saga step insert failed: %w", err)
			}
		}

		return nil
	})
}

// Get implements saga.Store.
func (s *SagaStore) Get(ctx context.Context, id uuid.UUID) (saga.Instance, []saga.StepRecord, error) {
	inst, err := scanInstance(s.db.QueryRowContext(ctx, s.queries.get, id[:]))
	if err != nil {
		return saga.Instance{}, nil, err
	}

	rows, err := s.db.QueryContext(ctx, s.queries.getSteps, id[:])
	if err != nil {
		return saga.Instance{}, nil, fmt.Errorf("courier mysql: saga steps select failed: %w", err)
	}
	defer rows.Close()

	steps := make([]saga.StepRecord, 0)
	for rows.Next() {
		var (
			step    saga.StepRecord
			lastErr sql.NullString
		)
		if err := rows.Scan(
			&step.SagaID,
			&step.Index,
			&step.Name,
			&step.Status,
			&step.ExecuteResult,
			&step.CompensateResult,
			&step.Attempts,
			&lastErr,
		); err != nil {
			return saga.Instance{}, nil, fmt.Errorf("courier mysql: saga step scan failed: %w", err)
		}
		step.LastError = stringOf(lastErr)
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return saga.Instance{}, nil, fmt.Errorf("courier mysql: saga steps rows failed: %w", err)
	}

	return inst, steps, nil
}

// Lock implements saga.Store.
func (s *SagaStore) Lock(ctx context.Context, req saga.LockRequest) (saga.Instance, []saga.StepRecord, error) {
	until := req.Until.UTC().Truncate(time.Microsecond)
	if _, err := s.db.ExecContext(
		ctx,
		s.queries.lock,
		req.Owner,
		until,
		req.ID[:],
		req.Now.UTC(),
	); err != nil {
		return saga.Instance{}, nil, fmt.Errorf("courier mysql: saga lock failed: %w", err)
	}

	// The outcome is read back so a driver that retries Lock with the same token
	// still sees its own lease. DATETIME(6) keeps microseconds.
	inst, steps, err := s.Get(ctx, req.ID)
	if err != nil {
		return saga.Instance{}, nil, err
	}
	if inst.LockedBy != req.Owner || !inst.LockedUntil.Equal(until) {
		return saga.Instance{}, nil, saga.ErrLocked
	}

	return inst, steps, nil
}

// Save implements saga.Store.
func (s *SagaStore) Save(ctx context.Context, owner string, inst saga.Instance, steps []saga.StepRecord) error {
	data, err := encodeData(inst.Data)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			s.queries.save,
			inst.State,
			inst.CurrentStep,
			data,
			inst.Attempt,
			nullTime(inst.NextAttemptAt),
			nullString(inst.LastError),
			nullString(inst.LockedBy),
			nullTime(inst.LockedUntil),
			inst.UpdatedAt.UTC(),
			inst.ID[:],
			owner,
			inst.Version,
		)
		if err != nil {
			return fmt.Errorf("courier mysql: saga save failed: %w", err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			var lockedBy sql.NullString
			var lockedUntil sql.NullTime
			err := tx.QueryRowContext(ctx, s.queries.lockedState, inst.ID[:]).Scan(&lockedBy, &lockedUntil)
			if errors.Is(err, sql.ErrNoRows) {
				return saga.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("courier mysql: saga lookup failed: %w", err)
			}

			return saga.ErrLeaseLost
		}

		for _, step := range steps {
			if _, err := tx.ExecContext(
				ctx,
				s.queries.saveStep,
				step.Name,
				step.Status,
				step.ExecuteResult,
				step.CompensateResult,
				step.Attempts,
				nullString(step.LastError),
				inst.ID[:],
				step.Index,
			); err != nil {
				return fmt.Errorf("courier mysql: saga step save failed: %w", err)
			}
		}

		return nil
	})
}

// ListDue implements saga.Store.
func (s *SagaStore) ListDue(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = defaultPruneBatch
	}
	rows, err := s.db.QueryContext(
		ctx,
		s.queries.listDue,
		saga.StateRunning,
		saga.StateCompensating,
		now.UTC(),
		now.UTC(),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("courier mysql: saga list due failed: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("courier mysql: saga id scan failed: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("courier mysql: saga list rows failed: %w", err)
	}

	return ids, nil
}

func (s *SagaStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("courier mysql: begin failed: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("courier mysql: commit failed: %w", err)
	}

	return nil
}

func scanInstance(row scanner) (saga.Instance, error) {
	var (
		inst        saga.Instance
		data        []byte
		nextAttempt sql.NullTime
		lastErr     sql.NullString
		lockedBy    sql.NullString
		lockedUntil sql.NullTime
	)
	err := row.Scan(
		&inst.ID,
		&inst.Type,
		&inst.State,
		&inst.CurrentStep,
		&data,
		&inst.Attempt,
		&nextAttempt,
		&lastErr,
		&lockedBy,
		&lockedUntil,
		&inst.Version,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Instance{}, saga.ErrNotFound
	}
	if err != nil {
		return saga.Instance{}, fmt.Errorf("courier mysql: saga scan failed: %w", err)
	}

	if inst.Data, err = decodeData(data); err != nil {
		return saga.Instance{}, err
	}
	inst.NextAttemptAt = timeOf(nextAttempt)
	inst.LastError = stringOf(lastErr)
	inst.LockedBy = stringOf(lockedBy)
	inst.LockedUntil = timeOf(lockedUntil)
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()

	return inst, nil
}

func encodeData(data saga.Data) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("courier mysql: encode saga data failed: %w", err)
	}

	return raw, nil
}

func decodeData(raw []byte) (saga.Data, error) {
	data := saga.Data{}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("courier mysql: decode saga data failed: %w", err)
	}

	return data, nil
}
