package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/raise-allocation/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const poolColumns = `id, business_id, title, goal_cents, min_contribution_cents, max_contribution_cents,
	instrument_type, instrument_terms, expires_at, raised_cents, status, version, created_at, updated_at`

const contributionColumns = `id, pool_id, contributor_id, amount_cents, status, payment_ref, refund_ref, created_at, updated_at`

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool       *pgxpool.Pool
	retryDelay time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool, retryDelay: 500 * time.Millisecond}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет транзакцию при конфликте сериализации, взаимной блокировке и обрыве соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(r.retryDelay))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
			return err
		}
		if isConnectionError(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// inTx выполняет fn в транзакции с повтором при временных ошибках.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(tx); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreatePool сохраняет новый пул.
func (r *PostgresRepository) CreatePool(ctx context.Context, p model.Pool) error {
	typ, terms, err := model.EncodeTerms(p.Terms)
	if err != nil {
		return fmt.Errorf("encode terms: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO pools (`+poolColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.BusinessID, p.Title, p.GoalCents, p.MinContributionCents, p.MaxContributionCents,
		string(typ), terms, p.ExpiresAt, p.RaisedCents, string(p.Status), p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: pool %s", ErrConflict, p.ID)
		}
		return fmt.Errorf("insert pool: %w", err)
	}
	return nil
}

// GetPool возвращает пул по идентификатору.
func (r *PostgresRepository) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, id)
	return scanPool(row)
}

// TransitionPool меняет статус пула, только если текущий статус входит в from.
func (r *PostgresRepository) TransitionPool(ctx context.Context, id string, from []model.PoolStatus, to model.PoolStatus) (*model.Pool, error) {
	var res *model.Pool
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		p, err := lockPool(ctx, tx, id)
		if err != nil {
			return err
		}
		if !statusIn(p.Status, from) {
			return fmt.Errorf("%w: pool %s is %s", ErrConflict, id, p.Status)
		}

		row := tx.QueryRow(ctx,
			`UPDATE pools SET status = $2, version = version + 1, updated_at = now()
			 WHERE id = $1
			 RETURNING `+poolColumns,
			id, string(to),
		)
		res, err = scanPool(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CancelPool переводит открытый или собранный пул в CANCELLED, если аллокации ещё не созданы.
// Строка пула блокируется, поэтому отмена не пересекается с созданием аллокаций и выплаты.
func (r *PostgresRepository) CancelPool(ctx context.Context, id string) (*model.Pool, error) {
	var res *model.Pool
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		p, err := lockPool(ctx, tx, id)
		if err != nil {
			return err
		}
		allocated, err := hasAllocations(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := cancellable(*p, allocated); err != nil {
			return err
		}

		res, err = scanPool(tx.QueryRow(ctx,
			`UPDATE pools SET status = $2, version = version + 1, updated_at = now()
			 WHERE id = $1
			 RETURNING `+poolColumns,
			id, string(model.PoolStatusCancelled),
		))
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ExtendPool переносит срок действия открытого пула.
func (r *PostgresRepository) ExtendPool(ctx context.Context, id string, expiresAt time.Time) (*model.Pool, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE pools SET expires_at = $2, version = version + 1, updated_at = now()
		 WHERE id = $1 AND status = $3
		 RETURNING `+poolColumns,
		id, expiresAt, string(model.PoolStatusOpen),
	)
	p, err := scanPool(row)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := r.GetPool(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: pool %s is not open", ErrConflict, id)
	}
	return p, err
}

// ListPoolsDueForExpiration возвращает открытые пулы с истёкшим сроком и пулы, застрявшие в возврате.
func (r *PostgresRepository) ListPoolsDueForExpiration(ctx context.Context, now time.Time, limit int) ([]model.Pool, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+poolColumns+`
		 FROM pools
		 WHERE (status = $1 AND expires_at <= $2) OR status = $3
		 ORDER BY expires_at
		 LIMIT $4`,
		string(model.PoolStatusOpen), now, string(model.PoolStatusRefunding), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired pools: %w", err)
	}
	return collectPools(rows)
}

// ListFundedWithoutAllocations возвращает собранные пулы без аллокаций, не менявшиеся с updatedBefore.
func (r *PostgresRepository) ListFundedWithoutAllocations(ctx context.Context, updatedBefore time.Time, limit int) ([]model.Pool, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+poolColumns+`
		 FROM pools p
		 WHERE p.status = $1 AND p.updated_at <= $2
		   AND NOT EXISTS (SELECT 1 FROM allocations a WHERE a.pool_id = p.id)
		 ORDER BY p.updated_at
		 LIMIT $3`,
		string(model.PoolStatusFunded), updatedBefore, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select funded pools: %w", err)
	}
	return collectPools(rows)
}

// CreateContribution сохраняет новое вложение.
func (r *PostgresRepository) CreateContribution(ctx context.Context, c model.Contribution) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO contributions (`+contributionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.PoolID, c.ContributorID, c.AmountCents, string(c.Status), c.PaymentRef, c.RefundRef, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: contribution %s", ErrConflict, c.ID)
		}
		return fmt.Errorf("insert contribution: %w", err)
	}
	return nil
}

// GetContributionByPaymentRef возвращает вложение по внешней ссылке платежа.
func (r *PostgresRepository) GetContributionByPaymentRef(ctx context.Context, ref string) (*model.Contribution, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+contributionColumns+` FROM contributions WHERE payment_ref = $1`,
		ref,
	)
	return scanContribution(row)
}

// ListContributionsByPool возвращает вложения пула в порядке создания.
func (r *PostgresRepository) ListContributionsByPool(ctx context.Context, poolID string) ([]model.Contribution, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+contributionColumns+`
		 FROM contributions
		 WHERE pool_id = $1
		 ORDER BY created_at, id`,
		poolID,
	)
	if err != nil {
		return nil, fmt.Errorf("select contributions: %w", err)
	}
	defer rows.Close()

	var res []model.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SetContributionStatus меняет статус вложения, только если текущий статус входит в from.
func (r *PostgresRepository) SetContributionStatus(ctx context.Context, id string, from []model.ContributionStatus, to model.ContributionStatus) (*model.Contribution, error) {
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}

	row := r.pool.QueryRow(ctx,
		`UPDATE contributions SET status = $2, updated_at = now()
		 WHERE id = $1 AND status = ANY($3)
		 RETURNING `+contributionColumns,
		id, string(to), allowed,
	)
	c, err := scanContribution(row)
	if errors.Is(err, ErrNotFound) {
		var status string
		if err := r.pool.QueryRow(ctx, `SELECT status FROM contributions WHERE id = $1`, id).Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("select contribution status: %w", err)
		}
		return nil, fmt.Errorf("%w: contribution %s is %s", ErrConflict, id, status)
	}
	return c, err
}

// CaptureContribution подтверждает платёж и увеличивает сумму пула в одной транзакции.
// Строки вложения и пула блокируются, поэтому переход в FUNDED совершает ровно один вызов.
func (r *PostgresRepository) CaptureContribution(ctx context.Context, paymentRef string) (*CaptureResult, error) {
	var res *CaptureResult
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		c, err := scanContribution(tx.QueryRow(ctx,
			`SELECT `+contributionColumns+` FROM contributions WHERE payment_ref = $1 FOR UPDATE`,
			paymentRef,
		))
		if err != nil {
			return err
		}

		p, err := lockPool(ctx, tx, c.PoolID)
		if err != nil {
			return err
		}

		if c.Status == model.ContributionStatusCaptured {
			res = &CaptureResult{Contribution: *c, Pool: *p, AlreadyCaptured: true}
			return nil
		}
		if !c.Capturable() {
			return fmt.Errorf("%w: contribution %s is %s", ErrNotCapturable, c.ID, c.Status)
		}

		allocated, err := hasAllocations(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		settled := p.Status == model.PoolStatusClosed || allocated

		fundedNow := p.ApplyCapture(c.AmountCents)

		if err := tx.QueryRow(ctx,
			`UPDATE contributions SET status = $2, updated_at = now() WHERE id = $1 RETURNING updated_at`,
			c.ID, string(model.ContributionStatusCaptured),
		).Scan(&c.UpdatedAt); err != nil {
			return fmt.Errorf("update contribution: %w", err)
		}
		c.Status = model.ContributionStatusCaptured

		if err := tx.QueryRow(ctx,
			`UPDATE pools SET raised_cents = $2, status = $3, version = $4, updated_at = now()
			 WHERE id = $1 RETURNING updated_at`,
			p.ID, p.RaisedCents, string(p.Status), p.Version,
		).Scan(&p.UpdatedAt); err != nil {
			return fmt.Errorf("update pool: %w", err)
		}

		res = &CaptureResult{Contribution: *c, Pool: *p, FundedNow: fundedNow, Settled: settled}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// RefundContribution помечает подтверждённое вложение возвращённым и уменьшает сумму пула.
func (r *PostgresRepository) RefundContribution(ctx context.Context, contributionID, refundRef string) (*model.Pool, error) {
	var res *model.Pool
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		c, err := scanContribution(tx.QueryRow(ctx,
			`SELECT `+contributionColumns+` FROM contributions WHERE id = $1 FOR UPDATE`,
			contributionID,
		))
		if err != nil {
			return err
		}
		if c.Status != model.ContributionStatusCaptured {
			return fmt.Errorf("%w: contribution %s is %s", ErrConflict, c.ID, c.Status)
		}

		p, err := lockPool(ctx, tx, c.PoolID)
		if err != nil {
			return err
		}
		p.ApplyRefund(c.AmountCents)

		if _, err := tx.Exec(ctx,
			`UPDATE contributions SET status = $2, refund_ref = $3, updated_at = now() WHERE id = $1`,
			c.ID, string(model.ContributionStatusRefunded), refundRef,
		); err != nil {
			return fmt.Errorf("update contribution: %w", err)
		}

		res, err = scanPool(tx.QueryRow(ctx,
			`UPDATE pools SET raised_cents = $2, version = $3, updated_at = now()
			 WHERE id = $1
			 RETURNING `+poolColumns,
			p.ID, p.RaisedCents, p.Version,
		))
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// HasAllocations сообщает, есть ли у пула аллокации.
func (r *PostgresRepository) HasAllocations(ctx context.Context, poolID string) (bool, error) {
	return hasAllocations(ctx, r.pool, poolID)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func hasAllocations(ctx context.Context, q querier, poolID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM allocations WHERE pool_id = $1)`,
		poolID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check allocations: %w", err)
	}
	return exists, nil
}

func capturedContributionIDs(ctx context.Context, q querier, poolID string) ([]string, error) {
	rows, err := q.Query(ctx,
		`SELECT id FROM contributions WHERE pool_id = $1 AND status = $2`,
		poolID, string(model.ContributionStatusCaptured),
	)
	if err != nil {
		return nil, fmt.Errorf("select captured contributions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan captured contributions: %w", err)
	}
	return ids, nil
}

// CreateAllocations сохраняет все аллокации пула либо ни одной. Пул должен быть FUNDED,
// а аллокации должны покрывать ровно его подтверждённые вложения.
func (r *PostgresRepository) CreateAllocations(ctx context.Context, poolID string, allocations []model.Allocation) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		p, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}

		exists, err := hasAllocations(ctx, tx, poolID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: pool %s already has allocations", ErrConflict, poolID)
		}
		if p.Status != model.PoolStatusFunded {
			return fmt.Errorf("%w: pool %s is %s", ErrStale, poolID, p.Status)
		}

		captured, err := capturedContributionIDs(ctx, tx, poolID)
		if err != nil {
			return err
		}
		if !coversCaptured(captured, allocations) {
			return fmt.Errorf("%w: captured contributions of pool %s changed", ErrStale, poolID)
		}

		batch := &pgx.Batch{}
		for _, a := range allocations {
			typ, data, err := model.EncodeGrant(a.Grant)
			if err != nil {
				return fmt.Errorf("encode grant: %w", err)
			}
			batch.Queue(
				`INSERT INTO allocations (id, pool_id, contribution_id, contributor_id, certificate_number, instrument_type, grant_data, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				a.ID, a.PoolID, a.ContributionID, a.ContributorID, a.CertificateNumber, string(typ), data, a.CreatedAt,
			)
		}

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: allocations for pool %s", ErrConflict, poolID)
			}
			return fmt.Errorf("insert allocations: %w", err)
		}
		return nil
	})
}

// ListAllocationsByPool возвращает аллокации пула.
func (r *PostgresRepository) ListAllocationsByPool(ctx context.Context, poolID string) ([]model.Allocation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, pool_id, contribution_id, contributor_id, certificate_number, instrument_type, grant_data, created_at
		 FROM allocations
		 WHERE pool_id = $1
		 ORDER BY created_at, certificate_number`,
		poolID,
	)
	if err != nil {
		return nil, fmt.Errorf("select allocations: %w", err)
	}
	defer rows.Close()

	var res []model.Allocation
	for rows.Next() {
		var (
			a    model.Allocation
			typ  string
			data []byte
		)
		if err := rows.Scan(&a.ID, &a.PoolID, &a.ContributionID, &a.ContributorID, &a.CertificateNumber, &typ, &data, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		a.Grant, err = model.DecodeGrant(model.InstrumentType(typ), data)
		if err != nil {
			return nil, fmt.Errorf("decode grant of %s: %w", a.ID, err)
		}
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreatePayout сохраняет выплату. У пула может быть только одна выплата в статусе PENDING или RELEASED.
// Пул должен оставаться FUNDED.
func (r *PostgresRepository) CreatePayout(ctx context.Context, p model.Payout) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		pool, err := lockPool(ctx, tx, p.PoolID)
		if err != nil {
			return err
		}
		if pool.Status != model.PoolStatusFunded {
			return fmt.Errorf("%w: pool %s is %s", ErrStale, p.PoolID, pool.Status)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO payouts (id, pool_id, amount_cents, fee_cents, status, transfer_ref, failure_reason, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			p.ID, p.PoolID, p.AmountCents, p.FeeCents, string(p.Status), p.TransferRef, p.FailureReason, p.CreatedAt, p.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: pool %s has active payout", ErrConflict, p.PoolID)
			}
			return fmt.Errorf("insert payout: %w", err)
		}
		return nil
	})
}

// UpdatePayout обновляет статус и ссылку перевода выплаты.
func (r *PostgresRepository) UpdatePayout(ctx context.Context, p model.Payout) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE payouts SET status = $2, transfer_ref = $3, failure_reason = $4, updated_at = $5 WHERE id = $1`,
		p.ID, string(p.Status), p.TransferRef, p.FailureReason, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update payout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPayoutsByPool возвращает выплаты пула в порядке создания.
func (r *PostgresRepository) ListPayoutsByPool(ctx context.Context, poolID string) ([]model.Payout, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, pool_id, amount_cents, fee_cents, status, transfer_ref, failure_reason, created_at, updated_at
		 FROM payouts
		 WHERE pool_id = $1
		 ORDER BY created_at`,
		poolID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payouts: %w", err)
	}
	defer rows.Close()

	var res []model.Payout
	for rows.Next() {
		var (
			p      model.Payout
			status string
		)
		if err := rows.Scan(&p.ID, &p.PoolID, &p.AmountCents, &p.FeeCents, &status, &p.TransferRef, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		p.Status = model.PayoutStatus(status)
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// AppendAudit добавляет запись в журнал.
func (r *PostgresRepository) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	if e.Payload == nil {
		payload = []byte("{}")
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO audit_log (id, pool_id, type, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.PoolID, e.Type, payload, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAuditByPool возвращает журнал событий пула.
func (r *PostgresRepository) ListAuditByPool(ctx context.Context, poolID string) ([]model.AuditEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, pool_id, type, payload, created_at
		 FROM audit_log
		 WHERE pool_id = $1
		 ORDER BY created_at, id`,
		poolID,
	)
	if err != nil {
		return nil, fmt.Errorf("select audit log: %w", err)
	}
	defer rows.Close()

	var res []model.AuditEntry
	for rows.Next() {
		var (
			e       model.AuditEntry
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.PoolID, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("decode audit payload: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func lockPool(ctx context.Context, tx pgx.Tx, id string) (*model.Pool, error) {
	return scanPool(tx.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1 FOR UPDATE`, id))
}

func scanPool(row pgx.Row) (*model.Pool, error) {
	var (
		p      model.Pool
		typ    string
		terms  []byte
		status string
	)
	err := row.Scan(&p.ID, &p.BusinessID, &p.Title, &p.GoalCents, &p.MinContributionCents, &p.MaxContributionCents,
		&typ, &terms, &p.ExpiresAt, &p.RaisedCents, &status, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan pool: %w", err)
	}

	p.Status = model.PoolStatus(status)
	p.Terms, err = model.DecodeTerms(model.InstrumentType(typ), terms)
	if err != nil {
		return nil, fmt.Errorf("decode terms of %s: %w", p.ID, err)
	}
	return &p, nil
}

func collectPools(rows pgx.Rows) ([]model.Pool, error) {
	defer rows.Close()

	var res []model.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanContribution(row pgx.Row) (*model.Contribution, error) {
	var (
		c      model.Contribution
		status string
	)
	err := row.Scan(&c.ID, &c.PoolID, &c.ContributorID, &c.AmountCents, &status, &c.PaymentRef, &c.RefundRef, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan contribution: %w", err)
	}
	c.Status = model.ContributionStatus(status)
	return &c, nil
}
