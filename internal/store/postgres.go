package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/chainsettle/internal/chain"
	"github.com/terminal-bench/chainsettle/internal/match"
	"github.com/terminal-bench/chainsettle/internal/reward"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS burn_records (
	id            UUID PRIMARY KEY,
	chain         TEXT NOT NULL,
	match_id      TEXT NOT NULL,
	participant   TEXT NOT NULL,
	burn_amount   NUMERIC(78, 0) NOT NULL,
	reward_amount NUMERIC(78, 0) NOT NULL,
	tier          SMALLINT NOT NULL,
	effort        SMALLINT NOT NULL,
	tx_id         TEXT NOT NULL,
	status        TEXT NOT NULL,
	block_number  BIGINT NOT NULL DEFAULT 0,
	submitted_at  TIMESTAMPTZ NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	UNIQUE (chain, match_id, participant)
)`

const selectColumns = `id, chain, match_id, participant, burn_amount, reward_amount, tier, effort,
	tx_id, status, block_number, submitted_at, created_at, updated_at`

// Postgres stores burn records in PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects with lib/pq and creates the schema if needed.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	p := NewPostgres(db)
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing pool. Migrate must have run.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (p *Postgres) SaveBurn(ctx context.Context, rec Record) error {
	result, err := p.db.ExecContext(ctx,
		`INSERT INTO burn_records (id, chain, match_id, participant, burn_amount, reward_amount,
			tier, effort, tx_id, status, block_number, submitted_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (chain, match_id, participant) DO UPDATE SET
			id = EXCLUDED.id, burn_amount = EXCLUDED.burn_amount, reward_amount = EXCLUDED.reward_amount,
			tier = EXCLUDED.tier, effort = EXCLUDED.effort, tx_id = EXCLUDED.tx_id,
			status = EXCLUDED.status, block_number = EXCLUDED.block_number,
			submitted_at = EXCLUDED.submitted_at, updated_at = EXCLUDED.updated_at
		 WHERE burn_records.status = $15`,
		rec.ID, string(rec.Chain), rec.Burn.MatchID.Hex(), rec.Burn.Participant,
		decimal.NewFromBigInt(rec.Burn.BurnAmount, 0), decimal.NewFromBigInt(rec.Burn.RewardAmount, 0),
		int16(rec.Burn.Tier), int16(rec.Burn.Effort),
		rec.TxID, string(rec.Status), int64(rec.BlockNumber),
		rec.Burn.Timestamp, rec.CreatedAt, rec.UpdatedAt, string(chain.TxFailed),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s on %s", match.ErrDuplicateBurn, rec.Burn.Key(), rec.Chain)
	}
	if err != nil {
		return fmt.Errorf("failed to save burn: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s on %s", match.ErrDuplicateBurn, rec.Burn.Key(), rec.Chain)
	}
	return nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, ct chain.Type, key match.BurnKey, out chain.TxOutcome) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE burn_records SET status = $1, block_number = $2, updated_at = $3
		 WHERE chain = $4 AND match_id = $5 AND participant = $6`,
		string(out.Status), int64(out.BlockNumber), time.Now().UTC(),
		string(ct), key.MatchID.Hex(), key.Participant,
	)
	if err != nil {
		return fmt.Errorf("failed to update burn: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s on %s", ErrRecordNotFound, key, ct)
	}
	return nil
}

func (p *Postgres) Reconcile(ctx context.Context, ct chain.Type, onLedger match.BurnRecord) error {
	key := onLedger.Key()
	result, err := p.db.ExecContext(ctx,
		`UPDATE burn_records SET burn_amount = $1, reward_amount = $2, tier = $3, effort = $4, updated_at = $5
		 WHERE chain = $6 AND match_id = $7 AND participant = $8`,
		decimal.NewFromBigInt(onLedger.BurnAmount, 0), decimal.NewFromBigInt(onLedger.RewardAmount, 0),
		int16(onLedger.Tier), int16(onLedger.Effort), time.Now().UTC(),
		string(ct), key.MatchID.Hex(), key.Participant,
	)
	if err != nil {
		return fmt.Errorf("failed to reconcile burn: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: %s on %s", ErrRecordNotFound, key, ct)
	}
	return nil
}

func (p *Postgres) GetBurn(ctx context.Context, ct chain.Type, key match.BurnKey) (*Record, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM burn_records
		 WHERE chain = $1 AND match_id = $2 AND participant = $3`,
		string(ct), key.MatchID.Hex(), key.Participant,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get burn: %w", err)
	}
	return rec, nil
}

func (p *Postgres) ListBurns(ctx context.Context, ct chain.Type, id match.ID) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM burn_records
		 WHERE chain = $1 AND match_id = $2 ORDER BY created_at`,
		string(ct), id.Hex(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list burns: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan burn: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec             Record
		chainName       string
		matchHex        string
		status          string
		burn, rewardAmt decimal.Decimal
		tier, effort    int16
		block           int64
		submitted       time.Time
	)
	if err := s.Scan(&rec.ID, &chainName, &matchHex, &rec.Burn.Participant, &burn, &rewardAmt,
		&tier, &effort, &rec.TxID, &status, &block, &submitted, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	id, err := match.IDFromHex(matchHex)
	if err != nil {
		return nil, err
	}
	rec.Chain = chain.Type(chainName)
	rec.Status = chain.TxStatus(status)
	rec.BlockNumber = uint64(block)
	rec.Burn.MatchID = id
	rec.Burn.BurnAmount = burn.BigInt()
	rec.Burn.RewardAmount = rewardAmt.BigInt()
	rec.Burn.Tier = reward.TierID(tier)
	rec.Burn.Effort = uint8(effort)
	rec.Burn.Timestamp = submitted
	rec.Burn.Executed = rec.Status == chain.TxConfirmed
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
