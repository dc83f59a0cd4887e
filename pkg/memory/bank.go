package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Bank scopes every memory row; it also carries the agent's mission,
// disposition, and directives.
type Bank struct {
	ID          uuid.UUID      `json:"id"`
	Mission     string         `json:"mission"`
	Disposition map[string]int `json:"disposition,omitempty"`
	Directives  []string       `json:"directives,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// BankStore is the CRUD layer for banks.
type BankStore struct {
	pool *pgxpool.Pool
}

func NewBankStore(pool *pgxpool.Pool) *BankStore {
	return &BankStore{pool: pool}
}

func (s *BankStore) Create(ctx context.Context, mission string, disposition map[string]int, directives []string) (*Bank, error) {
	dispositionJSON, err := marshalDisposition(disposition)
	if err != nil {
		return nil, err
	}
	if directives == nil {
		directives = []string{}
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO banks (mission, disposition, directives)
		VALUES ($1, $2, $3)
		RETURNING id, mission, disposition, directives, created_at, updated_at`,
		mission, dispositionJSON, directives,
	)
	return scanBank(row)
}

func (s *BankStore) Get(ctx context.Context, bankID uuid.UUID) (*Bank, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, mission, disposition, directives, created_at, updated_at
		FROM banks
		WHERE id = $1`,
		bankID,
	)
	bank, err := scanBank(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return bank, err
}

// Update applies a partial update; nil fields keep their current value.
func (s *BankStore) Update(ctx context.Context, bankID uuid.UUID, mission *string, disposition map[string]int, directives []string) (*Bank, error) {
	var dispositionJSON []byte
	if disposition != nil {
		var err error
		dispositionJSON, err = marshalDisposition(disposition)
		if err != nil {
			return nil, err
		}
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE banks
		SET mission = COALESCE($1, mission),
		    disposition = COALESCE($2, disposition),
		    directives = COALESCE($3, directives),
		    updated_at = NOW()
		WHERE id = $4
		RETURNING id, mission, disposition, directives, created_at, updated_at`,
		mission, dispositionJSON, directives, bankID,
	)
	bank, err := scanBank(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	return bank, err
}

func marshalDisposition(disposition map[string]int) ([]byte, error) {
	if disposition == nil {
		return nil, nil
	}
	data, err := json.Marshal(disposition)
	if err != nil {
		return nil, fmt.Errorf("marshalling disposition: %w", err)
	}
	return data, nil
}

func scanBank(row pgx.Row) (*Bank, error) {
	var b Bank
	var dispositionJSON []byte
	if err := row.Scan(&b.ID, &b.Mission, &dispositionJSON, &b.Directives, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	if len(dispositionJSON) > 0 {
		_ = json.Unmarshal(dispositionJSON, &b.Disposition)
	}
	return &b, nil
}
