package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignatij/consentflow/pkg/models"
	"github.com/ignatij/consentflow/pkg/storage"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SavePipelineState upserts the customer's full state as JSONB
func (s *PostgresStore) SavePipelineState(st models.PipelineState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state for customer %s: %w", st.CustomerID, err)
	}
	updated := st.LastUpdated
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = s.db.Exec(`
		INSERT INTO pipeline_states (customer_id, state, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (customer_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		st.CustomerID, payload, updated)
	if err != nil {
		return fmt.Errorf("save state for customer %s: %w", st.CustomerID, err)
	}
	return nil
}

// GetPipelineState retrieves the customer's state from its JSONB record
func (s *PostgresStore) GetPipelineState(customerID string) (models.PipelineState, error) {
	var payload []byte
	err := s.db.Get(&payload, "SELECT state FROM pipeline_states WHERE customer_id = $1", customerID)
	if err == sql.ErrNoRows {
		return models.PipelineState{}, storage.ErrNotFound
	}
	if err != nil {
		return models.PipelineState{}, fmt.Errorf("get state for customer %s: %w", customerID, err)
	}
	var st models.PipelineState
	if err := json.Unmarshal(payload, &st); err != nil {
		return models.PipelineState{}, fmt.Errorf("unmarshal state for customer %s: %w", customerID, err)
	}
	return st, nil
}

// AppendLogs pushes entries onto the stored log ring in a single
// transaction; the row is locked so the read-append-write cycle is atomic
// and a replay either fully applies or fully fails.
func (s *PostgresStore) AppendLogs(customerID string, entries []models.LogEntry) error {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return fmt.Errorf("begin append for customer %s: %w", customerID, err)
		}
		txStore := &PostgresStore{db: tx}
		if err := txStore.appendLogs(customerID, entries); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				return fmt.Errorf("rollback append for customer %s: %v (original error: %w)", customerID, rbErr, err)
			}
			return err
		}
		return tx.Commit()
	}
	return s.appendLogs(customerID, entries)
}

func (s *PostgresStore) appendLogs(customerID string, entries []models.LogEntry) error {
	var payload []byte
	st := models.NewPipelineState(customerID)
	err := s.db.Get(&payload, "SELECT state FROM pipeline_states WHERE customer_id = $1 FOR UPDATE", customerID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("lock state for customer %s: %w", customerID, err)
	}
	if err == nil {
		if err := json.Unmarshal(payload, &st); err != nil {
			return fmt.Errorf("unmarshal state for customer %s: %w", customerID, err)
		}
	}
	st.AppendLog(entries...)
	st.LastUpdated = time.Now()
	return s.SavePipelineState(st)
}

// SaveConsent upserts the customer's single live token (overwrite, never append)
func (s *PostgresStore) SaveConsent(c models.ConsentToken) error {
	_, err := s.db.Exec(`
		INSERT INTO consent_tokens (customer_id, token, status, fetch_type, issued_at, expiry, used)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (customer_id) DO UPDATE SET
			token = EXCLUDED.token,
			status = EXCLUDED.status,
			fetch_type = EXCLUDED.fetch_type,
			issued_at = EXCLUDED.issued_at,
			expiry = EXCLUDED.expiry,
			used = EXCLUDED.used`,
		c.CustomerID, c.Token, c.Status, c.FetchType, c.IssuedAt, c.Expiry, c.Used)
	if err != nil {
		return fmt.Errorf("save consent for customer %s: %w", c.CustomerID, err)
	}
	return nil
}

func (s *PostgresStore) GetConsent(customerID string) (models.ConsentToken, error) {
	var c models.ConsentToken
	err := s.db.Get(&c, "SELECT customer_id, token, status, fetch_type, issued_at, expiry, used FROM consent_tokens WHERE customer_id = $1", customerID)
	if err == sql.ErrNoRows {
		return models.ConsentToken{}, storage.ErrNotFound
	}
	if err != nil {
		return models.ConsentToken{}, fmt.Errorf("get consent for customer %s: %w", customerID, err)
	}
	return c, nil
}

func (s *PostgresStore) MarkConsentUsed(customerID string) error {
	res, err := s.db.Exec("UPDATE consent_tokens SET used = TRUE WHERE customer_id = $1", customerID)
	if err != nil {
		return fmt.Errorf("mark consent used for customer %s: %w", customerID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
