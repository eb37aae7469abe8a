// Package sqlite implements the wallet ledger on top of SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/elnosh/nutcustody/cashu/nuts/nut04"
	"github.com/elnosh/nutcustody/cashu/nuts/nut05"
	"github.com/elnosh/nutcustody/wallet/storage"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

const dbFile = "wallet.sqlite.db"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	Prepare(query string) (*sql.Stmt, error)
}

type SQLiteDB struct {
	db *sql.DB
	queries
}

// InitSQLite opens the ledger in path, creating it if needed. A file
// that fails the integrity check is removed and a new empty ledger
// is created in its place.
func InitSQLite(path string, logger *slog.Logger) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, dbFile)

	if err := checkIntegrity(dbpath); err != nil {
		if logger != nil {
			logger.Warn("wallet database is corrupted, creating a new one",
				slog.String("path", dbpath), slog.String("error", err.Error()))
		}
		if err := removeDBFiles(dbpath); err != nil {
			return nil, fmt.Errorf("could not remove corrupted database: %w", err)
		}
	}

	if err := migrateUp(dbpath); err != nil {
		return nil, fmt.Errorf("error running migrations: %w", err)
	}

	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	// single connection so writes never contend for the lock
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return &SQLiteDB{db: db, queries: queries{q: db}}, nil
}

func migrateUp(dbpath string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return err
	}
	defer m.Close()

	err = m.Up()
	var dirty migrate.ErrDirty
	if errors.As(err, &dirty) {
		// a migration was interrupted and its transaction rolled back,
		// so the schema is still at the previous version
		prev, err := previousVersion(source, dirty.Version)
		if err != nil {
			return err
		}
		if err := m.Force(prev); err != nil {
			return fmt.Errorf("could not reset dirty version %v: %w", dirty.Version, err)
		}
		err = m.Up()
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("could not recover from dirty version %v: %w", dirty.Version, err)
		}
		return nil
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// previousVersion returns the migration before version, or
// database.NilVersion if version is the first one.
func previousVersion(src source.Driver, version int) (int, error) {
	prev, err := src.Prev(uint(version))
	if errors.Is(err, fs.ErrNotExist) {
		return database.NilVersion, nil
	}
	if err != nil {
		return 0, err
	}
	return int(prev), nil
}

func checkIntegrity(dbpath string) error {
	if _, err := os.Stat(dbpath); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return err
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func removeDBFiles(dbpath string) error {
	for _, file := range []string{dbpath, dbpath + "-wal", dbpath + "-shm"} {
		if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

func (sqlite *SQLiteDB) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := sqlite.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(&queries{q: tx}); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// SaveProofs runs the batch in its own transaction when called outside Update.
func (sqlite *SQLiteDB) SaveProofs(proofs []storage.Proof, state storage.ProofState) error {
	return sqlite.Update(context.Background(), func(tx storage.Tx) error {
		return tx.SaveProofs(proofs, state)
	})
}

type queries struct {
	q querier
}

func placeholders(n int) string {
	return "?" + strings.Repeat(",?", n-1)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

func (s *queries) GetProofs(mint string, states ...storage.ProofState) ([]storage.Proof, error) {
	query := "SELECT mint, secret, keyset_id, amount, c, dleq, witness, state, melt_quote_id, created_at FROM proofs WHERE mint = ?"
	args := []any{mint}
	if len(states) > 0 {
		query += " AND state IN (" + placeholders(len(states)) + ")"
		for _, state := range states {
			args = append(args, int(state))
		}
	}
	query += " ORDER BY created_at, secret"

	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	proofs := []storage.Proof{}
	for rows.Next() {
		var proof storage.Proof
		var createdAt int64
		err := rows.Scan(
			&proof.Mint,
			&proof.Secret,
			&proof.KeysetId,
			&proof.Amount,
			&proof.C,
			&proof.DLEQ,
			&proof.Witness,
			&proof.State,
			&proof.MeltQuoteId,
			&createdAt,
		)
		if err != nil {
			return nil, err
		}
		proof.CreatedAt = time.Unix(createdAt, 0)
		proofs = append(proofs, proof)
	}

	return proofs, rows.Err()
}

func (s *queries) SaveProofs(proofs []storage.Proof, state storage.ProofState) error {
	if len(proofs) == 0 {
		return nil
	}

	stmt, err := s.q.Prepare(`
		INSERT INTO proofs (mint, secret, keyset_id, amount, c, dleq, witness, state, melt_quote_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (mint, secret) DO UPDATE SET
			state = max(proofs.state, excluded.state),
			melt_quote_id = CASE WHEN excluded.melt_quote_id != '' THEN excluded.melt_quote_id ELSE proofs.melt_quote_id END
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, proof := range proofs {
		createdAt := now
		if !proof.CreatedAt.IsZero() {
			createdAt = proof.CreatedAt.Unix()
		}
		_, err := stmt.Exec(
			proof.Mint,
			proof.Secret,
			proof.KeysetId,
			proof.Amount,
			proof.C,
			proof.DLEQ,
			proof.Witness,
			int(state),
			proof.MeltQuoteId,
			createdAt,
		)
		if err != nil {
			return fmt.Errorf("error saving proof: %w", err)
		}
	}

	return nil
}

func (s *queries) UpdateProofState(mint, secret string, state storage.ProofState) error {
	result, err := s.q.Exec(
		"UPDATE proofs SET state = ? WHERE mint = ? AND secret = ? AND state <= ?",
		int(state), mint, secret, int(state),
	)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 1 {
		return nil
	}

	var current storage.ProofState
	err = s.q.QueryRow("SELECT state FROM proofs WHERE mint = ? AND secret = ?", mint, secret).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrProofNotFound
	} else if err != nil {
		return err
	}
	return fmt.Errorf("%w: proof is %v, cannot move to %v", storage.ErrInvalidStateTransition, current, state)
}

func (s *queries) DeleteProof(mint, secret string) error {
	result, err := s.q.Exec("DELETE FROM proofs WHERE mint = ? AND secret = ?", mint, secret)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrProofNotFound
	}
	return nil
}

func (s *queries) GetBalance(mint string, state storage.ProofState) (uint64, error) {
	var balance uint64
	row := s.q.QueryRow("SELECT COALESCE(SUM(amount), 0) FROM proofs WHERE mint = ? AND state = ?", mint, int(state))
	if err := row.Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

const mintQuoteColumns = "mint, quote_id, state, payment_request, amount, unit, expiry, pubkey"

func scanMintQuote(scan func(dest ...any) error) (storage.MintQuote, error) {
	var quote storage.MintQuote
	var expiry int64
	err := scan(
		&quote.Mint,
		&quote.QuoteId,
		&quote.State,
		&quote.PaymentRequest,
		&quote.Amount,
		&quote.Unit,
		&expiry,
		&quote.Pubkey,
	)
	if err != nil {
		return storage.MintQuote{}, err
	}
	quote.Expiry = timeOrZero(expiry)
	return quote, nil
}

func (s *queries) GetMintQuote(mint, quoteId string) (storage.MintQuote, error) {
	row := s.q.QueryRow("SELECT "+mintQuoteColumns+" FROM mint_quotes WHERE mint = ? AND quote_id = ?", mint, quoteId)
	quote, err := scanMintQuote(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.MintQuote{}, storage.ErrQuoteNotFound
	}
	return quote, err
}

func (s *queries) GetMintQuotes(mint string, states ...nut04.State) ([]storage.MintQuote, error) {
	query := "SELECT " + mintQuoteColumns + " FROM mint_quotes WHERE mint = ?"
	args := []any{mint}
	if len(states) > 0 {
		query += " AND state IN (" + placeholders(len(states)) + ")"
		for _, state := range states {
			args = append(args, int(state))
		}
	}

	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quotes := []storage.MintQuote{}
	for rows.Next() {
		quote, err := scanMintQuote(rows.Scan)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, quote)
	}

	return quotes, rows.Err()
}

func (s *queries) SaveMintQuote(quote storage.MintQuote) error {
	unit := quote.Unit
	if unit == "" {
		unit = "sat"
	}

	_, err := s.q.Exec(`
		INSERT INTO mint_quotes (`+mintQuoteColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (mint, quote_id) DO UPDATE SET state = max(mint_quotes.state, excluded.state)`,
		quote.Mint,
		quote.QuoteId,
		int(quote.State),
		quote.PaymentRequest,
		quote.Amount,
		unit,
		unixOrZero(quote.Expiry),
		quote.Pubkey,
	)
	return err
}

func (s *queries) UpdateMintQuoteState(mint, quoteId string, state nut04.State) error {
	result, err := s.q.Exec(
		"UPDATE mint_quotes SET state = ? WHERE mint = ? AND quote_id = ? AND state <= ?",
		int(state), mint, quoteId, int(state),
	)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 1 {
		return nil
	}

	quote, err := s.GetMintQuote(mint, quoteId)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: quote is %v, cannot move to %v", storage.ErrInvalidStateTransition, quote.State, state)
}

func (s *queries) SaveMeltQuote(quote storage.MeltQuote) error {
	_, err := s.q.Exec(`
		INSERT INTO melt_quotes (mint, quote_id, payment_request, amount, fee_reserve, state, preimage, expiry)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (mint, quote_id) DO UPDATE SET
			state = max(melt_quotes.state, excluded.state),
			preimage = CASE WHEN excluded.preimage != '' THEN excluded.preimage ELSE melt_quotes.preimage END`,
		quote.Mint,
		quote.QuoteId,
		quote.PaymentRequest,
		quote.Amount,
		quote.FeeReserve,
		int(quote.State),
		quote.Preimage,
		unixOrZero(quote.Expiry),
	)
	return err
}

const meltQuoteColumns = "mint, quote_id, payment_request, amount, fee_reserve, state, preimage, expiry"

func scanMeltQuote(scan func(dest ...any) error) (storage.MeltQuote, error) {
	var quote storage.MeltQuote
	var expiry int64
	err := scan(
		&quote.Mint,
		&quote.QuoteId,
		&quote.PaymentRequest,
		&quote.Amount,
		&quote.FeeReserve,
		&quote.State,
		&quote.Preimage,
		&expiry,
	)
	if err != nil {
		return storage.MeltQuote{}, err
	}
	quote.Expiry = timeOrZero(expiry)
	return quote, nil
}

func (s *queries) GetMeltQuote(mint, quoteId string) (storage.MeltQuote, error) {
	row := s.q.QueryRow("SELECT "+meltQuoteColumns+" FROM melt_quotes WHERE mint = ? AND quote_id = ?", mint, quoteId)
	quote, err := scanMeltQuote(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.MeltQuote{}, storage.ErrQuoteNotFound
	}
	return quote, err
}

func (s *queries) GetMeltQuotes(mint string, states ...nut05.State) ([]storage.MeltQuote, error) {
	query := "SELECT " + meltQuoteColumns + " FROM melt_quotes WHERE mint = ?"
	args := []any{mint}
	if len(states) > 0 {
		query += " AND state IN (" + placeholders(len(states)) + ")"
		for _, state := range states {
			args = append(args, int(state))
		}
	}

	rows, err := s.q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quotes := []storage.MeltQuote{}
	for rows.Next() {
		quote, err := scanMeltQuote(rows.Scan)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, quote)
	}

	return quotes, rows.Err()
}

// UpdateMeltQuote only moves a melt quote forward, except for a pending
// quote whose payment failed, which goes back to unpaid.
func (s *queries) UpdateMeltQuote(mint, quoteId string, state nut05.State, preimage string) error {
	result, err := s.q.Exec(`
		UPDATE melt_quotes SET state = ?,
			preimage = CASE WHEN ? != '' THEN ? ELSE preimage END
		WHERE mint = ? AND quote_id = ? AND (state <= ? OR (state = ? AND ? = ?))`,
		int(state), preimage, preimage, mint, quoteId, int(state),
		int(nut05.Pending), int(state), int(nut05.Unpaid),
	)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 1 {
		return nil
	}

	quote, err := s.GetMeltQuote(mint, quoteId)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: quote is %v, cannot move to %v", storage.ErrInvalidStateTransition, quote.State, state)
}
