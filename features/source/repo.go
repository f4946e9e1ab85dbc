package source

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

const sourceColumns = `id, type, client_email, private_key, scopes, subject, fetch_interval_seconds, callback_url, created_at, updated_at`

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*Source, error) {
	s := &Source{}
	err := row.Scan(&s.ID, &s.Type, &s.Credentials.ClientEmail, &s.Credentials.PrivateKey, pq.Array(&s.Credentials.Scopes),
		&s.Credentials.Subject, &s.FetchIntervalSeconds, &s.CallbackURL, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepo) Save(ctx context.Context, src *Source) error {
	query := `INSERT INTO sources (type, client_email, private_key, scopes, subject, fetch_interval_seconds, callback_url) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at, updated_at`
	return r.db.QueryRowContext(ctx, query, src.Type, src.Credentials.ClientEmail, src.Credentials.PrivateKey, pq.Array(src.Credentials.Scopes),
		src.Credentials.Subject, src.FetchIntervalSeconds, src.CallbackURL).Scan(&src.ID, &src.CreatedAt, &src.UpdatedAt)
}

func (r *PostgresRepo) Get(ctx context.Context, id string) (*Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1 AND deleted_at IS NULL`
	s, err := scanSource(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Lookup reads a source whether or not it has been soft-deleted. Fetches that
// were already leased when the source was removed resolve it this way.
func (r *PostgresRepo) Lookup(ctx context.Context, id string) (*Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1`
	s, err := scanSource(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepo) List(ctx context.Context) ([]Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE deleted_at IS NULL ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *s)
	}
	return sources, rows.Err()
}

func (r *PostgresRepo) SoftDelete(ctx context.Context, id string) error {
	query := `UPDATE sources SET deleted_at = NOW(), updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM sources WHERE deleted_at IS NULL`
	err := r.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}
