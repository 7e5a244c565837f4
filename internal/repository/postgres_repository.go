package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/toycart/internal/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// PostgresRepository stores each cart document as one JSONB row.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	return &PostgresRepository{db: db}, nil
}

func (r *PostgresRepository) RunMigrations(migrationsPath string) error {
	driver, err := postgres.WithInstance(r.db, &postgres.Config{
		MigrationsTable: "carts_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) GetCart(ctx context.Context, userID string) (*domain.RemoteCart, error) {
	var (
		raw       []byte
		updatedAt time.Time
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT lines, updated_at FROM carts WHERE user_id = $1`, userID,
	).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCartNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cart: %w", err)
	}

	var docs []lineDoc
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cart lines: %w", err)
	}
	lines, err := docsToLines(docs)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cart: %w", err)
	}

	return &domain.RemoteCart{UserID: userID, Lines: lines, UpdatedAt: updatedAt}, nil
}

func (r *PostgresRepository) ReplaceCart(ctx context.Context, userID string, lines []domain.CartLine) error {
	raw, err := json.Marshal(linesToDocs(lines))
	if err != nil {
		return fmt.Errorf("failed to marshal cart lines: %w", err)
	}

	query := `INSERT INTO carts (user_id, lines, updated_at) VALUES ($1, $2, NOW())
	          ON CONFLICT (user_id) DO UPDATE SET lines = EXCLUDED.lines, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.ExecContext(ctx, query, userID, string(raw)); err != nil {
		return fmt.Errorf("failed to replace cart: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	return r.db.Close()
}
