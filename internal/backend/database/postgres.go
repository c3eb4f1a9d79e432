package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresDatabase struct {
	pool *pgxpool.Pool
}

func NewPostgresDatabase(ctx context.Context, connectionString string) (DatabaseService, error) {
	poolCfg, err := pgxpool.ParseConfig(connectionString)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &PostgresDatabase{pool: pool}, nil
}

func (p *PostgresDatabase) CreateDatabase(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS class_descriptions (
		class_index INTEGER PRIMARY KEY,
		class_name TEXT NOT NULL,
		description TEXT NOT NULL
	)`)
	return err
}

func (p *PostgresDatabase) DoesDatabaseExist(ctx context.Context) bool {
	return p.pool.Ping(ctx) == nil
}

func (p *PostgresDatabase) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresDatabase) GetClassRecord(ctx context.Context, index int) (ClassRecord, bool, error) {
	var record ClassRecord
	err := p.pool.QueryRow(ctx,
		"SELECT class_index, class_name, description FROM class_descriptions WHERE class_index = $1", index).
		Scan(&record.Index, &record.Name, &record.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ClassRecord{}, false, nil
		}
		return ClassRecord{}, false, err
	}
	return record, true, nil
}

func (p *PostgresDatabase) UpsertClassRecord(ctx context.Context, record ClassRecord) error {
	record, err := prepareRecord(record)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO class_descriptions (class_index, class_name, description)
		VALUES ($1, $2, $3)
		ON CONFLICT (class_index) DO UPDATE SET
			class_name = EXCLUDED.class_name,
			description = EXCLUDED.description`,
		record.Index, record.Name, record.Description)
	return err
}

func (p *PostgresDatabase) SeedClassRecords(ctx context.Context, records []ClassRecord) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	inserted := 0
	for _, r := range records {
		r, err := prepareRecord(r)
		if err != nil {
			return 0, err
		}
		tag, err := tx.Exec(ctx, `INSERT INTO class_descriptions (class_index, class_name, description)
			VALUES ($1, $2, $3) ON CONFLICT (class_index) DO NOTHING`,
			r.Index, r.Name, r.Description)
		if err != nil {
			return 0, err
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (p *PostgresDatabase) GetAllClassRecords(ctx context.Context) ([]ClassRecord, error) {
	rows, err := p.pool.Query(ctx,
		"SELECT class_index, class_name, description FROM class_descriptions ORDER BY class_index")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []ClassRecord{}
	for rows.Next() {
		var record ClassRecord
		if err := rows.Scan(&record.Index, &record.Name, &record.Description); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (p *PostgresDatabase) DeleteClassRecord(ctx context.Context, index int) error {
	_, err := p.pool.Exec(ctx, "DELETE FROM class_descriptions WHERE class_index = $1", index)
	return err
}
