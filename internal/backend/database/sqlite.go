package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"
)

type SQLiteDatabase struct {
	db               *sql.DB
	connectionString string
}

func NewSQLiteDatabase(connectionString string) (DatabaseService, error) {
	inMemory := isMemoryDSN(connectionString)
	dsn := connectionString
	if !inMemory && !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if inMemory {
		// every connection to :memory: opens a separate empty database
		db.SetMaxOpenConns(1)
	}

	return &SQLiteDatabase{
		db:               db,
		connectionString: connectionString,
	}, nil
}

func isMemoryDSN(dsn string) bool {
	return dsn == "" || strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

func (s *SQLiteDatabase) CreateDatabase(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS class_descriptions (
		class_index INTEGER PRIMARY KEY,
		class_name TEXT NOT NULL,
		description TEXT NOT NULL
	)`)
	return err
}

func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteDatabase) DoesDatabaseExist(ctx context.Context) bool {
	// the file is created on connect, so a successful ping is enough
	return s.db.PingContext(ctx) == nil
}

func (s *SQLiteDatabase) GetClassRecord(ctx context.Context, index int) (ClassRecord, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT class_index, class_name, description FROM class_descriptions WHERE class_index = ?", index)
	var record ClassRecord
	if err := row.Scan(&record.Index, &record.Name, &record.Description); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ClassRecord{}, false, nil
		}
		return ClassRecord{}, false, err
	}
	return record, true, nil
}

func (s *SQLiteDatabase) UpsertClassRecord(ctx context.Context, record ClassRecord) error {
	record, err := prepareRecord(record)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO class_descriptions (class_index, class_name, description)
		VALUES (?, ?, ?)
		ON CONFLICT(class_index) DO UPDATE SET
			class_name = excluded.class_name,
			description = excluded.description`,
		record.Index, record.Name, record.Description)
	return err
}

func (s *SQLiteDatabase) SeedClassRecords(ctx context.Context, records []ClassRecord) (int, error) {
	prepared := make([]ClassRecord, 0, len(records))
	for _, r := range records {
		p, err := prepareRecord(r)
		if err != nil {
			return 0, err
		}
		prepared = append(prepared, p)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback() // no-op after a successful commit
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO class_descriptions (class_index, class_name, description)
		VALUES (?, ?, ?) ON CONFLICT(class_index) DO NOTHING`)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = stmt.Close()
	}()

	inserted := 0
	for _, r := range prepared {
		res, err := stmt.ExecContext(ctx, r.Index, r.Name, r.Description)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *SQLiteDatabase) GetAllClassRecords(ctx context.Context) ([]ClassRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT class_index, class_name, description FROM class_descriptions ORDER BY class_index")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close() // Explicitly ignore error as we're already returning an error from the function
	}()

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

func (s *SQLiteDatabase) DeleteClassRecord(ctx context.Context, index int) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM class_descriptions WHERE class_index = ?", index)
	return err
}
