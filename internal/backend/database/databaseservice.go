package database

import "context"

type DatabaseService interface {
	CreateDatabase(ctx context.Context) error
	DoesDatabaseExist(ctx context.Context) bool
	Close() error

	// GetClassRecord reports found=false, without error, for unknown indices.
	GetClassRecord(ctx context.Context, index int) (ClassRecord, bool, error)
	// UpsertClassRecord replaces the whole record; the previous one is never merged.
	UpsertClassRecord(ctx context.Context, record ClassRecord) error
	// SeedClassRecords inserts records whose index is absent and returns how many were added.
	SeedClassRecords(ctx context.Context, records []ClassRecord) (int, error)
	// GetAllClassRecords returns every record ordered by index.
	GetAllClassRecords(ctx context.Context) ([]ClassRecord, error)
	DeleteClassRecord(ctx context.Context, index int) error
}
