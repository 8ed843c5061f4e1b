// Package records stores medical records with the national ID encrypted
// by pgcrypto under a server-held key. Every operation runs in its own
// transaction on a pooled connection.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"hiegate/pkg/models"
)

const DefaultOpTimeout = 10 * time.Second

var (
	ErrNotFound   = errors.New("record not found")
	ErrKeyMissing = errors.New("record encryption key is required")
)

// DB is the slice of pgxpool.Pool the repository uses.
type DB interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

type Repository struct {
	db        DB
	key       string
	opTimeout time.Duration
}

func NewRepository(db DB, key string) (*Repository, error) {
	if key == "" {
		return nil, ErrKeyMissing
	}
	return &Repository{db: db, key: key, opTimeout: DefaultOpTimeout}, nil
}

// inTx runs fn in a transaction that is rolled back on every path that
// does not commit.
func (r *Repository) inTx(ctx context.Context, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	tx, err := r.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

var readOnly = pgx.TxOptions{AccessMode: pgx.ReadOnly}

// Insert stores a record and returns the id assigned by the database.
func (r *Repository) Insert(ctx context.Context, rec models.MedicalRecord) (int64, error) {
	var id int64
	err := r.inTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, insertStatement,
			rec.PatientNo, rec.Name, rec.Gender, rec.NationalID, r.key,
			rec.Address, rec.Department, rec.DiseaseCode, rec.Diagnosis,
			rec.VisitStart, rec.VisitEnd, rec.Description, rec.Note,
			rec.DoctorName, rec.Hospital, rec.HospitalAddress, rec.IssueDate,
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}
	return id, nil
}

func (r *Repository) Search(ctx context.Context, f Filter) ([]models.MedicalRecord, error) {
	sql, args := BuildSearch(f, r.key)
	out := make([]models.MedicalRecord, 0)
	err := r.inTx(ctx, readOnly, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	return out, nil
}

// Get returns one record with the national ID decrypted.
func (r *Repository) Get(ctx context.Context, id int64) (models.MedicalRecord, error) {
	var rec models.MedicalRecord
	err := r.inTx(ctx, readOnly, func(tx pgx.Tx) error {
		var err error
		rec, err = scanRecord(tx.QueryRow(ctx, getStatement, r.key, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MedicalRecord{}, ErrNotFound
	}
	if err != nil {
		return models.MedicalRecord{}, fmt.Errorf("get record %d: %w", id, err)
	}
	return rec, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.db.Ping(ctx)
}

func scanRecord(row pgx.Row) (models.MedicalRecord, error) {
	var rec models.MedicalRecord
	err := row.Scan(
		&rec.ID, &rec.PatientNo, &rec.Name, &rec.Gender, &rec.NationalID,
		&rec.Address, &rec.Department, &rec.DiseaseCode, &rec.Diagnosis,
		&rec.VisitStart, &rec.VisitEnd, &rec.Description, &rec.Note, &rec.DoctorName,
		&rec.Hospital, &rec.HospitalAddress, &rec.IssueDate, &rec.CreatedAt,
	)
	return rec, err
}
