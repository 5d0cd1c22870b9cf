// Package repository is the image record data access layer.
package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

var (
	ErrRecordNotFound    = errors.New("image record not found")
	ErrDuplicateRecord   = errors.New("duplicate image record")
	ErrInvalidTransition = errors.New("invalid image record status transition")
	ErrStatusConflict    = errors.New("image record status changed concurrently")
)

//go:embed schema.sql
var schemaSQL string

// ImageRecord is the durable row behind one processing job.
type ImageRecord struct {
	ID               string
	UserID           string
	OriginalURL      string
	OriginalPath     string
	MaskProviderURL  string
	MaskStorageURL   string
	FinalProviderURL string
	FinalStorageURL  string
	Status           Status
	Style            string
	Prompt           string
	NegativePrompt   string
	Cost             float64
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CompletedAt      *time.Time
}

// MaskURL prefers the re-hosted copy of the mask.
func (r *ImageRecord) MaskURL() string {
	if r.MaskStorageURL != "" {
		return r.MaskStorageURL
	}
	return r.MaskProviderURL
}

// FinalURL prefers the re-hosted copy of the composite.
func (r *ImageRecord) FinalURL() string {
	if r.FinalStorageURL != "" {
		return r.FinalStorageURL
	}
	return r.FinalProviderURL
}

// RecordUpdate carries the columns written together with a status change.
// Nil fields keep their stored value.
type RecordUpdate struct {
	MaskProviderURL  *string
	MaskStorageURL   *string
	FinalProviderURL *string
	FinalStorageURL  *string
	Style            *string
	Prompt           *string
	NegativePrompt   *string
	ErrorMessage     *string
	AddCost          float64
}

// String returns a pointer to s, or nil when s is empty.
func String(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const recordColumns = `id, user_id, original_url, original_path, mask_provider_url, mask_storage_url,
		final_provider_url, final_storage_url, status, style, prompt, negative_prompt, cost,
		error_message, created_at, updated_at, completed_at`

// ImageRepository stores image records in Postgres.
type ImageRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewImageRepository(db *sql.DB) *ImageRepository {
	return &ImageRepository{db: db, now: time.Now}
}

// Migrate creates the schema and folds legacy columns into their canonical names.
func (r *ImageRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate image_records: %w", err)
	}
	return nil
}

// Create inserts a new record in the uploaded status.
func (r *ImageRepository) Create(ctx context.Context, rec *ImageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := r.now().UTC()
	rec.Status = StatusUploaded
	rec.CreatedAt = now
	rec.UpdatedAt = now

	query := `
		INSERT INTO image_records
		(id, user_id, original_url, original_path, status, style, prompt, negative_prompt,
		 cost, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.UserID, rec.OriginalURL, rec.OriginalPath, string(rec.Status),
		nullString(rec.Style), nullString(rec.Prompt), nullString(rec.NegativePrompt),
		rec.Cost, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRecord
		}
		return fmt.Errorf("insert image record: %w", err)
	}
	return nil
}

// Get loads a record owned by userID.
func (r *ImageRepository) Get(ctx context.Context, id, userID string) (*ImageRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrRecordNotFound
	}
	query := `SELECT ` + recordColumns + ` FROM image_records WHERE id = $1 AND user_id = $2`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get image record: %w", err)
	}
	return rec, nil
}

// ListByUser returns the newest records of a user first.
func (r *ImageRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*ImageRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query := `SELECT ` + recordColumns + `
		FROM image_records
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list image records: %w", err)
	}
	defer rows.Close()

	var out []*ImageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list image records: %w", err)
	}
	return out, nil
}

// UpdateStatus moves a record one hop through the status flow. The write is
// conditional on the record still being in from.
func (r *ImageRepository) UpdateStatus(ctx context.Context, id string, from, to Status, upd RecordUpdate) (*ImageRecord, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := r.now().UTC()
	var completedAt sql.NullTime
	if to == StatusCompleted {
		completedAt = sql.NullTime{Time: now, Valid: true}
	}
	errMsg := upd.ErrorMessage
	if to != StatusError && errMsg == nil {
		empty := ""
		errMsg = &empty
	}

	query := `
		UPDATE image_records SET
			status = $3,
			mask_provider_url = COALESCE($4, mask_provider_url),
			mask_storage_url = COALESCE($5, mask_storage_url),
			final_provider_url = COALESCE($6, final_provider_url),
			final_storage_url = COALESCE($7, final_storage_url),
			style = COALESCE($8, style),
			prompt = COALESCE($9, prompt),
			negative_prompt = COALESCE($10, negative_prompt),
			error_message = NULLIF(COALESCE($11, error_message), ''),
			cost = cost + $12,
			updated_at = $13,
			completed_at = COALESCE($14, completed_at)
		WHERE id = $1 AND status = $2
		RETURNING ` + recordColumns
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query,
		id, string(from), string(to),
		upd.MaskProviderURL, upd.MaskStorageURL, upd.FinalProviderURL, upd.FinalStorageURL,
		upd.Style, upd.Prompt, upd.NegativePrompt, errMsg,
		upd.AddCost, now, completedAt,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s is no longer %s", ErrStatusConflict, id, from)
	}
	if err != nil {
		return nil, fmt.Errorf("update image record status: %w", err)
	}
	return rec, nil
}

// Advance walks rec through every intermediate status up to to. Only the
// final hop carries upd.
func (r *ImageRepository) Advance(ctx context.Context, rec *ImageRecord, to Status, upd RecordUpdate) (*ImageRecord, error) {
	path, ok := PathTo(rec.Status, to)
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, to)
	}
	if len(path) == 0 {
		return rec, nil
	}

	cur := rec
	for i, next := range path {
		hop := RecordUpdate{}
		if i == len(path)-1 {
			hop = upd
		}
		updated, err := r.UpdateStatus(ctx, cur.ID, cur.Status, next, hop)
		if err != nil {
			return nil, err
		}
		cur = updated
	}
	return cur, nil
}

// FailStale marks records stuck in a processing status since before cutoff as errored.
func (r *ImageRepository) FailStale(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	query := `
		UPDATE image_records
		SET status = $1, error_message = $2, updated_at = $3
		WHERE status IN ($4, $5) AND updated_at < $6
	`
	res, err := r.db.ExecContext(ctx, query,
		string(StatusError), message, r.now().UTC(),
		string(StatusProcessingMask), string(StatusProcessingInpainting), cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale image records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail stale image records: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*ImageRecord, error) {
	var (
		rec                                   ImageRecord
		status                                string
		maskProvider, maskStorage             sql.NullString
		finalProvider, finalStorage           sql.NullString
		style, prompt, negative, errorMessage sql.NullString
		completedAt                           sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.OriginalURL, &rec.OriginalPath,
		&maskProvider, &maskStorage, &finalProvider, &finalStorage,
		&status, &style, &prompt, &negative, &rec.Cost, &errorMessage,
		&rec.CreatedAt, &rec.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	rec.MaskProviderURL = nullStringToString(maskProvider)
	rec.MaskStorageURL = nullStringToString(maskStorage)
	rec.FinalProviderURL = nullStringToString(finalProvider)
	rec.FinalStorageURL = nullStringToString(finalStorage)
	rec.Style = nullStringToString(style)
	rec.Prompt = nullStringToString(prompt)
	rec.NegativePrompt = nullStringToString(negative)
	rec.ErrorMessage = nullStringToString(errorMessage)
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringToString(value sql.NullString) string {
	if value.Valid {
		return value.String
	}
	return ""
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
