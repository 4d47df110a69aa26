package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/vitebski/survey-loader/pkg/models"
)

// Record appends an entry to the processing error log
func (s *Store) Record(ctx context.Context, e models.ProcessingError) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_errors (id, err_code, err_message, data_uuid, err_context, is_resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind.Code(), e.Message, nullString(models.CleanInstanceID(e.InstanceID)), nullString(e.Context),
		boolInt(e.Resolved), e.CreatedAt.UTC().Format(timeLayout))
	return err
}

// Errors lists the error log, oldest first
func (s *Store) Errors(ctx context.Context, includeResolved bool) ([]models.ProcessingError, error) {
	query := `SELECT id, err_code, err_message, data_uuid, err_context, is_resolved, created_at FROM processing_errors`
	if !includeResolved {
		query += ` WHERE is_resolved = 0`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ProcessingError
	for rows.Next() {
		var e models.ProcessingError
		var code, resolved int
		var instance, errCtx sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &code, &e.Message, &instance, &errCtx, &resolved, &created); err != nil {
			return nil, err
		}
		e.Kind = models.KindForCode(code)
		e.InstanceID = instance.String
		e.Context = errCtx.String
		e.Resolved = resolved == 1
		e.CreatedAt = parseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClearErrors empties the error log
func (s *Store) ClearErrors(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM processing_errors`)
	return err
}
