package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/buger/jsonparser"

	"github.com/vitebski/survey-loader/pkg/models"
)

// SaveSubmission stores a raw submission unless one with the same instance id
// exists. It reports whether a row was inserted.
func (s *Store) SaveSubmission(ctx context.Context, doc models.SubmissionDocument) (bool, error) {
	at := doc.SubmittedAt
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_submissions (form_id, uuid, submission_time, raw_data) VALUES (?, ?, ?, ?)
		ON CONFLICT (uuid) DO NOTHING`,
		doc.FormID, models.CleanInstanceID(doc.InstanceID), at.UTC().Format(timeLayout), string(doc.Raw))
	if err != nil {
		return false, fmt.Errorf("save submission %s: %w", doc.InstanceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Submissions returns the submissions of a form group in submission order.
// With no uuids only unprocessed submissions are returned; otherwise exactly
// the listed ones, processed or not.
func (s *Store) Submissions(ctx context.Context, formGroup string, uuids []string) ([]models.SubmissionDocument, error) {
	query := `
		SELECT r.form_id, r.submission_time, r.raw_data
		FROM raw_submissions r
		JOIN forms f ON f.form_id = r.form_id
		WHERE f.form_group = ?`
	args := []any{formGroup}
	if len(uuids) == 0 {
		query += ` AND r.is_processed = 0`
	} else {
		query += ` AND r.uuid IN (` + placeholders(len(uuids)) + `)`
		for _, u := range uuids {
			args = append(args, models.CleanInstanceID(strings.TrimSpace(u)))
		}
	}
	query += ` ORDER BY r.submission_time, r.id`
	return s.submissions(ctx, query, args...)
}

// SubmissionsForForm returns every stored submission of one form
func (s *Store) SubmissionsForForm(ctx context.Context, formID int64) ([]models.SubmissionDocument, error) {
	return s.submissions(ctx, `
		SELECT form_id, submission_time, raw_data FROM raw_submissions
		WHERE form_id = ? ORDER BY submission_time, id`, formID)
}

func (s *Store) submissions(ctx context.Context, query string, args ...any) ([]models.SubmissionDocument, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []models.SubmissionDocument
	for rows.Next() {
		var formID int64
		var at, raw string
		if err := rows.Scan(&formID, &at, &raw); err != nil {
			return nil, err
		}
		doc, err := models.ParseSubmission(formID, []byte(raw))
		if err != nil {
			return nil, fmt.Errorf("stored submission of form %d: %w", formID, err)
		}
		doc.SubmittedAt = parseTime(at)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// MarkProcessed flags a submission as loaded
func (s *Store) MarkProcessed(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE raw_submissions SET is_processed = 1 WHERE uuid = ?`, models.CleanInstanceID(instanceID))
	return err
}

// ResetProcessed marks every submission unprocessed
func (s *Store) ResetProcessed(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE raw_submissions SET is_processed = 0`)
	return err
}

var submissionTimeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"}

// ImportSubmissions saves a JSON array of submissions, or a single
// submission object, for one registered form. The _submission_time field,
// when present, sets the submission order.
func (s *Store) ImportSubmissions(ctx context.Context, formID int64, data []byte) (inserted, skipped int, err error) {
	if _, err := s.Form(ctx, formID); err != nil {
		return 0, 0, err
	}

	var docs []models.SubmissionDocument
	add := func(raw []byte) error {
		doc, err := models.ParseSubmission(formID, append([]byte(nil), raw...))
		if err != nil {
			return err
		}
		if at, err := jsonparser.GetString(raw, "_submission_time"); err == nil {
			for _, layout := range submissionTimeLayouts {
				if t, err := time.Parse(layout, at); err == nil {
					doc.SubmittedAt = t
					break
				}
			}
		}
		docs = append(docs, doc)
		return nil
	}

	_, dataType, _, err := jsonparser.Get(data)
	if err != nil {
		return 0, 0, fmt.Errorf("read submissions: %w", err)
	}
	switch dataType {
	case jsonparser.Object:
		err = add(data)
	case jsonparser.Array:
		var itemErr error
		_, err = jsonparser.ArrayEach(data, func(value []byte, vt jsonparser.ValueType, _ int, _ error) {
			if itemErr != nil {
				return
			}
			if vt != jsonparser.Object {
				itemErr = fmt.Errorf("submission %d is a %s, not an object", len(docs)+1, vt)
				return
			}
			itemErr = add(value)
		})
		if err == nil {
			err = itemErr
		}
	default:
		err = fmt.Errorf("expected a submission object or array, found %s", dataType)
	}
	if err != nil {
		return 0, 0, err
	}

	for _, doc := range docs {
		ok, err := s.SaveSubmission(ctx, doc)
		if err != nil {
			return inserted, skipped, err
		}
		if ok {
			inserted++
		} else {
			skipped++
		}
	}
	s.logger.Infof("Imported %d submissions for form %d (%d already stored)", inserted, formID, skipped)
	return inserted, skipped, nil
}
