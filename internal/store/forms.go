package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vitebski/survey-loader/pkg/models"
)

// SaveFormGroup inserts a form group or updates the one with the same name
func (s *Store) SaveFormGroup(ctx context.Context, g models.FormGroup) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO form_groups (group_name, order_index, comments) VALUES (?, ?, ?)
		ON CONFLICT (group_name) DO UPDATE SET order_index = excluded.order_index, comments = excluded.comments`,
		g.Name, g.OrderIndex, nullString(g.Comments))
	if err != nil {
		return 0, fmt.Errorf("save form group %s: %w", g.Name, err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM form_groups WHERE group_name = ?`, g.Name).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// FormGroups returns all form groups in processing order
func (s *Store) FormGroups(ctx context.Context) ([]models.FormGroup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, group_name, order_index, comments FROM form_groups ORDER BY order_index, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []models.FormGroup
	for rows.Next() {
		var g models.FormGroup
		var comments sql.NullString
		if err := rows.Scan(&g.ID, &g.Name, &g.OrderIndex, &comments); err != nil {
			return nil, err
		}
		g.Comments = comments.String
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// SaveForm registers a form, updating its group and names if it exists
func (s *Store) SaveForm(ctx context.Context, f models.Form) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO forms (form_id, form_group, form_name, full_form_id) VALUES (?, ?, ?, ?)
		ON CONFLICT (form_id) DO UPDATE SET form_group = excluded.form_group,
			form_name = excluded.form_name, full_form_id = excluded.full_form_id`,
		f.FormID, f.FormGroup, f.Name, nullString(f.FullFormID))
	if err != nil {
		return fmt.Errorf("save form %d: %w", f.FormID, err)
	}
	return nil
}

// Form returns a registered form by its collection server id
func (s *Store) Form(ctx context.Context, formID int64) (models.Form, error) {
	var f models.Form
	var full sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, form_id, form_group, form_name, full_form_id FROM forms WHERE form_id = ?`, formID).
		Scan(&f.ID, &f.FormID, &f.FormGroup, &f.Name, &full)
	if errors.Is(err, sql.ErrNoRows) {
		return f, fmt.Errorf("form %d: %w", formID, ErrNotFound)
	}
	if err != nil {
		return f, err
	}
	f.FullFormID = full.String
	return f, nil
}

// Status returns processed and unprocessed submission counts per form
func (s *Store) Status(ctx context.Context) ([]models.FormStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.form_id, f.form_name, f.form_group,
			COALESCE(SUM(CASE WHEN r.is_processed = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN r.is_processed = 0 THEN 1 ELSE 0 END), 0)
		FROM forms f
		JOIN form_groups g ON g.group_name = f.form_group
		LEFT JOIN raw_submissions r ON r.form_id = f.form_id
		GROUP BY f.form_id, f.form_name, f.form_group, g.order_index
		ORDER BY g.order_index, f.form_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var status []models.FormStatus
	for rows.Next() {
		var st models.FormStatus
		if err := rows.Scan(&st.FormID, &st.FormName, &st.FormGroup, &st.Processed, &st.Unprocessed); err != nil {
			return nil, err
		}
		status = append(status, st)
	}
	return status, rows.Err()
}
