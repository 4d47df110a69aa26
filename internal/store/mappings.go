package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vitebski/survey-loader/pkg/models"
)

// SaveMapping inserts a mapping definition or replaces the attributes of the
// one binding the same question to the same column
func (s *Store) SaveMapping(ctx context.Context, m models.MappingDefinition) (int64, error) {
	var nullable sql.NullInt64
	if m.Nullable != nil {
		nullable = sql.NullInt64{Int64: int64(boolInt(*m.Nullable)), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mappings (form_group, form_question, dest_table_name, dest_column_name,
			odk_question_type, db_question_type, ref_table_name, ref_column_name, validation_regex,
			is_record_identifier, is_lookup_field, is_null, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (form_group, form_question, dest_table_name, dest_column_name) DO UPDATE SET
			odk_question_type = excluded.odk_question_type,
			db_question_type = excluded.db_question_type,
			ref_table_name = excluded.ref_table_name,
			ref_column_name = excluded.ref_column_name,
			validation_regex = excluded.validation_regex,
			is_record_identifier = excluded.is_record_identifier,
			is_lookup_field = excluded.is_lookup_field,
			is_null = excluded.is_null`,
		m.FormGroup, m.SourceField, m.DestTable, m.DestColumn,
		nullString(m.QuestionType), nullString(m.DBQuestionType), nullString(m.RefTable), nullString(m.RefColumn),
		nullString(m.ValidationRegex), boolInt(m.IsRecordIdentifier), boolInt(m.IsLookup), nullable,
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("save mapping %s -> %s.%s: %w", m.SourceField, m.DestTable, m.DestColumn, err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		SELECT id FROM mappings
		WHERE form_group = ? AND form_question = ? AND dest_table_name = ? AND dest_column_name = ?`,
		m.FormGroup, m.SourceField, m.DestTable, m.DestColumn).Scan(&id)
	return id, err
}

// MappingsFor returns the mapping definitions of a form group
func (s *Store) MappingsFor(ctx context.Context, formGroup string) ([]models.MappingDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, form_group, form_question, dest_table_name, dest_column_name,
			odk_question_type, db_question_type, ref_table_name, ref_column_name, validation_regex,
			is_record_identifier, is_lookup_field, is_null
		FROM mappings WHERE form_group = ? ORDER BY id`, formGroup)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []models.MappingDefinition
	for rows.Next() {
		var m models.MappingDefinition
		var qType, dbType, refTable, refColumn, pattern sql.NullString
		var identifier, lookup int
		var nullable sql.NullInt64
		if err := rows.Scan(&m.ID, &m.FormGroup, &m.SourceField, &m.DestTable, &m.DestColumn,
			&qType, &dbType, &refTable, &refColumn, &pattern, &identifier, &lookup, &nullable); err != nil {
			return nil, err
		}
		m.QuestionType = qType.String
		m.DBQuestionType = dbType.String
		m.RefTable = refTable.String
		m.RefColumn = refColumn.String
		m.ValidationRegex = pattern.String
		m.IsRecordIdentifier = identifier == 1
		m.IsLookup = lookup == 1
		if nullable.Valid {
			v := nullable.Int64 == 1
			m.Nullable = &v
		}
		defs = append(defs, m)
	}
	return defs, rows.Err()
}

// MarkNullable records that a mapped column accepts nulls
func (s *Store) MarkNullable(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE mappings SET is_null = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mapping %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteMappings removes every mapping of a form group
func (s *Store) DeleteMappings(ctx context.Context, formGroup string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mappings WHERE form_group = ?`, formGroup)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
