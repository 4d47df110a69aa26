package models

import "time"

// Column represents a destination column with its properties
type Column struct {
	Name          string
	DataType      string
	ColumnType    string
	CharMaxLength *int64
	IsNullable    bool
	ColumnKey     string
	Default       *string
	Extra         string
	ColumnComment string
}

// IsPrimaryKey reports whether the column is (part of) the primary key
func (c Column) IsPrimaryKey() bool {
	return c.ColumnKey == KeyPrimary
}

// IsAutoIncrement reports whether the database generates the column value
func (c Column) IsAutoIncrement() bool {
	return containsFold(c.Extra, "auto_increment")
}

// HasDefault reports whether the database has a default for the column
func (c Column) HasDefault() bool {
	return c.Default != nil
}

// Column key kinds, using the MySQL information_schema vocabulary
const (
	KeyPrimary  = "PRI"
	KeyUnique   = "UNI"
	KeyMultiple = "MUL"
)

// ForeignKey represents a foreign key relationship
type ForeignKey struct {
	Table            string
	Column           string
	ReferencedTable  string
	ReferencedColumn string
	IsNullable       bool
	ConstraintName   string
}

// MappingDefinition binds one submission field to one destination column
type MappingDefinition struct {
	ID                 int64
	FormGroup          string
	SourceField        string
	DestTable          string
	DestColumn         string
	QuestionType       string
	DBQuestionType     string
	RefTable           string
	RefColumn          string
	ValidationRegex    string
	Nullable           *bool
	IsRecordIdentifier bool
	IsLookup           bool
}

// IsSelect reports whether the source question is a single or multiple select
func (m MappingDefinition) IsSelect() bool {
	switch m.QuestionType {
	case "select one", "select_one", "select multiple", "select_multiple":
		return true
	}
	return false
}

// FormGroup is a set of forms sharing one mapping configuration
type FormGroup struct {
	ID         int64
	Name       string
	OrderIndex int
	Comments   string
}

// Form is a data-collection form registered in a form group
type Form struct {
	ID         int64
	FormID     int64
	FormGroup  string
	Name       string
	FullFormID string
}

// FormStatus holds processed/unprocessed submission counts for one form
type FormStatus struct {
	FormID      int64
	FormName    string
	FormGroup   string
	Processed   int
	Unprocessed int
}

// CommentLevel is the severity of a validation comment
type CommentLevel string

const (
	LevelDanger  CommentLevel = "danger"
	LevelWarning CommentLevel = "warning"
	LevelInfo    CommentLevel = "info"
)

// Comment is a human readable remark produced while validating or loading
type Comment struct {
	Level   CommentLevel
	Message string
}

// ProcessingError is a load-time failure record
type ProcessingError struct {
	ID         string
	Kind       ErrorKind
	Message    string
	InstanceID string
	Context    string
	Resolved   bool
	CreatedAt  time.Time
}

// LoadResult summarises one load pass
type LoadResult struct {
	FormGroup string
	Instances int
	Committed int
	Failed    int
	IsError   bool
	Comments  []string
}
