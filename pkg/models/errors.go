package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies planning, validation and load failures
type ErrorKind string

const (
	StructureErrorKind     ErrorKind = "StructureError"
	DuplicateData          ErrorKind = "DuplicateData"
	MissingMandatoryColumn ErrorKind = "MissingMandatoryColumn"
	NoPrimaryKey           ErrorKind = "NoPrimaryKey"
	NoUniqueConstraint     ErrorKind = "NoUniqueConstraint"
	AmbiguousForeignKey    ErrorKind = "AmbiguousForeignKey"
	MissingForeignKey      ErrorKind = "MissingForeignKey"
	MissingLookupMatch     ErrorKind = "MissingLookupMatch"
	MissingDataPoint       ErrorKind = "MissingDataPoint"
	InvalidRegexValidation ErrorKind = "InvalidRegexValidation"
	UnknownDatabaseError   ErrorKind = "UnknownDatabaseError"
	NoSourceMapping        ErrorKind = "NoSourceMapping"
	DependencyCycle        ErrorKind = "DependencyCycle"
	InvalidMapping         ErrorKind = "InvalidMapping"
	TransportError         ErrorKind = "TransportError"
)

var errorCodes = map[ErrorKind]int{
	StructureErrorKind:     1001,
	DuplicateData:          1002,
	MissingMandatoryColumn: 1003,
	NoPrimaryKey:           1004,
	NoUniqueConstraint:     1005,
	AmbiguousForeignKey:    1006,
	MissingForeignKey:      1007,
	MissingLookupMatch:     1008,
	MissingDataPoint:       1009,
	InvalidRegexValidation: 1010,
	UnknownDatabaseError:   1011,
	NoSourceMapping:        1012,
	DependencyCycle:        1013,
	InvalidMapping:         1014,
	TransportError:         1015,
}

// Code returns the numeric code stored in the error log
func (k ErrorKind) Code() int {
	if c, ok := errorCodes[k]; ok {
		return c
	}
	return 1999
}

// KindForCode maps a stored numeric code back to its kind
func KindForCode(code int) ErrorKind {
	for k, c := range errorCodes {
		if c == code {
			return k
		}
	}
	return UnknownDatabaseError
}

// IsRowFatal reports whether the kind aborts the remaining rows of a table
func (k ErrorKind) IsRowFatal() bool {
	switch k {
	case AmbiguousForeignKey, MissingForeignKey, MissingLookupMatch, MissingDataPoint, InvalidRegexValidation:
		return true
	}
	return false
}

// Planning sentinels, wrapped by PlanError
var (
	ErrNoPrimaryKey        = errors.New("no primary key")
	ErrNoRecordIdentifier  = errors.New("no record identifier column")
	ErrNoUniqueConstraint  = errors.New("no unique constraint")
	ErrAmbiguousForeignKey = errors.New("ambiguous foreign key")
	ErrNoSourceMapping     = errors.New("no source mapping")
	ErrDependencyCycle     = errors.New("dependency cycle")
	ErrInvalidMapping      = errors.New("invalid mapping")

	ErrMissingMandatoryColumn = errors.New("mandatory column not mapped")
)

// StructureError reports a malformed submission document
type StructureError struct {
	Path     string
	Expected ValueKind
	Found    ValueKind
}

func (e *StructureError) Error() string {
	return fmt.Sprintf("malformed submission at %s: expected %s, found %s", e.Path, e.Expected, e.Found)
}

// LoadError is a classified failure raised while loading a row
type LoadError struct {
	Kind    ErrorKind
	Table   string
	Message string
	Query   string
	Values  []any
	Err     error
}

func (e *LoadError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Table != "" {
		b.WriteString(" [")
		b.WriteString(e.Table)
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Context renders the query template and bound values for the error log
func (e *LoadError) Context() string {
	if e.Query == "" {
		return ""
	}
	return fmt.Sprintf("Query: %s, Values: %v", e.Query, e.Values)
}

// NewLoadError builds a LoadError
func NewLoadError(kind ErrorKind, table, format string, args ...any) *LoadError {
	return &LoadError{Kind: kind, Table: table, Message: fmt.Sprintf(format, args...)}
}

// PlanError is a fatal planning failure for one destination table
type PlanError struct {
	Kind    ErrorKind
	Table   string
	Message string
	Err     error
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Table, e.Message)
}

func (e *PlanError) Unwrap() error {
	return e.Err
}

// KindOf returns the classified kind of err, or UnknownDatabaseError
func KindOf(err error) ErrorKind {
	var le *LoadError
	if errors.As(err, &le) {
		return le.Kind
	}
	var pe *PlanError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var se *StructureError
	if errors.As(err, &se) {
		return StructureErrorKind
	}
	return UnknownDatabaseError
}
