package sqlutil

import (
	"database/sql"
	"time"
)

// Helper functions for converting between Go types and sql.Null* types

// ToSqlString converts a Go string pointer to sql.NullString
func ToSqlString(val *string) sql.NullString {
	if val == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: *val, Valid: true}
}

// FromSqlStringPtr converts sql.NullString to Go string pointer
func FromSqlStringPtr(val sql.NullString) *string {
	if !val.Valid {
		return nil
	}
	return &val.String
}

// ToSqlTime converts a Go time to sql.NullTime, treating the zero time as NULL
// so the database default applies.
func ToSqlTime(val time.Time) sql.NullTime {
	if val.IsZero() {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: val, Valid: true}
}
