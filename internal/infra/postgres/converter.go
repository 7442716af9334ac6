package postgres

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// PgtextToString は pgtype.Text を string に変換する（NULLは空文字列）
func PgtextToString(t pgtype.Text) string {
	if !t.Valid {
		return ""
	}
	return t.String
}

// PgtextToStringPtr は pgtype.Text を *string に変換する（NULLはnil）
func PgtextToStringPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

// PgInt8ToInt64Ptr は pgtype.Int8 を *int64 に変換する（NULLはnil）
func PgInt8ToInt64Ptr(n pgtype.Int8) *int64 {
	if !n.Valid {
		return nil
	}
	return &n.Int64
}

// PgTimestamptzToTimePtr は pgtype.Timestamptz を *time.Time に変換する（NULLはnil）
func PgTimestamptzToTimePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time
	return &value
}
