package repository

import (
	"database/sql"
	"errors"
)

// HandleNotFound maps sql.ErrNoRows to (nil, nil) so Find* lookups report an
// unknown code or user as a nil row. Conditional updates use it too: an
// UPDATE ... RETURNING whose WHERE guard no longer matches also yields no rows,
// which callers read as "the transition lost the race".
func HandleNotFound[T any](row *T, err error) (*T, error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return row, nil
}
