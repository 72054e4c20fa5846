package repo

import (
	"database/sql"
	"errors"
	"time"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// FormatTime renders timestamps the way every column stores them. RFC3339 in
// UTC sorts lexicographically, which the claim query relies on.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
