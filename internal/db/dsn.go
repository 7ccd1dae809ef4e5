package db

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// WithDBName points dsn at database. URL DSNs (postgres:// or
// postgresql://, or host:port/path without a scheme) get their path
// replaced; keyword/value DSNs get their dbname key set.
func WithDBName(dsn, database string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	database = strings.TrimPrefix(strings.TrimSpace(database), "/")
	if dsn == "" {
		return "", errors.New("empty DSN")
	}
	if database == "" {
		return dsn, nil
	}
	if isKeywordDSN(dsn) {
		return withKeywordDBName(dsn, database), nil
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse DSN: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("unsupported DSN scheme %q", u.Scheme)
	}
	u.Path = "/" + database
	u.RawPath = ""
	return u.String(), nil
}

func isKeywordDSN(dsn string) bool {
	return !strings.Contains(dsn, "://") && strings.Contains(dsn, "=")
}

func withKeywordDBName(dsn, database string) string {
	fields := strings.Fields(dsn)
	out := fields[:0]
	for _, f := range fields {
		if !strings.HasPrefix(f, "dbname=") {
			out = append(out, f)
		}
	}
	return strings.Join(append(out, "dbname="+database), " ")
}
