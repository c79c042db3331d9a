package db

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	PracticeIDKey contextKey = "practice_id"
	DBConnKey     contextKey = "db_conn"
)

var practiceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// PracticeSchema returns the destination schema name for a practice.
func PracticeSchema(practiceID string) (string, error) {
	if !practiceIDPattern.MatchString(practiceID) {
		return "", fmt.Errorf("invalid practice identifier: %q", practiceID)
	}
	return "practice_" + practiceID, nil
}

// EnsurePracticeSchema creates the practice schema and applies the
// migrations found in fsys. A nil fsys only creates the schema.
func EnsurePracticeSchema(ctx context.Context, pool *pgxpool.Pool, practiceID string, fsys fs.FS) (int, error) {
	schema, err := PracticeSchema(practiceID)
	if err != nil {
		return 0, err
	}
	if fsys == nil {
		if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
			return 0, fmt.Errorf("create schema %s: %w", schema, err)
		}
		return 0, nil
	}
	n, err := NewMigrator(pool, fsys, ".").Up(ctx, schema)
	if err != nil {
		return n, fmt.Errorf("run migrations for %s: %w", schema, err)
	}
	return n, nil
}

// AcquirePractice takes a connection from the pool, points its search_path
// at the practice schema and stores it in the returned context. release
// must be called when the caller is done.
func AcquirePractice(ctx context.Context, pool *pgxpool.Pool, practiceID string) (context.Context, func(), error) {
	schema, err := PracticeSchema(practiceID)
	if err != nil {
		return ctx, func() {}, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return ctx, func() {}, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", schema)); err != nil {
		conn.Release()
		return ctx, func() {}, fmt.Errorf("set search_path for %s: %w", schema, err)
	}
	release := func() {
		// Return the connection to the pool unscoped.
		_, _ = conn.Exec(context.Background(), "RESET search_path")
		conn.Release()
	}
	ctx = context.WithValue(ctx, PracticeIDKey, practiceID)
	return ContextWithConn(ctx, conn), release, nil
}

// PracticeFromContext returns the practice id stored by AcquirePractice.
func PracticeFromContext(ctx context.Context) string {
	id, _ := ctx.Value(PracticeIDKey).(string)
	return id
}
