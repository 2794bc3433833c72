package db

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	ClinicIDKey contextKey = "clinic_id"
	DBConnKey   contextKey = "db_conn"
	DBTxKey     contextKey = "db_tx"
)

var clinicIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SchemaName returns the schema holding a clinic's agenda.
func SchemaName(clinicID string) string {
	return "clinic_" + clinicID
}

// ClinicMiddleware pins a connection to the request and points its
// search_path at the clinic schema.
func ClinicMiddleware(pool *pgxpool.Pool, defaultClinic string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			clinicID := extractClinicID(c, defaultClinic)

			if !clinicIDPattern.MatchString(clinicID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic identifier")
			}

			ctx, release, err := WithClinic(c.Request().Context(), pool, clinicID)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer release()

			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("clinic_id", clinicID)

			return next(c)
		}
	}
}

// WithClinic acquires a connection scoped to the clinic schema and stores it
// in the returned context. release must be called when done.
func WithClinic(ctx context.Context, pool *pgxpool.Pool, clinicID string) (context.Context, func(), error) {
	if !clinicIDPattern.MatchString(clinicID) {
		return nil, nil, fmt.Errorf("invalid clinic identifier: %s", clinicID)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(clinicID))); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("set search_path: %w", err)
	}
	release := func() {
		_, _ = conn.Exec(context.Background(), "RESET search_path")
		conn.Release()
	}
	ctx = context.WithValue(ctx, ClinicIDKey, clinicID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return ctx, release, nil
}

func extractClinicID(c echo.Context, defaultClinic string) string {
	if cid, ok := c.Get("jwt_clinic_id").(string); ok && cid != "" {
		return cid
	}

	if cid := c.Request().Header.Get("X-Clinic-ID"); cid != "" {
		return cid
	}

	if cid := c.QueryParam("clinic_id"); cid != "" {
		return cid
	}

	return defaultClinic
}

// ClinicFromContext retrieves the clinic ID from context.
func ClinicFromContext(ctx context.Context) string {
	cid, _ := ctx.Value(ClinicIDKey).(string)
	return cid
}

// CreateClinicSchema creates a clinic schema and applies every migration in
// migrations to it. A nil migrations skips the migration step.
func CreateClinicSchema(ctx context.Context, pool *pgxpool.Pool, clinicID string, migrations fs.FS) error {
	if !clinicIDPattern.MatchString(clinicID) {
		return fmt.Errorf("invalid clinic identifier: %s", clinicID)
	}

	schema := SchemaName(clinicID)

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrations != nil {
		if _, err := NewMigrator(pool, migrations).Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}

	return nil
}
