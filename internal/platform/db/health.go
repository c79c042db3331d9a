package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is a JSON view of the connection pool.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireDuration string `json:"acquire_duration"`
}

// SchemaStats summarizes the migration state of the practice schema.
type SchemaStats struct {
	Schema  string `json:"schema"`
	Applied int    `json:"applied"`
	Pending int    `json:"pending"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

func summarizeSchema(schema string, statuses []MigrationStatus) SchemaStats {
	s := SchemaStats{Schema: schema}
	for _, st := range statuses {
		if st.Applied {
			s.Applied++
		} else {
			s.Pending++
		}
	}
	return s
}

// HealthHandler pings the database and reports pool and schema state. The
// destination schema counts as unhealthy while migrations are pending.
func HealthHandler(pool *pgxpool.Pool, migrator *Migrator, schema string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		body := map[string]interface{}{"pool": GetPoolStats(pool)}
		if err := pool.Ping(ctx); err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}

		statuses, err := migrator.Status(ctx, schema)
		if err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		ss := summarizeSchema(schema, statuses)
		body["schema"] = ss
		if ss.Pending > 0 {
			body["status"] = "migrations_pending"
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["status"] = "healthy"
		return c.JSON(http.StatusOK, body)
	}
}
