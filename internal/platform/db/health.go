package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Pinger is the part of the pool the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	AcquireWait   string `json:"acquire_wait"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
		AcquireWait:   stat.AcquireDuration().String(),
	}
}

// HealthHandler reports 200 while the database answers a ping and 503
// otherwise. Pool statistics are included when p is a *pgxpool.Pool.
func HealthHandler(p Pinger, version string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		body := map[string]interface{}{
			"status":  "ok",
			"version": version,
		}
		if pool, ok := p.(*pgxpool.Pool); ok {
			body["pool"] = GetPoolStats(pool)
		}

		if err := p.Ping(ctx); err != nil {
			body["status"] = "unhealthy"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		return c.JSON(http.StatusOK, body)
	}
}
