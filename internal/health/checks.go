package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const checkTimeout = 2 * time.Second

// Database pings the connection pool.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		stats := db.Stats()
		return Status{Name: "database", Healthy: true, Detail: fmt.Sprintf("%d open, %d in use", stats.OpenConnections, stats.InUse)}
	}
}

// Redis pings the notification queue backend.
func Redis(client redis.UniversalClient) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return Status{Name: "redis", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "redis", Healthy: true}
	}
}

// Loop reports whether a background loop such as the sweep timer or the
// notification workers is running.
func Loop(name string, running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: name, Healthy: false, Detail: "not running"}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Handler serves the aggregate status: 200 "healthy" when every check
// passes, 200 "degraded" when only optional checks fail, 503 otherwise.
func (r *Registry) Handler(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		healthy, statuses := r.CheckAll(c.Request.Context())
		code, status := http.StatusOK, "healthy"
		switch {
		case !healthy:
			code, status = http.StatusServiceUnavailable, "unhealthy"
		case Degraded(statuses):
			status = "degraded"
		}
		c.JSON(code, gin.H{
			"status":  status,
			"version": version,
			"checks":  statuses,
		})
	}
}

// Live always answers 200 while the process serves requests.
func Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}
