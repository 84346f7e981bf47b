// Package monitoring serves the worker's health endpoints.
package monitoring

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/forem/forem-sub087/internal/cache"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a single component
type ComponentHealth struct {
	Status      HealthStatus `json:"status"`
	Message     string       `json:"message,omitempty"`
	Latency     *int64       `json:"latency_ms,omitempty"`
	LastChecked time.Time    `json:"last_checked"`
	Details     interface{}  `json:"details,omitempty"`
}

// HealthResponse represents the complete health check response
type HealthResponse struct {
	Status     HealthStatus               `json:"status"`
	Service    string                     `json:"service"`
	Version    string                     `json:"version"`
	Timestamp  time.Time                  `json:"timestamp"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
	System     SystemInfo                 `json:"system"`
}

// SystemInfo represents process-level information
type SystemInfo struct {
	AllocatedBytes uint64 `json:"allocated_bytes"`
	NumGC          uint32 `json:"num_gc"`
	Goroutines     int    `json:"goroutines"`
	GoVersion      string `json:"go_version"`
}

// CheckFunc probes one component.
type CheckFunc func(ctx context.Context) ComponentHealth

// DatabasePinger is satisfied by *database.DB.
type DatabasePinger interface {
	Health(ctx context.Context) error
	Stats() sql.DBStats
}

// WorkerProbe is satisfied by *jobs.Worker.
type WorkerProbe interface {
	IsHealthy() bool
}

// HealthChecker manages health checks for the worker's dependencies.
type HealthChecker struct {
	mu            sync.Mutex
	startTime     time.Time
	service       string
	version       string
	components    map[string]ComponentHealth
	checkFuncs    map[string]CheckFunc
	lastCheck     time.Time
	checkInterval time.Duration
}

// NewHealthChecker creates a new health checker. Results are cached for checkInterval.
func NewHealthChecker(service, version string, checkInterval time.Duration) *HealthChecker {
	return &HealthChecker{
		startTime:     time.Now(),
		service:       service,
		version:       version,
		components:    make(map[string]ComponentHealth),
		checkFuncs:    make(map[string]CheckFunc),
		checkInterval: checkInterval,
	}
}

// RegisterCheck registers a named check.
func (hc *HealthChecker) RegisterCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checkFuncs[name] = check
	hc.lastCheck = time.Time{}
}

// RegisterDatabaseCheck registers a Postgres ping with pool stats. Slow pings degrade.
func (hc *HealthChecker) RegisterDatabaseCheck(name string, db DatabasePinger) {
	hc.RegisterCheck(name, func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := db.Health(ctx)
		latency := time.Since(start).Milliseconds()
		if err != nil {
			return unhealthy("Database connection failed: "+err.Error(), latency)
		}

		stats := db.Stats()
		h := timed(HealthStatusHealthy, "Database connection successful", latency, time.Second)
		h.Details = map[string]interface{}{
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
			"wait_count":       stats.WaitCount,
		}
		return h
	})
}

// RegisterRedisCheck registers a Redis ping.
func (hc *HealthChecker) RegisterRedisCheck(name string, client redis.Cmdable) {
	hc.RegisterCheck(name, func(ctx context.Context) ComponentHealth {
		start := time.Now()
		err := cache.HealthCheck(ctx, client)
		latency := time.Since(start).Milliseconds()
		if err != nil {
			return unhealthy("Redis connection failed: "+err.Error(), latency)
		}
		return timed(HealthStatusHealthy, "Redis connection successful", latency, 500*time.Millisecond)
	})
}

// RegisterWorkerCheck reports whether the task server is processing.
func (hc *HealthChecker) RegisterWorkerCheck(name string, worker WorkerProbe) {
	hc.RegisterCheck(name, func(ctx context.Context) ComponentHealth {
		if !worker.IsHealthy() {
			return ComponentHealth{Status: HealthStatusUnhealthy, Message: "Task worker is not running", LastChecked: time.Now()}
		}
		return ComponentHealth{Status: HealthStatusHealthy, Message: "Task worker is running", LastChecked: time.Now()}
	})
}

func unhealthy(message string, latency int64) ComponentHealth {
	return ComponentHealth{Status: HealthStatusUnhealthy, Message: message, Latency: &latency, LastChecked: time.Now()}
}

// timed degrades status when latency exceeds slow.
func timed(status HealthStatus, message string, latency int64, slow time.Duration) ComponentHealth {
	if latency > slow.Milliseconds() {
		status = HealthStatusDegraded
	}
	return ComponentHealth{Status: status, Message: message, Latency: &latency, LastChecked: time.Now()}
}

// RunChecks executes all registered health checks.
func (hc *HealthChecker) RunChecks(ctx context.Context) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.runLocked(ctx)
}

func (hc *HealthChecker) runLocked(ctx context.Context) {
	for name, check := range hc.checkFuncs {
		hc.components[name] = check(ctx)
	}
	hc.lastCheck = time.Now()
}

// GetHealth returns the current health, re-running checks when the cached result is stale.
func (hc *HealthChecker) GetHealth(ctx context.Context) HealthResponse {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	if time.Since(hc.lastCheck) > hc.checkInterval {
		hc.runLocked(ctx)
	}

	overall := HealthStatusHealthy
	components := make(map[string]ComponentHealth, len(hc.components))
	for name, component := range hc.components {
		components[name] = component
		switch component.Status {
		case HealthStatusUnhealthy:
			overall = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
		}
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return HealthResponse{
		Status:     overall,
		Service:    hc.service,
		Version:    hc.version,
		Timestamp:  time.Now(),
		Uptime:     time.Since(hc.startTime).String(),
		Components: components,
		System: SystemInfo{
			AllocatedBytes: memStats.Alloc,
			NumGC:          memStats.NumGC,
			Goroutines:     runtime.NumGoroutine(),
			GoVersion:      runtime.Version(),
		},
	}
}

// HealthHandler returns a Gin handler for health checks
func (hc *HealthChecker) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		health := hc.GetHealth(c.Request.Context())

		statusCode := http.StatusOK
		if health.Status == HealthStatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, health)
	}
}

// ReadinessHandler returns a simple readiness check
func (hc *HealthChecker) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if hc.GetHealth(c.Request.Context()).Status == HealthStatusUnhealthy {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// LivenessHandler returns a simple liveness check
func (hc *HealthChecker) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "alive",
			"uptime": time.Since(hc.startTime).String(),
		})
	}
}

// NewRouter builds the traced health router.
func NewRouter(hc *HealthChecker, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(RequestLogging("/live", "/ready"))

	router.GET("/health", hc.HealthHandler())
	router.GET("/ready", hc.ReadinessHandler())
	router.GET("/live", hc.LivenessHandler())
	return router
}
