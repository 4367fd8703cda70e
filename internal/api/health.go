package api

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/inbox-digest/internal/breaker"
	"github.com/ignite/inbox-digest/internal/cost"
)

// ComponentCheck is the health of one dependency.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "not_configured"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthReport is the GET /health payload.
type HealthReport struct {
	Status   string                   `json:"status"` // "healthy" or "degraded"
	Uptime   string                   `json:"uptime"`
	Checks   map[string]ComponentCheck `json:"checks"`
	Breakers map[string]breaker.State `json:"circuit_breakers"`
	Cost     cost.Snapshot            `json:"cost"`
}

// HealthReporter assembles the health report from live dependencies. Any
// dependency can be nil; it reports "not_configured" instead of failing.
type HealthReporter struct {
	db        *sql.DB
	redis     *redis.Client
	breakers  *breaker.Registry
	cost      *cost.Tracker
	startTime time.Time
}

func NewHealthReporter(db *sql.DB, redisClient *redis.Client, breakers *breaker.Registry, tracker *cost.Tracker) *HealthReporter {
	return &HealthReporter{
		db:        db,
		redis:     redisClient,
		breakers:  breakers,
		cost:      tracker,
		startTime: time.Now(),
	}
}

func (h *HealthReporter) Report(ctx context.Context) HealthReport {
	report := HealthReport{
		Status: "healthy",
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
		Checks: map[string]ComponentCheck{
			"database": h.checkDB(ctx),
			"redis":    h.checkRedis(ctx),
		},
	}
	if h.breakers != nil {
		report.Breakers = h.breakers.Snapshot()
		for _, st := range report.Breakers {
			if st.State == "OPEN" {
				report.Status = "degraded"
			}
		}
	}
	if h.cost != nil {
		report.Cost = h.cost.Snapshot()
	}
	for _, check := range report.Checks {
		if check.Status == "down" {
			report.Status = "degraded"
		}
	}
	return report
}

func (h *HealthReporter) checkDB(ctx context.Context) ComponentCheck {
	if h.db == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	start := time.Now()
	if err := h.db.PingContext(ctx); err != nil {
		return ComponentCheck{Status: "down", Message: err.Error()}
	}
	return ComponentCheck{Status: "up", Latency: time.Since(start).Round(time.Millisecond).String()}
}

func (h *HealthReporter) checkRedis(ctx context.Context) ComponentCheck {
	if h.redis == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	start := time.Now()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		return ComponentCheck{Status: "down", Message: err.Error()}
	}
	return ComponentCheck{Status: "up", Latency: time.Since(start).Round(time.Millisecond).String()}
}
