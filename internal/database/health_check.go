package database

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthChecker pings the database periodically and remembers the outcome,
// so the health endpoint never blocks on the database.
type HealthChecker struct {
	db            *sql.DB
	logger        *logrus.Logger
	checkInterval time.Duration
	pingTimeout   time.Duration

	mu        sync.RWMutex
	healthy   bool
	lastCheck time.Time
	lastError error
	latency   time.Duration
	stopOnce  sync.Once
	stopChan  chan struct{}
}

// HealthCheckResult 健康检查结果
type HealthCheckResult struct {
	Healthy      bool      `json:"healthy"`
	LastCheck    time.Time `json:"last_check"`
	LastError    string    `json:"last_error,omitempty"`
	ResponseTime string    `json:"response_time,omitempty"`
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(db *sql.DB, logger *logrus.Logger) *HealthChecker {
	return &HealthChecker{
		db:            db,
		logger:        logger,
		checkInterval: 30 * time.Second,
		pingTimeout:   5 * time.Second,
		stopChan:      make(chan struct{}),
	}
}

// SetCheckInterval 设置检查间隔，须在 Start 之前调用
func (hc *HealthChecker) SetCheckInterval(interval time.Duration) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checkInterval = interval
}

// Start checks immediately, then every interval until ctx ends or Stop is
// called.
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.mu.RLock()
	interval := hc.checkInterval
	hc.mu.RUnlock()

	hc.logger.WithField("interval", interval).Info("Starting database health checker")
	_ = hc.Check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hc.logger.Info("Database health checker stopped")
			return
		case <-hc.stopChan:
			hc.logger.Info("Database health checker stopped")
			return
		case <-ticker.C:
			_ = hc.Check(ctx)
		}
	}
}

// Stop 停止后台检查
func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stopChan) })
}

// Check 执行单次健康检查
func (hc *HealthChecker) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, hc.pingTimeout)
	defer cancel()

	start := time.Now()
	err := hc.db.PingContext(ctx)
	latency := time.Since(start)

	hc.mu.Lock()
	wasHealthy := hc.healthy
	hc.lastCheck = time.Now()
	hc.lastError = err
	hc.healthy = err == nil
	hc.latency = latency
	hc.mu.Unlock()

	fields := logrus.Fields{"response_time": latency}
	switch {
	case err != nil:
		fields["error"] = err.Error()
		hc.logger.WithFields(fields).Warn("Database health check failed")
	case !wasHealthy:
		hc.logger.WithFields(fields).Info("Database connection healthy")
	default:
		hc.logger.WithFields(fields).Debug("Database health check passed")
	}
	return err
}

// IsHealthy 获取当前健康状态
func (hc *HealthChecker) IsHealthy() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.healthy
}

// Result 获取最近一次检查结果
func (hc *HealthChecker) Result() HealthCheckResult {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	r := HealthCheckResult{Healthy: hc.healthy, LastCheck: hc.lastCheck}
	if hc.lastError != nil {
		r.LastError = hc.lastError.Error()
	}
	if !hc.lastCheck.IsZero() {
		r.ResponseTime = hc.latency.String()
	}
	return r
}

// WaitForHealthy polls the remembered state until it turns healthy.
func (hc *HealthChecker) WaitForHealthy(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if hc.IsHealthy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
