package database

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aihub/docindex/internal/config"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestHealthChecker_FailureAndRecovery(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	checker := NewHealthChecker(db, quietLogger())
	assert.False(t, checker.IsHealthy())
	assert.Empty(t, checker.Result().ResponseTime)

	mock.ExpectPing().WillReturnError(sqlmock.ErrCancelled)
	require.Error(t, checker.Check(context.Background()))
	assert.False(t, checker.IsHealthy())
	assert.NotEmpty(t, checker.Result().LastError)

	mock.ExpectPing()
	require.NoError(t, checker.Check(context.Background()))
	result := checker.Result()
	assert.True(t, result.Healthy)
	assert.Empty(t, result.LastError)
	assert.NotEmpty(t, result.ResponseTime)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthChecker_BackgroundMonitoring(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	for i := 0; i < 50; i++ {
		mock.ExpectPing()
	}

	checker := NewHealthChecker(db, quietLogger())
	checker.SetCheckInterval(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		checker.Start(context.Background())
		close(done)
	}()

	require.NoError(t, checker.WaitForHealthy(context.Background(), time.Second))
	checker.Stop()
	checker.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("health checker did not stop")
	}
}

func TestHealthChecker_WaitForHealthyTimesOut(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	checker := NewHealthChecker(db, quietLogger())
	err = checker.WaitForHealthy(context.Background(), 30*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestApplyPool(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	applyPool(db, config.DatabaseConfig{})
	assert.Equal(t, defaultMaxOpenConns, db.Stats().MaxOpenConnections)

	applyPool(db, config.DatabaseConfig{MaxOpenConns: 7, MaxIdleConns: 2, ConnMaxLifetime: time.Minute})
	assert.Equal(t, 7, db.Stats().MaxOpenConnections)
}

func TestMetricsCollector(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(5)

	reg := prometheus.NewRegistry()
	mc := NewMetricsCollector(db, reg, quietLogger())
	mc.Collect()
	assert.Equal(t, 5.0, testutil.ToFloat64(mc.connections.WithLabelValues("max_open")))

	mc.RecordMigration("up", 40*time.Millisecond, nil)
	mc.RecordMigration("up", time.Millisecond, assert.AnError)
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.migrations.WithLabelValues("up", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc.migrations.WithLabelValues("up", "error")))

	// a second collector on the same registry would collide
	assert.Panics(t, func() { NewMetricsCollector(db, reg, quietLogger()) })
}

func TestConnect_RequiresURL(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{}, nil, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")
}
