package db

import (
	"context"
	"errors"
	"testing"
)

func TestRunChecks_AllHealthy(t *testing.T) {
	checks := map[string]Check{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return nil },
	}
	results, healthy := RunChecks(context.Background(), checks)
	if !healthy {
		t.Error("expected healthy")
	}
	if results["database"] != "ok" || results["redis"] != "ok" {
		t.Errorf("unexpected results: %v", results)
	}
}

func TestRunChecks_OneFailing(t *testing.T) {
	checks := map[string]Check{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	}
	results, healthy := RunChecks(context.Background(), checks)
	if healthy {
		t.Error("expected unhealthy when a check fails")
	}
	if results["redis"] != "connection refused" {
		t.Errorf("expected redis error, got %q", results["redis"])
	}
	if results["database"] != "ok" {
		t.Errorf("expected database ok, got %q", results["database"])
	}
}

func TestRunChecks_Empty(t *testing.T) {
	results, healthy := RunChecks(context.Background(), nil)
	if !healthy {
		t.Error("expected healthy with no checks")
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %v", results)
	}
}

func TestPoolStats_UnhealthyState(t *testing.T) {
	stats := &PoolStats{
		TotalConns:      0,
		MaxConns:        20,
		AcquireDuration: "0s",
		Healthy:         false,
	}

	if stats.Healthy {
		t.Error("expected Healthy to be false when TotalConns is 0")
	}
	if stats.MaxConns != 20 {
		t.Errorf("expected MaxConns 20, got %d", stats.MaxConns)
	}
}
