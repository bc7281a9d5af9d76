package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestOverallStatusAggregation(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy}
	})
	c.RegisterFunc("forensic_dir", false, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy}
	})

	c.Check(context.Background())

	// A non-critical failure degrades, it does not fail.
	if got := c.OverallStatus(); got != StatusDegraded {
		t.Errorf("expected degraded, got %s", got)
	}

	c.RegisterFunc("store", true, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy}
	})
	c.Check(context.Background())

	if got := c.OverallStatus(); got != StatusUnhealthy {
		t.Errorf("expected unhealthy after critical failure, got %s", got)
	}
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker()

	rec := httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before ready, got %d", rec.Code)
	}

	c.SetReady(true)
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 after ready, got %d", rec.Code)
	}
}

func TestDatabaseCheck(t *testing.T) {
	ok := DatabaseCheck(func(ctx context.Context) error { return nil })
	if got := ok(context.Background()); got.Status != StatusHealthy {
		t.Errorf("expected healthy, got %s", got.Status)
	}

	bad := DatabaseCheck(func(ctx context.Context) error { return errors.New("no such table") })
	if got := bad(context.Background()); got.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy, got %s", got.Status)
	}
}

func TestDirWritableCheck(t *testing.T) {
	dir := t.TempDir()
	check := DirWritableCheck(dir)
	if got := check(context.Background()); got.Status != StatusHealthy {
		t.Errorf("expected healthy for tempdir, got %s (%s)", got.Status, got.Error)
	}

	missing := DirWritableCheck(filepath.Join(dir, "absent"))
	if got := missing(context.Background()); got.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy for missing dir, got %s", got.Status)
	}

	file := filepath.Join(dir, "plain")
	if err := os.WriteFile(file, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	notDir := DirWritableCheck(file)
	if got := notDir(context.Background()); got.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy for non-directory, got %s", got.Status)
	}
}
