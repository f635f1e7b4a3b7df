package detection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"ipwarden/internal/database"
	"ipwarden/internal/domain"
)

var testNow = time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *database.Store {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("busy timeout: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	store, err := database.SetupDB(database.WithExistingDB(db))
	if err != nil {
		t.Fatalf("setup db: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t *testing.T, store *database.Store, ip, path string, at time.Time, n int) {
	t.Helper()
	entries := make([]domain.RequestLog, n)
	for i := range entries {
		entries[i] = domain.RequestLog{IPAddress: ip, Path: path, Timestamp: at}
	}
	if err := store.InsertRequestLogs(context.Background(), entries); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func newDetector(store *database.Store) *Detector {
	return New(store, WithClock(func() time.Time { return testNow }))
}

func suspicious(t *testing.T, store *database.Store) map[string]domain.SuspiciousIP {
	t.Helper()
	records, err := store.ListSuspiciousIPs(context.Background(), 0)
	if err != nil {
		t.Fatalf("list suspicious: %v", err)
	}
	out := make(map[string]domain.SuspiciousIP, len(records))
	for _, r := range records {
		out[r.IPAddress] = r
	}
	return out
}

func TestVolumeRuleFlagsAddressOverThreshold(t *testing.T) {
	store := setupTestStore(t)
	seed(t, store, "1.2.3.4", "/", testNow.Add(-30*time.Minute), 101)

	result, err := newDetector(store).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Flagged) != 1 {
		t.Fatalf("expected one flagged address, got %d", len(result.Flagged))
	}

	records := suspicious(t, store)
	if len(records) != 1 {
		t.Fatalf("expected one suspicious row, got %d", len(records))
	}
	rec, ok := records["1.2.3.4"]
	if !ok || !strings.Contains(rec.Reason, "101") {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Reason != "Excessive requests: 101 in the last hour" {
		t.Fatalf("unexpected reason %q", rec.Reason)
	}
}

func TestThresholdIsExclusive(t *testing.T) {
	store := setupTestStore(t)
	seed(t, store, "1.2.3.4", "/", testNow.Add(-time.Minute), 100)

	if _, err := newDetector(store).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if records := suspicious(t, store); len(records) != 0 {
		t.Fatalf("expected no flags at exactly the threshold, got %v", records)
	}
}

func TestEntriesOutsideWindowAreIgnored(t *testing.T) {
	store := setupTestStore(t)
	seed(t, store, "1.2.3.4", "/", testNow.Add(-61*time.Minute), 500)
	seed(t, store, "5.6.7.8", "/admin", testNow.Add(-2*time.Hour), 1)

	if _, err := newDetector(store).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if records := suspicious(t, store); len(records) != 0 {
		t.Fatalf("expected no flags for old entries, got %v", records)
	}
}

func TestSensitivePathRule(t *testing.T) {
	store := setupTestStore(t)
	seed(t, store, "10.0.0.1", "/admin", testNow.Add(-5*time.Minute), 1)
	seed(t, store, "10.0.0.2", "/login", testNow.Add(-5*time.Minute), 2)
	seed(t, store, "10.0.0.3", "/admin/users", testNow.Add(-5*time.Minute), 1)

	if _, err := newDetector(store).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	records := suspicious(t, store)
	if len(records) != 2 {
		t.Fatalf("expected two flags, got %v", records)
	}
	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		if records[ip].Reason != "Accessed sensitive path (/admin or /login)" {
			t.Fatalf("unexpected reason for %s: %q", ip, records[ip].Reason)
		}
	}
	if _, ok := records["10.0.0.3"]; ok {
		t.Fatalf("path matching must be exact")
	}
}

func TestVolumeReasonWinsOverSensitivePath(t *testing.T) {
	store := setupTestStore(t)
	seed(t, store, "9.9.9.9", "/admin", testNow.Add(-10*time.Minute), 150)

	if _, err := newDetector(store).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	records := suspicious(t, store)
	if got := records["9.9.9.9"].Reason; got != "Excessive requests: 150 in the last hour" {
		t.Fatalf("expected volume reason, got %q", got)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	store := setupTestStore(t)
	seed(t, store, "1.2.3.4", "/", testNow.Add(-10*time.Minute), 120)
	seed(t, store, "5.6.7.8", "/login", testNow.Add(-10*time.Minute), 1)

	detector := newDetector(store)
	if _, err := detector.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	before := suspicious(t, store)

	seed(t, store, "1.2.3.4", "/", testNow.Add(-5*time.Minute), 30)
	result, err := detector.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(result.Flagged) != 0 {
		t.Fatalf("expected no new flags, got %+v", result.Flagged)
	}

	after := suspicious(t, store)
	if len(after) != len(before) {
		t.Fatalf("expected %d rows, got %d", len(before), len(after))
	}
	for ip, rec := range before {
		if after[ip].Reason != rec.Reason || after[ip].ID != rec.ID {
			t.Fatalf("record for %s changed: %+v -> %+v", ip, rec, after[ip])
		}
	}
}

type failingCounts struct {
	Queries
}

func (failingCounts) CountRequestsByIP(context.Context, time.Time, int) ([]database.IPRequestCount, error) {
	return nil, errors.New("aggregation failed")
}

func TestPathRuleRunsWhenVolumeRuleFails(t *testing.T) {
	store := setupTestStore(t)
	seed(t, store, "10.0.0.1", "/admin", testNow.Add(-5*time.Minute), 1)

	detector := newDetector(store)
	inner := storeTx(store)
	detector.tx = func(ctx context.Context, fn func(Queries) error) error {
		return inner(ctx, func(q Queries) error {
			return fn(failingCounts{Queries: q})
		})
	}

	result, err := detector.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "volume rule") {
		t.Fatalf("expected volume rule error, got %v", err)
	}
	if len(result.Flagged) != 1 {
		t.Fatalf("expected path rule to flag one address, got %d", len(result.Flagged))
	}
	if _, ok := suspicious(t, store)["10.0.0.1"]; !ok {
		t.Fatalf("expected sensitive path flag")
	}
}

func TestCustomSensitivePaths(t *testing.T) {
	if got := SensitivePathReason([]string{"/wp-admin"}); got != "Accessed sensitive path (/wp-admin)" {
		t.Fatalf("unexpected reason %q", got)
	}
}
