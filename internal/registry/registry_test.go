package registry

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunLifecycle(t *testing.T) {
	db := openTestDB(t)

	id, err := db.BeginRun("m042", "run-experiment")
	if err != nil {
		t.Fatalf("BeginRun failed: %v", err)
	}

	if err := db.FinishRun(id, "/data/amc0_log.zst", 125.5, 340); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	run, err := db.GetRun(id)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.Animal != "m042" || run.Mode != "run-experiment" {
		t.Errorf("run identity %q/%q", run.Animal, run.Mode)
	}
	if run.DispensedUl != 125.5 || run.LickCount != 340 {
		t.Errorf("run totals %g ul, %d licks", run.DispensedUl, run.LickCount)
	}
	if run.ArchivePath != "/data/amc0_log.zst" {
		t.Errorf("archive path %q", run.ArchivePath)
	}
}

func TestFinishUnknownRun(t *testing.T) {
	db := openTestDB(t)
	if err := db.FinishRun("no-such-run", "", 0, 0); err == nil {
		t.Error("FinishRun accepted an unknown run id")
	}
}

func TestRecentRunsAndWaterBudget(t *testing.T) {
	db := openTestDB(t)

	for i, vol := range []float64{100, 200, 300} {
		id, err := db.BeginRun("m042", "lick-train")
		if err != nil {
			t.Fatalf("BeginRun %d failed: %v", i, err)
		}
		if err := db.FinishRun(id, "", vol, uint64(i)); err != nil {
			t.Fatalf("FinishRun %d failed: %v", i, err)
		}
	}
	otherID, _ := db.BeginRun("m099", "lick-train")
	db.FinishRun(otherID, "", 999, 1)

	runs, err := db.RecentRuns("m042", 10)
	if err != nil {
		t.Fatalf("RecentRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}

	total, err := db.DailyWaterUl("m042", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("DailyWaterUl failed: %v", err)
	}
	if total != 600 {
		t.Errorf("daily water %g ul, want 600", total)
	}
}
