package database

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/samogod/opustune/pkg/config"
	"github.com/samogod/opustune/pkg/logging"
	"github.com/samogod/opustune/pkg/metrics"
)

func TestDisabledIsNoop(t *testing.T) {
	db, err := New(&config.Database{Enabled: false}, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if db.IsEnabled() {
		t.Fatal("disabled database reports enabled")
	}

	id := uuid.New()
	if err := db.StartRun(RunRecord{ID: id, Kind: KindTrain, StartedAt: time.Now()}); err != nil {
		t.Errorf("StartRun() = %v", err)
	}
	if err := db.RecordEpoch(id, 1, 0.5); err != nil {
		t.Errorf("RecordEpoch() = %v", err)
	}
	if err := db.RecordMetrics(id, metrics.Scores{}, 2, "label_ids"); err != nil {
		t.Errorf("RecordMetrics() = %v", err)
	}
	if err := db.FinishRun(id, errors.New("boom")); err != nil {
		t.Errorf("FinishRun() = %v", err)
	}
}

func TestDisabledQueriesFail(t *testing.T) {
	db, err := New(&config.Database{}, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.QueryRuns("", 10); err == nil || !strings.Contains(err.Error(), "not enabled") {
		t.Errorf("QueryRuns() error = %v", err)
	}
	if _, err := db.EpochLosses(uuid.New()); err == nil {
		t.Error("EpochLosses() on a disabled database succeeded")
	}
}

func TestNilDB(t *testing.T) {
	var db *DB
	if db.IsEnabled() {
		t.Error("nil database reports enabled")
	}
	if err := db.RecordEpoch(uuid.New(), 1, 1); err != nil {
		t.Errorf("RecordEpoch() on nil = %v", err)
	}
}

func TestConnString(t *testing.T) {
	got := connString(&config.Database{Host: "db", Port: 5433, User: "u", Password: "p"}, DBName)
	want := "host=db port=5433 user=u password=p dbname=opustune_runs sslmode=disable"
	if got != want {
		t.Errorf("connString() = %q, want %q", got, want)
	}
}
