package main

import (
	"bytes"
	"context"
	stderrors "errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/powreward/internal/batch"
	"github.com/bardlex/powreward/internal/config"
	"github.com/bardlex/powreward/internal/database/influx"
	"github.com/bardlex/powreward/internal/reward"
	"github.com/bardlex/powreward/pkg/errors"
	"github.com/bardlex/powreward/pkg/log"
)

type fakeLocker struct {
	mu       sync.Mutex
	held     bool
	acquired int
	released int
	err      error
}

func (f *fakeLocker) AcquireRunLock(context.Context, time.Time, string, time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.held {
		return false, nil
	}
	f.held = true
	f.acquired++
	return true, nil
}

func (f *fakeLocker) ReleaseRunLock(context.Context, time.Time, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held = false
	f.released++
	return nil
}

type fakeBatches struct {
	samples []influx.BatchSample
	counted []time.Time
}

func (f *fakeBatches) RecordBatch(s influx.BatchSample) {
	f.samples = append(f.samples, s)
}

func (f *fakeBatches) PeriodCounts(_ context.Context, end time.Time) (int64, int64, error) {
	f.counted = append(f.counted, end)
	return 1, 1, nil
}

type fakeDirectory []string

func (f fakeDirectory) ListParticipants(context.Context) ([]string, error) {
	return f, nil
}

type fakeSource map[string][]reward.Submission

func (f fakeSource) FetchSubmissions(_ context.Context, id string, _ time.Time) ([]reward.Submission, error) {
	return f[id], nil
}

// flakySink fails the first failures calls to Persist
type flakySink struct {
	mu        sync.Mutex
	failures  int
	persisted []*reward.RewardResult
}

func (f *flakySink) Persist(_ context.Context, result *reward.RewardResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New(errors.ErrorTypePersist, "persist_result", "database down")
	}
	f.persisted = append(f.persisted, result)
	return nil
}

func window(start int64) []reward.Submission {
	subs := make([]reward.Submission, 4)
	for i := range subs {
		s := start + int64(i)*600
		subs[i] = reward.Submission{Nonce: big.NewInt(10), StartTime: s, CompleteTime: s + 600}
	}
	return subs
}

var testPeriodEnd = time.Date(2024, time.January, 2, 0, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, sink reward.ResultSink, locker *fakeLocker, batches batchRecorder) *Service {
	t.Helper()
	engine, err := reward.NewEngine(reward.DefaultSchedule(), staticBalance(100), nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	runner, err := batch.NewRunner(batch.Options{
		Engine:    engine,
		Source:    fakeSource{"0xa": window(testPeriodEnd.Unix() - 7200)},
		Directory: fakeDirectory{"0xa", "0xb"},
		Sink:      sink,
		Workers:   2,
	})
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	return NewService(runner, locker, batches, time.Hour, time.Minute, log.Nop())
}

func TestService_RunOnce(t *testing.T) {
	sink := &flakySink{}
	locker := &fakeLocker{}
	batches := &fakeBatches{}
	service := newTestService(t, sink, locker, batches)

	report, err := service.RunOnce(context.Background(), testPeriodEnd)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if report.Rewarded != 1 || report.Slashed != 1 {
		t.Errorf("report = rewarded %d slashed %d, want 1 1", report.Rewarded, report.Slashed)
	}
	if locker.acquired != 1 || locker.released != 1 || locker.held {
		t.Errorf("locker = %+v, want one acquire and release", locker)
	}
	if len(batches.samples) != 1 || batches.samples[0].Rewarded != 1 {
		t.Errorf("batch samples = %+v, want one with rewarded 1", batches.samples)
	}
	if len(batches.counted) != 1 || !batches.counted[0].Equal(testPeriodEnd) {
		t.Errorf("period totals read for %v, want once for %v", batches.counted, testPeriodEnd)
	}
}

func TestService_RunOnce_LockHeld(t *testing.T) {
	sink := &flakySink{}
	locker := &fakeLocker{held: true}
	service := newTestService(t, sink, locker, nil)

	report, err := service.RunOnce(context.Background(), testPeriodEnd)
	if err != nil || report != nil {
		t.Fatalf("RunOnce() = %v, %v, want nil, nil while the lock is held", report, err)
	}
	if len(sink.persisted) != 0 {
		t.Error("results persisted without the run lock")
	}
}

func TestService_RunOnce_LockError(t *testing.T) {
	locker := &fakeLocker{err: stderrors.New("redis down")}
	service := newTestService(t, &flakySink{}, locker, nil)

	if _, err := service.RunOnce(context.Background(), testPeriodEnd); err == nil {
		t.Error("RunOnce() error = nil, want lock error")
	}
}

func TestService_RunOnce_RetriesPersistFailures(t *testing.T) {
	sink := &flakySink{failures: 2}
	service := newTestService(t, sink, &fakeLocker{}, nil)

	report, err := service.RunOnce(context.Background(), testPeriodEnd)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(report.Failures) != 0 {
		t.Errorf("Failures = %+v, want none after retry", report.Failures)
	}
	if report.Rewarded+report.Slashed != 2 || len(sink.persisted) != 2 {
		t.Errorf("persisted %d results, report counts %d, want 2", len(sink.persisted), report.Rewarded+report.Slashed)
	}
}

func TestService_Start_StopsOnCancel(t *testing.T) {
	sink := &flakySink{}
	service := newTestService(t, sink, &fakeLocker{}, nil)
	service.now = func() time.Time { return testPeriodEnd.Add(3 * time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Start(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.persisted)
		sink.mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first batch did not complete")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !stderrors.Is(err, context.Canceled) {
			t.Errorf("Start() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}

func TestPeriodEnd(t *testing.T) {
	now := time.Date(2024, time.March, 1, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	want := time.Date(2024, time.March, 2, 0, 0, 0, 0, time.UTC)
	if got := periodEnd(now); !got.Equal(want) {
		t.Errorf("periodEnd() = %v, want %v", got, want)
	}
}

func TestParsePeriodEnd(t *testing.T) {
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		value   string
		want    time.Time
		wantErr bool
	}{
		{"", time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC), false},
		{"2024-02-15", time.Date(2024, time.February, 15, 0, 0, 0, 0, time.UTC), false},
		{"2024-02-15T06:00:00+02:00", time.Date(2024, time.February, 15, 4, 0, 0, 0, time.UTC), false},
		{"yesterday", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got, err := parsePeriodEnd(tt.value, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePeriodEnd() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parsePeriodEnd() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMergeRetry(t *testing.T) {
	kept := &reward.RewardResult{ParticipantID: "0xb"}
	report := &batch.Report{
		RunID:    "run-1",
		Rewarded: 2,
		Failures: []batch.Failure{
			{ParticipantID: "0xa", Kind: batch.FailureFetch},
			{ParticipantID: "0xb", Kind: batch.FailurePersist, Result: kept},
		},
	}
	retry := &batch.Report{Rewarded: 1, Results: []*reward.RewardResult{kept}}

	merged := mergeRetry(report, retry)
	if merged.Rewarded != 3 || merged.RunID != "run-1" {
		t.Errorf("merged = rewarded %d run %q, want 3 run-1", merged.Rewarded, merged.RunID)
	}
	if len(merged.Failures) != 1 || merged.Failures[0].Kind != batch.FailureFetch {
		t.Errorf("merged failures = %+v, want only the fetch failure", merged.Failures)
	}
}

func TestStaticBalance(t *testing.T) {
	got, err := staticBalance(42).FetchPriorBalance(context.Background(), "0xa")
	if err != nil || got != 42 {
		t.Errorf("FetchPriorBalance() = %v, %v, want 42, nil", got, err)
	}
}

func TestDatabaseConfig_MigrateOnlyForWriters(t *testing.T) {
	cfg := &config.Config{PostgresHost: "db", PostgresPort: 5432, Workers: 2}

	tests := []struct {
		name     string
		migrate  bool
		wantSkip bool
	}{
		{"run and migrate apply the schema", true, false},
		{"compute and history only read", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := databaseConfig(cfg, tt.migrate)
			if db.SkipMigrate != tt.wantSkip {
				t.Errorf("SkipMigrate = %v, want %v", db.SkipMigrate, tt.wantSkip)
			}
			if db.Postgres == nil || db.Postgres.Host != "db" {
				t.Errorf("Postgres = %+v, want host db", db.Postgres)
			}
		})
	}
}

func TestRootCmd(t *testing.T) {
	root := newRootCmd()

	want := map[string]bool{"run": false, "compute": false, "history": false, "migrate": false, "watch": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q missing", name)
		}
	}

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"compute"})
	if err := root.Execute(); err == nil {
		t.Error("compute without a participant should fail")
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, &reward.RewardResult{ParticipantID: "0xa", RewardAmount: 1.5}); err != nil {
		t.Fatalf("writeJSON() error = %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"reward_amount": 1.5`)) {
		t.Errorf("writeJSON() = %s, want reward_amount", buf.String())
	}
}
