package batch

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/bardlex/powreward/internal/reward"
)

type fakeDirectory struct {
	ids []string
	err error
}

func (f *fakeDirectory) ListParticipants(context.Context) ([]string, error) {
	return f.ids, f.err
}

type fakeSource struct {
	mu          sync.Mutex
	submissions map[string][]reward.Submission
	errs        map[string]error
	calls       map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		submissions: make(map[string][]reward.Submission),
		errs:        make(map[string]error),
		calls:       make(map[string]int),
	}
}

func (f *fakeSource) FetchSubmissions(_ context.Context, participantID string, _ time.Time) ([]reward.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[participantID]++
	if err := f.errs[participantID]; err != nil {
		return nil, err
	}
	return f.submissions[participantID], nil
}

type fakeBalances struct {
	balances map[string]float64
}

func (f *fakeBalances) FetchPriorBalance(_ context.Context, participantID string) (float64, error) {
	return f.balances[participantID], nil
}

type fakeSink struct {
	mu        sync.Mutex
	persisted map[string]*reward.RewardResult
	failFor   map[string]error
}

func newFakeSink() *fakeSink {
	return &fakeSink{persisted: make(map[string]*reward.RewardResult), failFor: make(map[string]error)}
}

func (f *fakeSink) Persist(_ context.Context, result *reward.RewardResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[result.ParticipantID]; err != nil {
		return err
	}
	if _, ok := f.persisted[result.ParticipantID]; ok {
		return reward.ErrAlreadyRecorded
	}
	f.persisted[result.ParticipantID] = result
	return nil
}

type fakeMarker struct {
	mu     sync.Mutex
	marked map[string]bool
	err    error
}

func newFakeMarker() *fakeMarker {
	return &fakeMarker{marked: make(map[string]bool)}
}

func (f *fakeMarker) IsProcessed(_ context.Context, _ time.Time, participantID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.marked[participantID], nil
}

func (f *fakeMarker) MarkProcessed(_ context.Context, _ time.Time, participantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked[participantID] = true
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	results []*reward.RewardResult
	batches []*Report
}

func (f *fakeNotifier) NotifyResult(_ context.Context, result *reward.RewardResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, result)
	return nil
}

func (f *fakeNotifier) NotifyBatch(_ context.Context, report *Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, report)
	return nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	rewarded int
	slashed  int
	failures map[string]int
	batches  int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{failures: make(map[string]int)}
}

func (f *fakeRecorder) ObserveResult(slashed bool, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if slashed {
		f.slashed++
	} else {
		f.rewarded++
	}
}

func (f *fakeRecorder) ObserveFailure(kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[kind]++
}

func (f *fakeRecorder) ObserveBatch(int, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches++
}

// window returns four back-to-back submissions of nonce 10, one qualifying window
func window(participantID string, start int64) []reward.Submission {
	subs := make([]reward.Submission, 0, 4)
	for i := int64(0); i < 4; i++ {
		subs = append(subs, reward.Submission{
			ParticipantID: participantID,
			Nonce:         big.NewInt(10),
			StartTime:     start + i*600,
			CompleteTime:  start + i*600 + 600,
		})
	}
	return subs
}
