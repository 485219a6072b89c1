package reward

import (
	"context"
	"math"
	"math/big"
	"sync"
	"time"
)

// mockBalances implements BalanceSource for tests
type mockBalances struct {
	mu       sync.Mutex
	balances map[string]float64
	err      error
	calls    int
}

func (m *mockBalances) FetchPriorBalance(_ context.Context, participantID string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return 0, m.err
	}
	return m.balances[participantID], nil
}

// mockSource implements SubmissionSource for tests
type mockSource struct {
	submissions map[string][]Submission
	err         error
}

func (m *mockSource) FetchSubmissions(_ context.Context, participantID string, _ time.Time) ([]Submission, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.submissions[participantID], nil
}

// contiguous builds n submissions of the given nonce, each lasting 10 minutes and
// starting gap seconds after the previous one completed.
func contiguous(start int64, n int, gap int64, nonce int64) []Submission {
	subs := make([]Submission, 0, n)
	t := start
	for i := 0; i < n; i++ {
		subs = append(subs, Submission{
			ParticipantID: "0xabc",
			Nonce:         big.NewInt(nonce),
			StartTime:     t,
			CompleteTime:  t + 600,
		})
		t += 600 + gap
	}
	return subs
}

func approxEqual(a, b float64) bool {
	if a == b {
		return true
	}
	return math.Abs(a-b) <= 1e-9*math.Max(math.Abs(a), math.Abs(b))
}
