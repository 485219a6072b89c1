package reward

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/bardlex/powreward/pkg/errors"
)

const (
	testGap    = 14400
	testWindow = 4
)

func TestSelectWindows(t *testing.T) {
	tests := []struct {
		name        string
		submissions []Submission
		wantRate    float64
		wantWindows int
		wantRuns    int
	}{
		{
			name:        "empty",
			submissions: nil,
			wantRate:    0,
			wantWindows: 0,
			wantRuns:    0,
		},
		{
			name:        "run of three contributes nothing",
			submissions: contiguous(1000, 3, 3600, 100),
			wantRate:    0,
			wantWindows: 0,
			wantRuns:    1,
		},
		{
			name:        "run of four qualifies",
			submissions: contiguous(1000, 4, 3600, 100),
			wantRate:    400,
			wantWindows: 1,
			wantRuns:    1,
		},
		{
			name:        "gap of exactly tolerance keeps the run",
			submissions: contiguous(1000, 4, testGap, 10),
			wantRate:    40,
			wantWindows: 1,
			wantRuns:    1,
		},
		{
			name:        "gap one second over tolerance breaks every run",
			submissions: contiguous(1000, 4, testGap+1, 10),
			wantRate:    0,
			wantWindows: 1,
			wantRuns:    4,
		},
		{
			name:        "overlapping submissions stay contiguous",
			submissions: contiguous(1000, 5, -300, 1),
			wantRate:    5,
			wantWindows: 1,
			wantRuns:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectWindows(tt.submissions, testGap, testWindow)
			if err != nil {
				t.Fatalf("SelectWindows() error = %v", err)
			}
			if got.TotalHashRate != tt.wantRate {
				t.Errorf("TotalHashRate = %v, want %v", got.TotalHashRate, tt.wantRate)
			}
			if got.WindowCount != tt.wantWindows {
				t.Errorf("WindowCount = %d, want %d", got.WindowCount, tt.wantWindows)
			}
			if got.Runs != tt.wantRuns {
				t.Errorf("Runs = %d, want %d", got.Runs, tt.wantRuns)
			}
		})
	}
}

func TestSelectWindows_TwoRunsSeparatedByFiveHours(t *testing.T) {
	first := contiguous(1000, 4, 3600, 100)
	last := first[len(first)-1].CompleteTime
	second := contiguous(last+5*3600, 4, 3600, 50)

	got, err := SelectWindows(append(first, second...), testGap, testWindow)
	if err != nil {
		t.Fatalf("SelectWindows() error = %v", err)
	}

	if got.TotalHashRate != 600 {
		t.Errorf("TotalHashRate = %v, want 600", got.TotalHashRate)
	}
	if got.WindowCount != 2 {
		t.Errorf("WindowCount = %d, want 2", got.WindowCount)
	}
	if got.Runs != 2 || got.QualifyingRuns != 2 {
		t.Errorf("Runs = %d, QualifyingRuns = %d, want 2 and 2", got.Runs, got.QualifyingRuns)
	}
}

func TestSelectWindows_UnsortedInput(t *testing.T) {
	subs := contiguous(1000, 5, 3600, 7)
	shuffled := []Submission{subs[3], subs[0], subs[4], subs[2], subs[1]}

	got, err := SelectWindows(shuffled, testGap, testWindow)
	if err != nil {
		t.Fatalf("SelectWindows() error = %v", err)
	}
	if got.TotalHashRate != 35 || got.Runs != 1 {
		t.Errorf("SelectWindows() = %+v, want one run with rate 35", got)
	}

	// input order is untouched
	if shuffled[0].StartTime != subs[3].StartTime {
		t.Error("SelectWindows() reordered its input")
	}
}

// Equal start times keep input order, so the gap is measured against the
// CompleteTime of whichever tied submission came first in the input.
func TestSelectWindows_StableTies(t *testing.T) {
	mk := func(start, complete, nonce int64) Submission {
		return Submission{Nonce: big.NewInt(nonce), StartTime: start, CompleteTime: complete}
	}

	base := []Submission{
		mk(0, 100, 1),
		mk(0, 20000, 1),
		mk(20000+testGap, 20000+testGap+1, 1),
		mk(20000+testGap+1, 20000+testGap+2, 1),
	}

	got, err := SelectWindows(base, testGap, testWindow)
	if err != nil {
		t.Fatalf("SelectWindows() error = %v", err)
	}
	if got.Runs != 1 || got.TotalHashRate != 4 {
		t.Errorf("long submission last among ties: got %+v, want a single qualifying run", got)
	}

	swapped := []Submission{base[1], base[0], base[2], base[3]}
	got, err = SelectWindows(swapped, testGap, testWindow)
	if err != nil {
		t.Fatalf("SelectWindows() error = %v", err)
	}
	if got.Runs != 2 || got.TotalHashRate != 0 {
		t.Errorf("short submission last among ties: got %+v, want two short runs", got)
	}
}

func TestSelectWindows_WindowCountIgnoresContiguity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for n := 0; n < 40; n++ {
		subs := make([]Submission, n)
		for i := range subs {
			start := rng.Int63n(10 * 86400)
			subs[i] = Submission{
				Nonce:        big.NewInt(rng.Int63n(1000)),
				StartTime:    start,
				CompleteTime: start + rng.Int63n(3600),
			}
		}

		got, err := SelectWindows(subs, testGap, testWindow)
		if err != nil {
			t.Fatalf("SelectWindows(n=%d) error = %v", n, err)
		}
		if got.WindowCount != n/4 {
			t.Errorf("WindowCount(n=%d) = %d, want %d", n, got.WindowCount, n/4)
		}
	}
}

func TestSelectWindows_LargeNonces(t *testing.T) {
	huge, _ := new(big.Int).SetString("100000000000000000000", 10) // 1e20, beyond int64
	subs := contiguous(0, 4, 60, 0)
	for i := range subs {
		subs[i].Nonce = huge
	}

	got, err := SelectWindows(subs, testGap, testWindow)
	if err != nil {
		t.Fatalf("SelectWindows() error = %v", err)
	}
	if !approxEqual(got.TotalHashRate, 4e20) {
		t.Errorf("TotalHashRate = %v, want 4e20", got.TotalHashRate)
	}
}

func TestSelectWindows_DataIntegrity(t *testing.T) {
	tests := []struct {
		name string
		sub  Submission
	}{
		{"complete before start", Submission{Nonce: big.NewInt(1), StartTime: 100, CompleteTime: 99}},
		{"missing nonce", Submission{StartTime: 100, CompleteTime: 200}},
		{"negative nonce", Submission{Nonce: big.NewInt(-1), StartTime: 100, CompleteTime: 200}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subs := append(contiguous(0, 3, 60, 1), tt.sub)
			_, err := SelectWindows(subs, testGap, testWindow)
			if !errors.IsType(err, errors.ErrorTypeDataIntegrity) {
				t.Fatalf("SelectWindows() error = %v, want data integrity error", err)
			}
			if errors.GetContext(err)["index"] != 3 {
				t.Errorf("error context index = %v, want 3", errors.GetContext(err)["index"])
			}
		})
	}
}

func TestSelectWindows_InvalidWindowSize(t *testing.T) {
	_, err := SelectWindows(nil, testGap, 0)
	if !errors.IsType(err, errors.ErrorTypeValidation) {
		t.Errorf("SelectWindows() error = %v, want validation error", err)
	}
}
