package stack_test

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/insarkit/closurebias/internal/stack"
	"github.com/insarkit/closurebias/internal/stack/stacktest"
)

func buildStack(t *testing.T, numDates, maxConn, refLevel int) *stack.Stack {
	t.Helper()
	dates := stacktest.Dates(numDates)
	pairs := stacktest.FullNetwork(dates, maxConn, refLevel)
	return stacktest.Create(t, filepath.Join(t.TempDir(), "stack.rast"), dates, pairs, 3, 4, nil)
}

func TestClosurePhaseIndexCounts(t *testing.T) {
	s := buildStack(t, 8, 4, 0)
	for n := 1; n <= 4; n++ {
		tuples, err := s.ClosurePhaseIndex(n)
		if err != nil {
			t.Fatalf("level %d: unexpected error: %v", n, err)
		}
		if len(tuples) != 8-n {
			t.Errorf("level %d: expected %d triplets, got %d", n, 8-n, len(tuples))
		}
		for i, tuple := range tuples {
			if len(tuple) != n+1 {
				t.Errorf("level %d triplet %d: expected %d indices, got %d", n, i, n+1, len(tuple))
			}
			for _, idx := range tuple {
				if idx < 0 || idx >= s.NumIfgrams() {
					t.Errorf("level %d triplet %d references invalid interferogram %d", n, i, idx)
				}
			}
		}
	}
}

func TestClosurePhaseIndexTupleContents(t *testing.T) {
	s := buildStack(t, 5, 2, 0)
	tuples, err := s.ClosurePhaseIndex(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pairs := s.Pairs()
	dates := s.DateList()
	for i, tuple := range tuples {
		// Unit-step legs chain i -> i+1 -> i+2.
		if pairs[tuple[0]].Date1 != dates[i] || pairs[tuple[0]].Date2 != dates[i+1] {
			t.Errorf("triplet %d leg 0 is %v", i, pairs[tuple[0]])
		}
		if pairs[tuple[1]].Date1 != dates[i+1] || pairs[tuple[1]].Date2 != dates[i+2] {
			t.Errorf("triplet %d leg 1 is %v", i, pairs[tuple[1]])
		}
		// Closing leg spans i -> i+2.
		if pairs[tuple[2]].Date1 != dates[i] || pairs[tuple[2]].Date2 != dates[i+2] {
			t.Errorf("triplet %d closing leg is %v", i, pairs[tuple[2]])
		}
	}
}

func TestClosurePhaseIndexMissingInterferogram(t *testing.T) {
	dates := stacktest.Dates(6)
	pairs := stacktest.FullNetwork(dates, 2, 0)
	// Drop one unit-step interferogram from the middle of the network.
	var kept []stack.Pair
	for _, p := range pairs {
		if p.Date1 == dates[2] && p.Date2 == dates[3] {
			continue
		}
		kept = append(kept, p)
	}
	s := stacktest.Create(t, filepath.Join(t.TempDir(), "stack.rast"), dates, kept, 2, 2, nil)

	_, err := s.ClosurePhaseIndex(1)
	var miss *stack.MissingInterferogramsError
	if !errors.As(err, &miss) {
		t.Fatalf("expected MissingInterferogramsError, got %v", err)
	}
	if miss.ConnLevel != 1 || miss.Expected != 5 || miss.Found != 4 {
		t.Errorf("unexpected error fields: %+v", miss)
	}

	// Level 2 loses the two loops that use the dropped unit-step leg.
	_, err = s.ClosurePhaseIndex(2)
	if !errors.As(err, &miss) {
		t.Fatalf("expected MissingInterferogramsError at level 2, got %v", err)
	}
}

func TestDesignMatrix(t *testing.T) {
	s := buildStack(t, 5, 2, 0)
	a, b, err := s.DesignMatrix()
	if err != nil {
		t.Fatalf("DesignMatrix failed: %v", err)
	}
	ra, ca := a.Dims()
	rb, cb := b.Dims()
	if ra != s.NumIfgrams() || ca != 5 {
		t.Errorf("A dims = (%d,%d), expected (%d,5)", ra, ca, s.NumIfgrams())
	}
	if rb != s.NumIfgrams() || cb != 4 {
		t.Errorf("B dims = (%d,%d), expected (%d,4)", rb, cb, s.NumIfgrams())
	}

	tbase, err := s.TBase()
	if err != nil {
		t.Fatalf("TBase failed: %v", err)
	}
	dates := s.DateList()
	for i, p := range s.Pairs() {
		var i1, i2 int
		for j, d := range dates {
			if d == p.Date1 {
				i1 = j
			}
			if d == p.Date2 {
				i2 = j
			}
		}
		rowSum := 0.0
		for j := 0; j < ca; j++ {
			rowSum += a.At(i, j)
		}
		if rowSum != 0 {
			t.Errorf("A row %d does not sum to zero", i)
		}
		if a.At(i, i1) != -1 || a.At(i, i2) != 1 {
			t.Errorf("A row %d incidence wrong for %v", i, p)
		}
		// B row sums to the pair's time span.
		span := 0.0
		for j := 0; j < cb; j++ {
			span += b.At(i, j)
		}
		if math.Abs(span-(tbase[i2]-tbase[i1])) > 1e-12 {
			t.Errorf("B row %d spans %v, expected %v", i, span, tbase[i2]-tbase[i1])
		}
	}
}

func TestValidateBandwidth(t *testing.T) {
	s := buildStack(t, 6, 2, 0)
	if err := s.ValidateBandwidth(2); err != nil {
		t.Errorf("bandwidth-2 network should validate: %v", err)
	}
	err := s.ValidateBandwidth(3)
	var netErr *stack.NetworkInconsistencyError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkInconsistencyError, got %v", err)
	}
	if netErr.Expected != 3*(2*6-3-1)/2 {
		t.Errorf("unexpected expected count %d", netErr.Expected)
	}
}

func TestDroppedPairsExcludedFromAnalysisNetwork(t *testing.T) {
	dates := stacktest.Dates(5)
	pairs := stacktest.FullNetwork(dates, 2, 4)
	s := stacktest.CreateBandlimited(t, filepath.Join(t.TempDir(), "stack.rast"), dates, pairs, 2, 3, 4, nil)

	if s.NumIfgrams() != 8 {
		t.Fatalf("NumIfgrams = %d, expected 8", s.NumIfgrams())
	}
	if s.NumKept() != 7 {
		t.Errorf("NumKept = %d, expected 7", s.NumKept())
	}
	for _, p := range s.KeptPairs() {
		if p.Date1 == dates[0] && p.Date2 == dates[4] {
			t.Errorf("dropped reference pair %v leaked into the analysis network", p)
		}
	}

	// The analysis network validates at the bandwidth even though the long
	// reference pair rides along in the phase cube.
	if err := s.ValidateBandwidth(2); err != nil {
		t.Errorf("bandwidth-2 validation failed: %v", err)
	}
	a, b, err := s.DesignMatrix()
	if err != nil {
		t.Fatalf("DesignMatrix failed: %v", err)
	}
	if ra, _ := a.Dims(); ra != 7 {
		t.Errorf("A has %d rows, expected 7", ra)
	}
	if rb, _ := b.Dims(); rb != 7 {
		t.Errorf("B has %d rows, expected 7", rb)
	}

	// Closure loops still reach the dropped pair.
	tuples, err := s.ClosurePhaseIndex(4)
	if err != nil {
		t.Fatalf("ClosurePhaseIndex(4) failed: %v", err)
	}
	if len(tuples) != 1 {
		t.Errorf("expected 1 connection-4 loop, got %d", len(tuples))
	}
}

func TestTBaseAndOrdinals(t *testing.T) {
	s := buildStack(t, 4, 1, 0)
	tbase, err := s.TBase()
	if err != nil {
		t.Fatalf("TBase failed: %v", err)
	}
	if tbase[0] != 0 {
		t.Errorf("tbase[0] = %v, expected 0", tbase[0])
	}
	// Dates are 12 days apart.
	if math.Abs(tbase[1]-12.0/365.25) > 1e-9 {
		t.Errorf("tbase[1] = %v, expected %v", tbase[1], 12.0/365.25)
	}
	ords, err := s.DateOrdinals()
	if err != nil {
		t.Fatalf("DateOrdinals failed: %v", err)
	}
	for i := 1; i < len(ords); i++ {
		if ords[i]-ords[i-1] != 12 {
			t.Errorf("ordinal gap %d-%d = %d, expected 12", i, i-1, ords[i]-ords[i-1])
		}
	}
}

func TestConnectionLevel(t *testing.T) {
	s := buildStack(t, 5, 2, 4)
	for i := range s.Pairs() {
		conn, err := s.ConnectionLevel(i)
		if err != nil {
			t.Fatalf("ConnectionLevel(%d) failed: %v", i, err)
		}
		if conn < 1 || conn > 4 {
			t.Errorf("interferogram %d has connection level %d", i, conn)
		}
	}
}
