// Package stack exposes the interferogram-stack container: the ordered
// acquisition dates, the formed date pairs with their unwrapped phases, the
// reference-pixel phase vector, closure-triplet index lookup per connection
// level, and the incidence/time-interval design matrices of the network.
package stack

import (
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/insarkit/closurebias/internal/blocks"
	"github.com/insarkit/closurebias/internal/raster"
)

// Dataset names inside a stack container.
const (
	DSPhase    = "unwrapPhase"
	DSDate1    = "date1"
	DSDate2    = "date2"
	DSRefPhase = "refPhase"
	DSDropped  = "dropIfgram"
)

const dateLayout = "20060102"

// Pair is one formed interferogram, identified by its two acquisition dates
// (YYYYMMDD, Date1 < Date2).
type Pair struct {
	Date1 string
	Date2 string
}

func (p Pair) String() string { return p.Date1 + "_" + p.Date2 }

// Stack is an open interferogram stack. Pairs flagged dropped stay in the
// phase cube and remain available for closure loops, but are excluded from
// the analysis network (design matrices and bandwidth accounting).
type Stack struct {
	file     *raster.File
	meta     raster.Meta
	dates    []string
	dateIdx  map[string]int
	pairs    []Pair
	pairIdx  map[Pair]int
	dropped  []bool
	kept     []int
	refPhase []float32
}

// Open loads the stack container header and its bookkeeping datasets. The
// phase cube itself stays on disk and is read box-by-box via ReadPhase.
func Open(path string) (*Stack, error) {
	f, err := raster.Open(path)
	if err != nil {
		return nil, err
	}

	date1, err := f.ReadDates(DSDate1)
	if err != nil {
		return nil, fmt.Errorf("failed to read interferogram dates: %w", err)
	}
	date2, err := f.ReadDates(DSDate2)
	if err != nil {
		return nil, fmt.Errorf("failed to read interferogram dates: %w", err)
	}
	if len(date1) != len(date2) {
		return nil, fmt.Errorf("stack %s has %d primary dates but %d secondary dates", path, len(date1), len(date2))
	}
	refPhase, _, err := f.ReadFloat32(DSRefPhase, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference phase: %w", err)
	}
	if len(refPhase) != len(date1) {
		return nil, fmt.Errorf("stack %s has %d interferograms but %d reference phases", path, len(date1), len(refPhase))
	}
	dropped, _, err := f.ReadBool(DSDropped, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read drop flags: %w", err)
	}
	if len(dropped) != len(date1) {
		return nil, fmt.Errorf("stack %s has %d interferograms but %d drop flags", path, len(date1), len(dropped))
	}

	s := &Stack{file: f, meta: f.Meta()}
	seen := map[string]bool{}
	for i := range date1 {
		p := Pair{Date1: date1[i], Date2: date2[i]}
		s.pairs = append(s.pairs, p)
		seen[p.Date1] = true
		seen[p.Date2] = true
	}
	for d := range seen {
		s.dates = append(s.dates, d)
	}
	sort.Strings(s.dates)

	s.dateIdx = make(map[string]int, len(s.dates))
	for i, d := range s.dates {
		s.dateIdx[d] = i
	}
	s.pairIdx = make(map[Pair]int, len(s.pairs))
	for i, p := range s.pairs {
		s.pairIdx[p] = i
	}
	s.dropped = dropped
	for i, d := range dropped {
		if !d {
			s.kept = append(s.kept, i)
		}
	}
	s.refPhase = refPhase
	return s, nil
}

// Create writes a new stack container with the given phase cube (flattened
// [numIfgram, length, width], row-major) and per-interferogram reference
// phases, then opens it. dropped flags pairs to exclude from the analysis
// network; nil keeps every pair.
func Create(path string, pairs []Pair, dropped []bool, refPhase []float32, phase []float32, meta raster.Meta) (*Stack, error) {
	m := len(pairs)
	if len(refPhase) != m {
		return nil, fmt.Errorf("have %d pairs but %d reference phases", m, len(refPhase))
	}
	if dropped == nil {
		dropped = make([]bool, m)
	}
	if len(dropped) != m {
		return nil, fmt.Errorf("have %d pairs but %d drop flags", m, len(dropped))
	}
	if len(phase) != m*meta.Length*meta.Width {
		return nil, fmt.Errorf("phase cube has %d elements, expected %d", len(phase), m*meta.Length*meta.Width)
	}

	meta.FileType = "ifgramStack"
	specs := []raster.DatasetSpec{
		{Name: DSPhase, DType: raster.Float32, Shape: []int{m, meta.Length, meta.Width}},
		{Name: DSDate1, DType: raster.Date, Shape: []int{m}},
		{Name: DSDate2, DType: raster.Date, Shape: []int{m}},
		{Name: DSRefPhase, DType: raster.Float32, Shape: []int{m}},
		{Name: DSDropped, DType: raster.Bool, Shape: []int{m}},
	}
	f, err := raster.Create(path, specs, meta)
	if err != nil {
		return nil, err
	}

	date1 := make([]string, m)
	date2 := make([]string, m)
	for i, p := range pairs {
		date1[i] = p.Date1
		date2[i] = p.Date2
	}
	if err := f.WriteDates(DSDate1, date1); err != nil {
		return nil, err
	}
	if err := f.WriteDates(DSDate2, date2); err != nil {
		return nil, err
	}
	if err := f.WriteFloat32(DSRefPhase, refPhase); err != nil {
		return nil, err
	}
	if err := f.WriteBool(DSDropped, dropped); err != nil {
		return nil, err
	}
	if err := f.WriteFloat32(DSPhase, phase); err != nil {
		return nil, err
	}
	return Open(path)
}

// Path returns the on-disk location of the stack container.
func (s *Stack) Path() string { return s.file.Path() }

// Meta returns the stack metadata record.
func (s *Stack) Meta() raster.Meta { return s.meta }

// DateList returns the sorted acquisition dates of the network.
func (s *Stack) DateList() []string {
	out := make([]string, len(s.dates))
	copy(out, s.dates)
	return out
}

// NumDates returns the number of acquisitions.
func (s *Stack) NumDates() int { return len(s.dates) }

// Pairs returns the formed interferogram pairs in stack order.
func (s *Stack) Pairs() []Pair {
	out := make([]Pair, len(s.pairs))
	copy(out, s.pairs)
	return out
}

// NumIfgrams returns the number of formed interferograms, dropped included
// (the size of the phase cube's leading axis).
func (s *Stack) NumIfgrams() int { return len(s.pairs) }

// KeptPairs returns the analysis-network pairs in stack order, skipping
// dropped interferograms.
func (s *Stack) KeptPairs() []Pair {
	out := make([]Pair, 0, len(s.kept))
	for _, i := range s.kept {
		out = append(out, s.pairs[i])
	}
	return out
}

// NumKept returns the number of analysis-network interferograms.
func (s *Stack) NumKept() int { return len(s.kept) }

// ReferencePhase returns the per-interferogram reference-pixel phase vector.
func (s *Stack) ReferencePhase() []float32 {
	out := make([]float32, len(s.refPhase))
	copy(out, s.refPhase)
	return out
}

// PairIndex returns the stack index of the interferogram formed from the
// acquisitions at date indices i and j, and whether it exists.
func (s *Stack) PairIndex(i, j int) (int, bool) {
	if i < 0 || j < 0 || i >= len(s.dates) || j >= len(s.dates) {
		return 0, false
	}
	idx, ok := s.pairIdx[Pair{Date1: s.dates[i], Date2: s.dates[j]}]
	return idx, ok
}

// ReadPhase reads the unwrapped-phase cube restricted to box. The returned
// slice is flattened [numIfgram, boxHeight, boxWidth].
func (s *Stack) ReadPhase(box blocks.Box) ([]float32, error) {
	phase, _, err := s.file.ReadFloat32(DSPhase, &box)
	if err != nil {
		return nil, fmt.Errorf("failed to read phase for box %v: %w", box, err)
	}
	return phase, nil
}

func (s *Stack) parseDates() ([]time.Time, error) {
	out := make([]time.Time, len(s.dates))
	for i, d := range s.dates {
		t, err := time.Parse(dateLayout, d)
		if err != nil {
			return nil, fmt.Errorf("bad acquisition date %q: %w", d, err)
		}
		out[i] = t
	}
	return out, nil
}

// TBase returns acquisition times in accumulated years since the first date.
func (s *Stack) TBase() ([]float64, error) {
	ts, err := s.parseDates()
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(ts))
	for i, t := range ts {
		out[i] = t.Sub(ts[0]).Hours() / 24 / 365.25
	}
	return out, nil
}

// DateOrdinals returns acquisition times as integer day counts.
func (s *Stack) DateOrdinals() ([]int, error) {
	ts, err := s.parseDates()
	if err != nil {
		return nil, err
	}
	out := make([]int, len(ts))
	for i, t := range ts {
		out[i] = int(t.Unix() / 86400)
	}
	return out, nil
}

// ClosurePhaseIndex enumerates the closure triplets of a connection level.
// Each tuple holds the stack indices of the connLevel unit-step
// interferograms from starting index i, followed by the index of the single
// connection-connLevel interferogram (i, i+connLevel) that closes the loop.
// A tuple is included only when every participating interferogram exists; a
// count below numDates-connLevel is a MissingInterferogramsError.
func (s *Stack) ClosurePhaseIndex(connLevel int) ([][]int, error) {
	n := connLevel
	numDate := len(s.dates)
	if n < 1 || n >= numDate {
		return nil, fmt.Errorf("connection level %d out of range for %d acquisitions", n, numDate)
	}

	var tuples [][]int
	for i := 0; i+n < numDate; i++ {
		tuple := make([]int, 0, n+1)
		ok := true
		for k := 0; k < n; k++ {
			idx, exists := s.PairIndex(i+k, i+k+1)
			if !exists {
				ok = false
				break
			}
			tuple = append(tuple, idx)
		}
		if !ok {
			continue
		}
		idx, exists := s.PairIndex(i, i+n)
		if !exists {
			continue
		}
		tuple = append(tuple, idx)
		tuples = append(tuples, tuple)
	}

	if expected := numDate - n; len(tuples) < expected {
		return nil, &MissingInterferogramsError{ConnLevel: n, Expected: expected, Found: len(tuples)}
	}
	return tuples, nil
}

// ConnectionLevel returns the acquisition-index span of the interferogram at
// stack index i.
func (s *Stack) ConnectionLevel(i int) (int, error) {
	if i < 0 || i >= len(s.pairs) {
		return 0, fmt.Errorf("interferogram index %d out of range", i)
	}
	p := s.pairs[i]
	return s.dateIdx[p.Date2] - s.dateIdx[p.Date1], nil
}

// DesignMatrix builds the incidence matrix A (numKept x numDate, -1/+1 per
// row) and the time-interval matrix B (numKept x numDate-1) with the last
// reference column dropped, for rate-to-displacement integration. Rows cover
// the analysis network only; dropped interferograms are skipped.
func (s *Stack) DesignMatrix() (*mat.Dense, *mat.Dense, error) {
	tbase, err := s.TBase()
	if err != nil {
		return nil, nil, err
	}
	m, n := len(s.kept), len(s.dates)
	a := mat.NewDense(m, n, nil)
	b := mat.NewDense(m, n-1, nil)
	for i, pi := range s.kept {
		p := s.pairs[pi]
		i1, i2 := s.dateIdx[p.Date1], s.dateIdx[p.Date2]
		a.Set(i, i1, -1)
		a.Set(i, i2, 1)
		for j := i1; j < i2; j++ {
			b.Set(i, j, tbase[j+1]-tbase[j])
		}
	}
	return a, b, nil
}

// ValidateBandwidth checks the analysis-network interferogram count against
// the closed-form count bw*(2N-bw-1)/2 of a full bandwidth-limited network.
func (s *Stack) ValidateBandwidth(bw int) error {
	numDate := len(s.dates)
	expected := bw * (2*numDate - bw - 1) / 2
	if len(s.kept) != expected {
		return &NetworkInconsistencyError{
			Bandwidth: bw,
			NumDates:  numDate,
			Expected:  expected,
			Found:     len(s.kept),
		}
	}
	return nil
}
