package stack

import "fmt"

// MissingInterferogramsError reports that the closure-triplet count at a
// connection level fell short of the expected N-n, i.e. some interferograms
// referenced by the closure loops are absent from the stack. It is fatal and
// must abort before any downstream numeric step runs.
type MissingInterferogramsError struct {
	ConnLevel int
	Expected  int
	Found     int
}

func (e *MissingInterferogramsError) Error() string {
	return fmt.Sprintf("closure triplets at connection level %d: found %d, expected %d -- some interferograms are missing",
		e.ConnLevel, e.Found, e.Expected)
}

// NetworkInconsistencyError reports that the observed interferogram network
// does not match the declared analysis bandwidth: either the total count
// differs from the closed-form bandwidth-limited value, or an interferogram
// spans more acquisition steps than the bandwidth allows.
type NetworkInconsistencyError struct {
	Bandwidth int
	NumDates  int
	Expected  int
	Found     int
	Reason    string
}

func (e *NetworkInconsistencyError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("interferogram network inconsistent with bandwidth %d: %s", e.Bandwidth, e.Reason)
	}
	return fmt.Sprintf("interferogram network inconsistent with bandwidth %d: found %d interferograms, expected %d for %d acquisitions",
		e.Bandwidth, e.Found, e.Expected, e.NumDates)
}
