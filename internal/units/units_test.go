package units

import "testing"

func TestRoundTrip(t *testing.T) {
	if got := MetersToCentimeters(0.0555); got != 5.55 {
		t.Errorf("MetersToCentimeters(0.0555) = %v, expected 5.55", got)
	}
	if got := CentimetersToMeters(MetersToCentimeters(1.23)); got != 1.23 {
		t.Errorf("round trip changed value: %v", got)
	}
	if got := SamplesToMeters(250); got != 2.5 {
		t.Errorf("SamplesToMeters(250) = %v, expected 2.5", got)
	}
}
