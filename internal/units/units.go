// Package units provides shared length-unit conversions. Radar wavelengths
// arrive in meters, the bias math runs in centimeters, and the published
// time-series products are in meters again.
package units

// CentimetersPerMeter converts between the storage unit (meters) and the
// working unit of the phase-to-range math (centimeters).
const CentimetersPerMeter = 100.0

// MetersToCentimeters converts a length in meters to centimeters.
func MetersToCentimeters(m float64) float64 { return m * CentimetersPerMeter }

// CentimetersToMeters converts a length in centimeters to meters.
func CentimetersToMeters(cm float64) float64 { return cm / CentimetersPerMeter }

// SamplesToMeters converts a float32 sample in centimeters to meters.
func SamplesToMeters(cm float32) float32 { return cm / CentimetersPerMeter }
