// Package units holds conversion helpers between the SI units used
// internally and the display units used by sims and UI payloads.
// Internal convention: speeds in m/s, distances in metres, fuel in litres.
package units

const (
	mpsPerMph       = 0.44704
	mpsPerKph       = 1.0 / 3.6
	litresPerGallon = 3.785411784
)

// MphToMps converts miles per hour to metres per second.
func MphToMps(v float64) float64 { return v * mpsPerMph }

// MpsToMph converts metres per second to miles per hour.
func MpsToMph(v float64) float64 { return v / mpsPerMph }

// KphToMps converts kilometres per hour to metres per second.
func KphToMps(v float64) float64 { return v * mpsPerKph }

// MpsToKph converts metres per second to kilometres per hour.
func MpsToKph(v float64) float64 { return v / mpsPerKph }

// GallonsToLitres converts US gallons to litres.
func GallonsToLitres(v float64) float64 { return v * litresPerGallon }

// Clamp01 clamps v to the closed interval [0,1].
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Normalize01 maps a pedal/percentage value that may be on a 0..1 or 0..100
// scale onto [0,1]. Sims disagree on which scale they report; values above
// 1.5 are assumed to be percentages.
func Normalize01(v float64) float64 {
	if v > 1.5 {
		v = v / 100
	}
	return Clamp01(v)
}
