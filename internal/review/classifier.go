// Package review reconciles manager score submissions against the AI
// scores they correct, and curates the calibration examples that feed
// model training.
package review

// DeltaCategory buckets the gap between a manager's score and the AI
// score for the same dimension. Delta is manager minus AI, so positive
// deltas mean the AI scored too low.
type DeltaCategory string

const (
	MajorUnderestimate DeltaCategory = "major_underestimate"
	MinorUnderestimate DeltaCategory = "minor_underestimate"
	Accurate           DeltaCategory = "accurate"
	MinorOverestimate  DeltaCategory = "minor_overestimate"
	MajorOverestimate  DeltaCategory = "major_overestimate"
)

// Bucket boundaries. These encode a product decision (a ten-point gap
// still counts as agreement), so they are constants here rather than
// literals at the call sites.
const (
	// MinorDeltaThreshold is the smallest |delta| that leaves the
	// "accurate" bucket.
	MinorDeltaThreshold = 10
	// MajorDeltaThreshold is the largest |delta| still classified as a
	// minor miss.
	MajorDeltaThreshold = 20
)

// Classify buckets a score delta. The positive side is inclusive at
// both minor boundaries (10 and 20 are minor), the negative side is
// inclusive at -20 and exclusive at -10.
func Classify(delta int) DeltaCategory {
	switch {
	case delta > MajorDeltaThreshold:
		return MajorUnderestimate
	case delta >= MinorDeltaThreshold:
		return MinorUnderestimate
	case delta >= -MinorDeltaThreshold:
		return Accurate
	case delta >= -MajorDeltaThreshold:
		return MinorOverestimate
	default:
		return MajorOverestimate
	}
}

// Agreement levels a manager can attach to a review. The level is
// caller-supplied and used only for reporting; it is never derived
// from the deltas.
const (
	AgreementAgree    = "agree"
	AgreementMostly   = "mostly"
	AgreementDisagree = "disagree"
)

// ValidAgreement reports whether level is one of the known values.
func ValidAgreement(level string) bool {
	switch level {
	case AgreementAgree, AgreementMostly, AgreementDisagree:
		return true
	}
	return false
}

// OverallDimension is the reserved dimension name under which the
// overall-score pair is tracked as a training example.
const OverallDimension = "overall"
