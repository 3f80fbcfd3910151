package scoring

// Verdict is the discrete quality bucket for one scored answer.
type Verdict string

const (
	VerdictPass        Verdict = "pass"
	VerdictSoftPass    Verdict = "soft_pass"
	VerdictNeedsReview Verdict = "needs_review"
	VerdictFail        Verdict = "fail"
)

// Verdict band thresholds. Lower edges are inclusive; the bands are
// contiguous and exhaustive over [0,1].
const (
	passThreshold        = 0.90
	softPassThreshold    = 0.70
	needsReviewThreshold = 0.50
)

// Classify maps an overall score to its verdict band.
func Classify(overall float64) Verdict {
	switch {
	case overall >= passThreshold:
		return VerdictPass
	case overall >= softPassThreshold:
		return VerdictSoftPass
	case overall >= needsReviewThreshold:
		return VerdictNeedsReview
	default:
		return VerdictFail
	}
}
