package plan

import "unicode/utf8"

// DefaultVerificationSuffix is appended to a verified plan id.
const DefaultVerificationSuffix = "_A"

// DefaultMaxPlanIDLength is the longest plan id the record accepts.
const DefaultMaxPlanIDLength = 16

// VerificationID derives the id of a verification plan from the id of the
// plan it verifies. When the suffixed id would exceed maxLen, planID is cut
// so that the result is at most maxLen bytes long. The cut never splits a
// rune.
func VerificationID(planID, suffix string, maxLen int) string {
	keep := maxLen - len(suffix)
	if maxLen > 0 && keep > 0 && len(planID) > keep {
		for keep > 0 && !utf8.RuneStart(planID[keep]) {
			keep--
		}
		return planID[:keep] + suffix
	}
	return planID + suffix
}
