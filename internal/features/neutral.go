package features

import "phishguard/internal/models"

// Neutral values substituted when a network-derived signal is unavailable.
// Each is the centre the shipped models use for that feature, so a
// substitution moves the raw score by nothing.
const (
	NeutralWhoisAgeDays = 365
	NeutralCTFlag       = 0
)

// NeutralDOM is the page-structure substitute: no forms, no password
// field, no external resources, no iframes.
var NeutralDOM = models.DOMMetrics{}

// Neutral returns the substitute for the feature at idx. URL heuristics
// are never substituted and report ok=false.
func Neutral(idx int) (float64, bool) {
	switch idx {
	case IdxCTFlag, IdxCTFlagDup:
		return NeutralCTFlag, true
	case IdxWhoisAgeDays:
		return NeutralWhoisAgeDays, true
	case IdxDOMForms:
		return float64(NeutralDOM.Forms), true
	case IdxDOMPassword:
		return boolToFloat(NeutralDOM.HasPassword), true
	case IdxDOMExtRatio:
		return NeutralDOM.ExtIntRatio, true
	case IdxDOMIframes:
		return float64(NeutralDOM.Iframes), true
	}
	return 0, false
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
