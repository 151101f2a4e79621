package analysis

import "github.com/san-kum/motion-analysis/server/models"

// Summarize scores a feedback list: every high issue costs 5 points, every
// moderate one 2, floored at zero. Suggestions are the distinct corrections
// in order of first appearance.
func Summarize(feedback []models.FrameFeedback) models.AnalysisSummary {
	score := 100
	critical := 0
	seen := make(map[string]bool, len(feedback))
	suggestions := make([]string, 0)

	for _, f := range feedback {
		score -= f.Severity.Penalty()
		if f.Severity == models.SeverityHigh {
			critical++
		}
		if f.Correction != "" && !seen[f.Correction] {
			seen[f.Correction] = true
			suggestions = append(suggestions, f.Correction)
		}
	}

	return models.AnalysisSummary{
		OverallScore:   max(0, score),
		CriticalIssues: critical,
		Suggestions:    suggestions,
		FeedbackCount:  len(feedback),
	}
}
