package translate

import "strings"

// Family distinguishes the two upstream model families this gateway targets;
// they differ in thinkingConfig field names and in which signatures they will
// accept on a follow-up turn.
type Family string

const (
	FamilyClaude Family = "claude"
	FamilyGemini Family = "gemini"
)

// FamilyOf classifies a model ID by substring match, grounded on the
// teacher's internal/cache.GetModelGroup, which uses the same approach. It is
// a request-routing classifier, not a membership test: every request targets
// either Claude or Gemini wire semantics, so a model this gateway doesn't
// recognize still needs one of the two treatments and defaults to Gemini's.
// Use IsRecognizedFamily, not this function, to test whether a model ID
// actually names a Claude or Gemini model.
func FamilyOf(model string) Family {
	if strings.Contains(strings.ToLower(model), "claude") {
		return FamilyClaude
	}
	return FamilyGemini
}

// IsRecognizedFamily reports whether model ID actually names a Claude or
// Gemini model, unlike FamilyOf's routing default. Used to filter an
// upstream model listing down to the two families this gateway serves.
func IsRecognizedFamily(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "claude") || strings.Contains(lower, "gemini")
}
