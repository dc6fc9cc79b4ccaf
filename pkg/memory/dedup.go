package memory

import (
	"regexp"
	"strings"
)

// normalizeContent folds case and whitespace so trivially re-phrased saves of
// the same fact compare equal.
func normalizeContent(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

// similarityRatio returns a conservative similarity in [0,1] between two
// already-normalized strings, using the Dice coefficient over character
// bigrams. Equal strings score 1; a single changed value inside an otherwise
// identical sentence drops the score well below the duplicate threshold.
func similarityRatio(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) < 2 || len(rb) < 2 {
		return 0
	}

	bigrams := make(map[string]int, len(ra)-1)
	for i := 0; i+1 < len(ra); i++ {
		bigrams[string(ra[i:i+2])]++
	}

	matches := 0
	for i := 0; i+1 < len(rb); i++ {
		bg := string(rb[i : i+2])
		if bigrams[bg] > 0 {
			bigrams[bg]--
			matches++
		}
	}

	return 2 * float64(matches) / float64(len(ra)-1+len(rb)-1)
}

// factSignature is a (subject_key, value) pair extracted from content, used to
// detect conflicting statements about the same subject.
type factSignature struct {
	Key   string
	Value string
}

var (
	emailFactPattern = regexp.MustCompile(`(?i)^(.{1,60}?)\s+e-?mail\s*(?:is|=|:)\s*([\w.+-]+@[\w-]+(?:\.[\w-]+)+)`)
	phoneFactPattern = regexp.MustCompile(`(?i)^(.{1,60}?)\s+(?:phone|tel|telephone|mobile)(?:\s+number)?\s*(?:is|=|:)\s*([\d()+][\d\s()./-]{5,})`)
	// genericFactPattern catches plain "subject is value" statements. The
	// subject is capped so long prose never degrades into a fact claim.
	genericFactPattern = regexp.MustCompile(`(?i)^([\w][\w\s'-]{0,40}?)\s*(?:\bis\b|=|:)\s*(\S.*)$`)
)

// extractFactSignature detects simple "subject states value" patterns. The
// email and phone forms take precedence because their values have a canonical
// shape; the generic form is a best-effort fallback.
func extractFactSignature(content string) *factSignature {
	text := strings.TrimSpace(content)
	if text == "" {
		return nil
	}

	if m := emailFactPattern.FindStringSubmatch(text); m != nil {
		return &factSignature{
			Key:   normalizeSubject(m[1]) + "/email",
			Value: strings.ToLower(strings.TrimSpace(m[2])),
		}
	}
	if m := phoneFactPattern.FindStringSubmatch(text); m != nil {
		return &factSignature{
			Key:   normalizeSubject(m[1]) + "/phone",
			Value: normalizePhone(m[2]),
		}
	}
	if m := genericFactPattern.FindStringSubmatch(text); m != nil {
		key := normalizeSubject(m[1])
		value := normalizeContent(m[2])
		if key == "" || value == "" {
			return nil
		}
		return &factSignature{Key: key, Value: value}
	}
	return nil
}

func normalizeSubject(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func normalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' || r == '+' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// importance signal keywords. Contact, credential and deadline-like tokens
// raise the score above the type baseline.
var (
	credentialKeywords = []string{"password", "credential", "secret", "token", "api key", "apikey", "passcode"}
	deadlineKeywords   = []string{"deadline", "due", "expires", "urgent", "asap", "by friday", "by monday"}
	contactKeywords    = []string{"email", "phone", "address", "contact", "@"}
)

// computeImportance derives a 1-10 importance from the type baseline, keyword
// signals and content length. An explicit numeric "importance" metadata value
// overrides the heuristic entirely.
func computeImportance(content string, typ MemoryType, meta map[string]any) int {
	if v, ok := meta["importance"]; ok {
		if explicit, ok := toInt(v); ok {
			return clampImportance(explicit)
		}
	}

	score := typ.baseline()
	lower := strings.ToLower(content)

	if containsAny(lower, credentialKeywords) {
		score += 2
	}
	if containsAny(lower, deadlineKeywords) {
		score++
	}
	if containsAny(lower, contactKeywords) {
		score++
	}
	if len([]rune(strings.TrimSpace(content))) < 20 {
		score--
	}

	return clampImportance(score)
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func clampImportance(v int) int {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
