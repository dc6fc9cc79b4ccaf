package memory

import (
	"regexp"
	"strings"
	"unicode"
)

var emailPattern = regexp.MustCompile(`^[\w.+-]+@[\w-]+(\.[\w-]+)+$`)

// Tokenize splits text into lowercase search tokens. Email-like fields stay
// atomic, CJK runs are emitted as overlapping bigrams so FTS matching works
// without a language-specific segmenter, and everything else becomes plain
// word tokens.
func Tokenize(text string) []string {
	var tokens []string
	for _, field := range strings.Fields(text) {
		if emailPattern.MatchString(field) {
			tokens = append(tokens, strings.ToLower(field))
			continue
		}
		tokens = append(tokens, tokenizeField(field)...)
	}
	return tokens
}

func tokenizeField(field string) []string {
	var tokens []string
	var word, cjk []rune

	flushWord := func() {
		if len(word) > 0 {
			tokens = append(tokens, strings.ToLower(string(word)))
			word = word[:0]
		}
	}
	flushCJK := func() {
		if len(cjk) == 1 {
			tokens = append(tokens, string(cjk))
		} else {
			for i := 0; i+1 < len(cjk); i++ {
				tokens = append(tokens, string(cjk[i:i+2]))
			}
		}
		cjk = cjk[:0]
	}

	for _, r := range field {
		switch {
		case isCJK(r):
			flushWord()
			cjk = append(cjk, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if len(cjk) > 0 {
				flushCJK()
			}
			word = append(word, r)
		default:
			flushWord()
			if len(cjk) > 0 {
				flushCJK()
			}
		}
	}
	flushWord()
	if len(cjk) > 0 {
		flushCJK()
	}
	return tokens
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// ftsDocument renders content as the pre-tokenized text stored in the lexical
// shadow table.
func ftsDocument(content string) string {
	return strings.Join(Tokenize(content), " ")
}

// ftsQuery builds an FTS5 MATCH expression from a free-text query. Tokens are
// quoted so FTS5 operators in user input cannot alter the query shape.
func ftsQuery(query string) string {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		quoted = append(quoted, `"`+strings.ReplaceAll(tok, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " OR ")
}
