package scoring

import "strings"

// excerptMaxLen is the approximate maximum character length for an excerpt.
const excerptMaxLen = 300

// ExcerptAround returns the sentence containing the first case-insensitive
// occurrence of term, extended with an adjacent sentence when the combined
// text still fits excerptMaxLen. Returns empty when the term is absent.
func ExcerptAround(text, term string) string {
	if text == "" || term == "" {
		return ""
	}
	lowTerm := strings.ToLower(term)

	sentences := splitSentences(text)
	hit := -1
	for i, s := range sentences {
		if strings.Contains(strings.ToLower(s), lowTerm) {
			hit = i
			break
		}
	}
	if hit < 0 {
		// Term straddles a sentence boundary (punctuation inside the term);
		// fall back to a flat character window around the occurrence.
		return flatWindow(text, lowTerm)
	}

	result := sentences[hit]
	if len(result) < excerptMaxLen {
		if hit+1 < len(sentences) {
			if combined := result + " " + sentences[hit+1]; len(combined) <= excerptMaxLen {
				return combined
			}
		}
		if hit > 0 {
			if combined := sentences[hit-1] + " " + result; len(combined) <= excerptMaxLen {
				return combined
			}
		}
	}
	return result
}

// flatWindow slices up to excerptMaxLen characters centered on the first
// occurrence of lowTerm.
func flatWindow(text, lowTerm string) string {
	idx := strings.Index(strings.ToLower(text), lowTerm)
	if idx < 0 {
		return ""
	}
	start := idx - excerptMaxLen/2
	if start < 0 {
		start = 0
	}
	end := idx + len(lowTerm) + excerptMaxLen/2
	if end > len(text) {
		end = len(text)
	}
	return strings.TrimSpace(text[start:end])
}

// splitSentences splits text into sentences at period/question/exclamation
// boundaries followed by whitespace or end of string.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				s := strings.TrimSpace(cur.String())
				if s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if cur.Len() > 0 {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}
