// Package tokenize splits caption text into word and separator fragments.
//
// A word is a run of ASCII Latin letters that may contain apostrophes and
// hyphens internally ("don't", "well-known", "rock'n'roll"). Apostrophes and
// hyphens at either end of a run, and every other character, belong to
// separator fragments. A word never touches a digit or an underscore, so
// letters glued to them ("2nd", "1990s", "MP3", "_init") stay separator
// text. Concatenating the fragments of a string always reproduces it byte
// for byte.
package tokenize

import "strings"

// Kind distinguishes word fragments from separator fragments.
type Kind int

const (
	// Separator is whitespace, punctuation, digits, or any non-Latin text.
	Separator Kind = iota

	// Word is an interactive token.
	Word
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	if k == Word {
		return "word"
	}
	return "separator"
}

// Fragment is one contiguous piece of the input.
type Fragment struct {
	Kind Kind
	Text string
}

// Tokenize splits raw into fragments in left-to-right order. Adjacent
// separator characters are merged into a single fragment. The result is nil
// for the empty string.
func Tokenize(raw string) []Fragment {
	var out []Fragment
	sepStart := 0
	i := 0
	for i < len(raw) {
		if !isLetter(raw[i]) || (i > 0 && isWordChar(raw[i-1])) {
			i++
			continue
		}
		runEnd := i
		for runEnd < len(raw) && isWordByte(raw[runEnd]) {
			runEnd++
		}
		// Back off to the last letter that is not glued to a word character.
		end := -1
		for j := runEnd; j > i; j-- {
			if isLetter(raw[j-1]) && (j == len(raw) || !isWordChar(raw[j])) {
				end = j
				break
			}
		}
		if end < 0 {
			// No later start in this run can end cleanly either.
			i = runEnd
			continue
		}
		if sepStart < i {
			out = append(out, Fragment{Kind: Separator, Text: raw[sepStart:i]})
		}
		out = append(out, Fragment{Kind: Word, Text: raw[i:end]})
		i = end
		sepStart = end
	}
	if sepStart < len(raw) {
		out = append(out, Fragment{Kind: Separator, Text: raw[sepStart:]})
	}
	return out
}

// Join concatenates fragment texts.
func Join(frags []Fragment) string {
	var b strings.Builder
	for _, f := range frags {
		b.WriteString(f.Text)
	}
	return b.String()
}

// Words returns the texts of the word fragments in order.
func Words(frags []Fragment) []string {
	var out []string
	for _, f := range frags {
		if f.Kind == Word {
			out = append(out, f.Text)
		}
	}
	return out
}

// HasWords reports whether Tokenize(s) would yield at least one word.
func HasWords(s string) bool {
	for _, f := range Tokenize(s) {
		if f.Kind == Word {
			return true
		}
	}
	return false
}

// HasLatin reports whether s contains at least one ASCII Latin letter.
func HasLatin(s string) bool {
	for i := 0; i < len(s); i++ {
		if isLetter(s[i]) {
			return true
		}
	}
	return false
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordByte(c byte) bool {
	return isLetter(c) || c == '\'' || c == '-'
}

// isWordChar reports the characters that glue to letters: letters, digits
// and underscore.
func isWordChar(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9') || c == '_'
}
