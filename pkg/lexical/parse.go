package lexical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DefaultTTSBaseURL is the speech endpoint pronunciation locators point at.
const DefaultTTSBaseURL = "https://translate.google.com/translate_tts?ie=UTF-8&client=tw-ob"

// ErrEmpty is returned by [Parse] when the payload holds no JSON object.
var ErrEmpty = errors.New("lexical: empty response")

// Parse decodes a model response into an [Entry]. Markdown code fences around
// the JSON are removed first. Unknown fields are ignored.
func Parse(raw string) (*Entry, error) {
	body := StripFences(raw)
	if body == "" {
		return nil, ErrEmpty
	}
	var e Entry
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("lexical: decode entry: %w", err)
	}
	return &e, nil
}

// StripFences trims s and removes a leading ``` or ```json fence line and a
// trailing ``` fence.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "```"); ok {
		rest = strings.TrimPrefix(rest, "json")
		rest = strings.TrimLeft(rest, " \t")
		rest = strings.TrimPrefix(rest, "\r")
		rest = strings.TrimPrefix(rest, "\n")
		s = rest
	}
	if rest, ok := strings.CutSuffix(strings.TrimRight(s, " \t\r\n"), "```"); ok {
		s = strings.TrimRight(rest, "\r\n")
	}
	return strings.TrimSpace(s)
}

// AddPronunciation sets a synthesized audio locator for both regions of e,
// keeping any IPA the backend supplied. It is a no-op when e has no query.
// An empty base selects [DefaultTTSBaseURL].
func AddPronunciation(e *Entry, base string) {
	if e == nil || e.Query == "" {
		return
	}
	if base == "" {
		base = DefaultTTSBaseURL
	}
	if e.Phonetics == nil {
		e.Phonetics = &Phonetics{}
	}
	if e.Phonetics.UK == nil {
		e.Phonetics.UK = &Phonetic{}
	}
	if e.Phonetics.US == nil {
		e.Phonetics.US = &Phonetic{}
	}
	e.Phonetics.UK.Audio = TTSLocator(base, e.Query, "en-GB")
	e.Phonetics.US.Audio = TTSLocator(base, e.Query, "en-US")
}

// TTSLocator builds the speech URL for text in language lang.
func TTSLocator(base, text, lang string) string {
	q := strings.ReplaceAll(url.QueryEscape(text), "+", "%20")
	sep := "&"
	if !strings.Contains(base, "?") {
		sep = "?"
	}
	return base + sep + "q=" + q + "&tl=" + lang
}
