// Package lexical defines the dictionary entry returned by enrichment
// backends and the helpers that decode and complete it.
//
// All natural-language fields are opaque display strings. The engine never
// interprets them.
package lexical

// Entry is a dictionary-style analysis of a word or phrase in context.
type Entry struct {
	// Query is the analysed text as the backend understood it.
	Query string `json:"query"`

	// Phonetics holds per-region pronunciations. Nil for phrases.
	Phonetics *Phonetics `json:"phonetics,omitempty"`

	// Definitions lists senses in the backend's order.
	Definitions []Definition `json:"definitions,omitempty"`

	// VerbForms is set for verbs only.
	VerbForms *VerbForms `json:"verbForms,omitempty"`

	// ContextAnalysis explains the query as used in its sentence.
	ContextAnalysis *ContextAnalysis `json:"contextAnalysis,omitempty"`
}

// Region identifies a pronunciation variant.
type Region string

const (
	RegionUK Region = "uk"
	RegionUS Region = "us"
)

// Phonetics groups pronunciations by region.
type Phonetics struct {
	UK *Phonetic `json:"uk,omitempty"`
	US *Phonetic `json:"us,omitempty"`
}

// Get returns the pronunciation for r, or nil.
func (p *Phonetics) Get(r Region) *Phonetic {
	if p == nil {
		return nil
	}
	switch r {
	case RegionUK:
		return p.UK
	case RegionUS:
		return p.US
	default:
		return nil
	}
}

// Phonetic is one pronunciation: an optional IPA transcription and an
// optional audio locator.
type Phonetic struct {
	IPA   string `json:"ipa,omitempty"`
	Audio string `json:"audio,omitempty"`
}

// Definition is a single sense.
type Definition struct {
	PartOfSpeech string   `json:"partOfSpeech"`
	Level        string   `json:"level,omitempty"`
	Meaning      string   `json:"meaning"`
	Synonyms     []string `json:"synonyms"`
	Antonyms     []string `json:"antonyms"`
	Example      *Example `json:"example,omitempty"`
}

// Example pairs a source-language sentence with its translation.
type Example struct {
	EN string `json:"en"`
	ZH string `json:"zh"`
}

// VerbForms lists the inflections of a verb.
type VerbForms struct {
	Present           string `json:"present"`
	Past              string `json:"past"`
	PastParticiple    string `json:"pastParticiple"`
	PresentParticiple string `json:"presentParticiple"`
}

// ContextAnalysis is the contextual translation of the query.
type ContextAnalysis struct {
	Translation string `json:"translation"`
	Explanation string `json:"explanation,omitempty"`
}

// AudioLocators returns every audio locator in e, UK first.
func (e *Entry) AudioLocators() []string {
	var out []string
	for _, r := range []Region{RegionUK, RegionUS} {
		if p := e.Phonetics.Get(r); p != nil && p.Audio != "" {
			out = append(out, p.Audio)
		}
	}
	return out
}
