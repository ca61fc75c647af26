package enrich

import "strings"

// SystemPrompt is sent as the system instruction by backends that support
// one.
const SystemPrompt = "You are an English dictionary for Traditional Chinese readers. " +
	"You answer with a single JSON object and nothing else."

const promptTemplate = `Analyze the English text "{{text}}" within the context of the sentence: "{{context}}".
Provide a detailed, dictionary-style analysis.

You MUST respond with a single, valid JSON object and nothing else. Do not include any explanatory text, comments, or markdown code fences.
The JSON object must strictly follow this structure:
{
  "query": "The queried text",
  "phonetics": {
    "uk": { "ipa": "/phonetic_uk/" },
    "us": { "ipa": "/phonetic_us/" }
  },
  "definitions": [
    {
      "partOfSpeech": "verb",
      "level": "B2",
      "meaning": "The primary definition in Traditional Chinese.",
      "synonyms": ["similar", "alike"],
      "antonyms": ["different", "opposite"],
      "example": {
        "en": "An English example sentence using the word.",
        "zh": "The Traditional Chinese translation of the example."
      }
    }
  ],
  "verbForms": {
    "present": "form",
    "past": "formed",
    "pastParticiple": "formed",
    "presentParticiple": "forming"
  },
  "contextAnalysis": {
    "translation": "The translation of the original text '{{text}}' in the given context, in Traditional Chinese.",
    "explanation": "An explanation in Traditional Chinese of why this translation is appropriate for the context."
  }
}

RULES:
1. All textual output (meanings, explanations, translations) MUST be in Traditional Chinese (繁體中文).
2. For "phonetics", provide the International Phonetic Alphabet (IPA) string. If unknown, set the corresponding object (uk/us) to null.
3. "level" should be a CEFR level (e.g., A1, B2, C1). If unknown, set to null.
4. "synonyms" and "antonyms" must be arrays of strings. If none exist, use an empty array [].
5. "verbForms" is only for verbs. If the word is not a verb or has no variations, set this to null.
6. If the query is a phrase, "phonetics", "definitions", and "verbForms" should be null. Focus on providing a high-quality "contextAnalysis".
7. Ensure the final output is a single, clean JSON object.`

// Prompt renders the dictionary instruction for text as used in context.
// Double quotes inside either value are replaced by single quotes so the
// quoting of the instruction stays intact.
func Prompt(text, context string) string {
	q := strings.NewReplacer(`"`, `'`)
	return strings.NewReplacer(
		"{{text}}", q.Replace(text),
		"{{context}}", q.Replace(context),
	).Replace(promptTemplate)
}
