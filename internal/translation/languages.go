package translation

import "strings"

// DefaultLanguage is the target used when a submission names none.
const DefaultLanguage = "Vietnamese"

// Language is one supported target language. Name is what tasks and prompts
// carry; Code is a stable lowercase identifier for clients.
type Language struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

var catalogue = []Language{
	{Code: "vietnamese", Name: "Vietnamese"},
	{Code: "english", Name: "English"},
	{Code: "japanese", Name: "Japanese"},
	{Code: "korean", Name: "Korean"},
	{Code: "chinese_simplified", Name: "Chinese (Simplified)"},
	{Code: "chinese_traditional", Name: "Chinese (Traditional)"},
	{Code: "spanish", Name: "Spanish"},
	{Code: "french", Name: "French"},
	{Code: "german", Name: "German"},
	{Code: "portuguese", Name: "Portuguese"},
	{Code: "russian", Name: "Russian"},
	{Code: "thai", Name: "Thai"},
	{Code: "indonesian", Name: "Indonesian"},
}

// Languages returns the supported languages, default first.
func Languages() []Language {
	out := make([]Language, len(catalogue))
	copy(out, catalogue)
	return out
}

// LookupLanguage resolves a display name or code, ignoring case and
// surrounding space.
func LookupLanguage(s string) (Language, bool) {
	s = strings.TrimSpace(s)
	for _, lang := range catalogue {
		if strings.EqualFold(s, lang.Name) || strings.EqualFold(s, lang.Code) {
			return lang, true
		}
	}
	return Language{}, false
}
