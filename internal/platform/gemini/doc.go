// Package gemini implements translation.Translator on top of Google's Gemini
// API (google.golang.org/genai).
//
// The Translator keeps one genai client per API key, builds the prompt for
// the target language from a YAML catalogue, sends the image inline with the
// prompt and maps API failures onto the translation error classes: quota
// errors and server errors are transient, rejected keys and blocked content
// are permanent. Retrying is left to the caller.
package gemini
