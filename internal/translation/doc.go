// Package translation defines the boundary between the worker pool and the
// external image translation service. The Translator interface keeps the
// worker independent of the concrete backend (Gemini in production, a
// function fake in tests), and the error values classify every failure as
// transient (worth retrying) or permanent.
package translation
