// Package credential selects API keys for translation calls.
//
// Keys are loaded once from a JSON file. Every selection goes through the
// coordination store: a shared counter drives round-robin order across all
// instances, per-key minute and day buckets enforce request and token quotas,
// and a per-key circuit breaker keeps failing keys out of rotation until
// their cooldown expires.
package credential
