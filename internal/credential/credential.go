package credential

import (
	"log/slog"
	"time"
)

// Limits are the quotas of one API key. A zero value means "use the
// configured default".
type Limits struct {
	RPM int `json:"requests_per_minute" validate:"gte=0"`
	RPD int `json:"requests_per_day" validate:"gte=0"`
	TPM int `json:"tokens_per_minute" validate:"gte=0"`
}

// withDefaults fills unset limits from defaults.
func (l Limits) withDefaults(defaults Limits) Limits {
	if l.RPM == 0 {
		l.RPM = defaults.RPM
	}
	if l.RPD == 0 {
		l.RPD = defaults.RPD
	}
	if l.TPM == 0 {
		l.TPM = defaults.TPM
	}
	return l
}

// Credential is an external-service API key with its own quota budget.
type Credential struct {
	ID     string
	APIKey string
	Limits Limits
}

// LogValue keeps the key material out of logs.
func (c Credential) LogValue() slog.Value {
	return slog.StringValue(c.ID)
}

// Health is the circuit state of a credential.
type Health string

const (
	HealthActive      Health = "active"
	HealthCoolingDown Health = "cooling_down"
	HealthDisabled    Health = "disabled"
)

// Usage holds the current bucket counters of a credential.
type Usage struct {
	RequestsThisMinute int64 `json:"requests_this_minute"`
	RequestsToday      int64 `json:"requests_today"`
	TokensThisMinute   int64 `json:"tokens_this_minute"`
}

// Status is a point-in-time view of one credential for stats and tooling.
type Status struct {
	ID                  string     `json:"id"`
	Health              Health     `json:"health"`
	Limits              Limits     `json:"limits"`
	Usage               Usage      `json:"usage"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
}

// Outcome is what a caller reports after using a credential.
type Outcome struct {
	Success    bool
	TokensUsed int
	// Err is the failure, used to distinguish quota and credential errors
	Err error
}
