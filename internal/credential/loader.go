package credential

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
)

// keyFile is the on-disk layout of the API keys file.
type keyFile struct {
	Keys []keyEntry `json:"keys" validate:"required,min=1,dive"`
}

type keyEntry struct {
	ID     string `json:"id" validate:"required"`
	APIKey string `json:"api_key" validate:"required"`
	Limits Limits `json:"limits"`
}

// LoadFile reads credentials from a JSON file. Limits missing from the file
// are taken from defaults.
func LoadFile(path string, defaults Limits) ([]Credential, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open api keys file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return Parse(f, defaults)
}

// Parse decodes and validates a key file.
func Parse(r io.Reader, defaults Limits) ([]Credential, error) {
	var file keyFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode api keys: %w", err)
	}
	if len(file.Keys) == 0 {
		return nil, ErrNoCredentials
	}
	if err := validator.New().Struct(file); err != nil {
		return nil, fmt.Errorf("invalid api keys file: %w", err)
	}

	seen := make(map[string]bool, len(file.Keys))
	creds := make([]Credential, 0, len(file.Keys))
	for _, k := range file.Keys {
		if seen[k.ID] {
			return nil, fmt.Errorf("invalid api keys file: duplicate id %q", k.ID)
		}
		seen[k.ID] = true
		creds = append(creds, Credential{
			ID:     k.ID,
			APIKey: k.APIKey,
			Limits: k.Limits.withDefaults(defaults),
		})
	}
	return creds, nil
}
