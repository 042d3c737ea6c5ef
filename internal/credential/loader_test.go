package credential

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaults = Limits{RPM: 60, RPD: 1440, TPM: 32000}

func TestParse(t *testing.T) {
	t.Parallel()

	t.Run("applies defaults to missing limits", func(t *testing.T) {
		t.Parallel()
		creds, err := Parse(strings.NewReader(`{"keys":[
			{"id":"a","api_key":"k1","limits":{"requests_per_minute":15}},
			{"id":"b","api_key":"k2"}
		]}`), defaults)
		require.NoError(t, err)
		require.Len(t, creds, 2)

		assert.Equal(t, Limits{RPM: 15, RPD: 1440, TPM: 32000}, creds[0].Limits)
		assert.Equal(t, defaults, creds[1].Limits)
		assert.Equal(t, "k2", creds[1].APIKey)
	})

	testCases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "malformed json", input: `{"keys":`, want: "decode api keys"},
		{name: "no keys", input: `{"keys":[]}`, want: ErrNoCredentials.Error()},
		{name: "missing api key", input: `{"keys":[{"id":"a"}]}`, want: "invalid api keys file"},
		{name: "negative limit", input: `{"keys":[{"id":"a","api_key":"k","limits":{"requests_per_day":-1}}]}`, want: "invalid api keys file"},
		{name: "duplicate id", input: `{"keys":[{"id":"a","api_key":"k"},{"id":"a","api_key":"j"}]}`, want: "duplicate id"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(strings.NewReader(tc.input), defaults)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "api_keys.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"keys":[{"id":"a","api_key":"k"}]}`), 0o600))

	creds, err := LoadFile(path, defaults)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "a", creds[0].ID)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.json"), defaults)
	assert.Error(t, err)
}
