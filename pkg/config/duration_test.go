package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_UnmarshalJSON(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{`"5s"`, 5 * time.Second},
		{`"250ms"`, 250 * time.Millisecond},
		{`"1m30s"`, 90 * time.Second},
		{`2`, 2 * time.Second},
		{`0.5`, 500 * time.Millisecond},
	}
	for _, tc := range cases {
		var d Duration
		require.NoError(t, json.Unmarshal([]byte(tc.in), &d), tc.in)
		assert.Equal(t, tc.want, d.Duration(), tc.in)
	}
}

func TestDuration_UnmarshalRejectsGarbage(t *testing.T) {
	for _, in := range []string{`"fast"`, `"5 parsecs"`, `true`} {
		var d Duration
		assert.Error(t, json.Unmarshal([]byte(in), &d), in)
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	got, err := json.Marshal(Duration(90 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(got))
}
