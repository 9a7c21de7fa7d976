package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDay(t *testing.T) {
	day, err := parseDay("as-of", "")
	require.NoError(t, err)
	assert.True(t, day.IsZero())

	day, err = parseDay("as-of", "2024-03-10")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), day)

	_, err = parseDay("as-of", "10/03/2024")
	assert.ErrorContains(t, err, "--as-of")
}

func TestCheckPair(t *testing.T) {
	assert.NoError(t, checkPair("", ""))
	assert.NoError(t, checkPair("zone_a", "fever"))
	assert.Error(t, checkPair("zone_a", ""))
	assert.Error(t, checkPair("", "fever"))
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	assert.Contains(t, buf.String(), "commit:")
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "evaluate", "train", "export", "ingest", "backfill", "alerts", "summary", "resolve", "resolve-stale", "simulate-alert", "version"} {
		assert.True(t, names[want], want)
	}
}
