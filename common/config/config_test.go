package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInterval(t *testing.T) {
	cases := map[string]time.Duration{
		"30s": 30 * time.Second,
		"5m":  5 * time.Minute,
		"1h":  time.Hour,
		"2d":  48 * time.Hour,
		"0s":  0,
		"90":  90 * time.Second, // bare number means seconds
	}
	for in, want := range cases {
		got, err := ParseInterval(in)
		require.NoError(t, err, "%q", in)
		assert.Equal(t, want, got, "%q", in)
	}
}

func TestParseIntervalRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "5w", "-3s", "s"} {
		_, err := ParseInterval(in)
		assert.Error(t, err, "%q", in)
	}
}

func TestLoadNodeRequiresToken(t *testing.T) {
	t.Setenv("ORBITMESH_ACCESS_TOKEN", "")
	t.Setenv("ORBITMESH_BOOTSTRAP_TOKEN", "")

	_, err := LoadNode()
	assert.Error(t, err)
}

func TestLoadNodeWithBootstrapToken(t *testing.T) {
	t.Setenv("ORBITMESH_ACCESS_TOKEN", "")
	t.Setenv("ORBITMESH_BOOTSTRAP_TOKEN", "boot-secret")
	t.Setenv("ORBITMESH_TAGS", "west, ssd ,")
	t.Setenv("ORBITMESH_GROUP", "builders")

	cfg, err := LoadNode()
	require.NoError(t, err)
	assert.Equal(t, "boot-secret", cfg.Node.BootstrapToken)
	assert.Equal(t, []string{"west", "ssd"}, cfg.Node.Tags)
	assert.Equal(t, "builders", cfg.Node.Group)
}

func TestLoadHostDefaults(t *testing.T) {
	cfg, err := LoadHost()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Host.AckDeadline)
	assert.Equal(t, 15*time.Second, cfg.Host.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Host.MissedHeartbeatFactor)
}
