package service_test

import (
	"testing"

	"github.com/CZERTAINLY/Autovisor/internal/model"
	"github.com/CZERTAINLY/Autovisor/internal/service"

	"github.com/stretchr/testify/require"
)

func TestCommandFor(t *testing.T) {
	t.Setenv("AUTOVISOR_TEST_HOME", "/home/bob")
	cfg := model.DefaultConfig()
	cfg.WorkDir = "/srv/automation"
	cfg.Families["v3"] = model.Family{
		Command: "./booking-automation-v3.sh",
		Args:    []string{"--headless"},
		Env:     []string{"HOME=$AUTOVISOR_TEST_HOME", "GODEBUG=tlsssha=1"},
	}

	key, err := model.ParseJobKey("v3-d1-new-york")
	require.NoError(t, err)
	cmd, err := service.CommandFor(cfg, key)
	require.NoError(t, err)
	require.Equal(t, "./booking-automation-v3.sh", cmd.Path)
	require.Equal(t, []string{"--headless", "d1", "new-york"}, cmd.Args)
	require.Equal(t, []string{"HOME=/home/bob", "GODEBUG=tlsssha=1"}, cmd.Env)
	require.Equal(t, "/srv/automation", cmd.Dir)

	t.Run("v1", func(t *testing.T) {
		key, err := model.ParseJobKey("v1-d1-paris")
		require.NoError(t, err)
		cmd, err := service.CommandFor(cfg, key)
		require.NoError(t, err)
		require.Equal(t, "../web-automation/booking-automation.sh", cmd.Path)
		require.Equal(t, []string{"d1", "paris"}, cmd.Args)
	})

	t.Run("unknown family", func(t *testing.T) {
		key, err := model.ParseJobKey("v9-d1-paris")
		require.NoError(t, err)
		_, err = service.CommandFor(cfg, key)
		require.ErrorIs(t, err, model.ErrUnknownFamily)
	})
}
