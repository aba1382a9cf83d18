package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ayaz345/cauliflowervest/internal/config"
)

func TestRunDisplay_RefusesNonTerminal(t *testing.T) {
	saveGlobals(t)

	oldTTY := stdoutIsTerminal
	t.Cleanup(func() { stdoutIsTerminal = oldTTY })

	stdoutIsTerminal = func() bool { return false }

	resolvedCfg = config.Default()
	flagVolume = "9A5F2C14-0000-4000-8000-000000000001"

	cmd := &cobra.Command{}
	err := runDisplay(cmd, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-terminal")
}

func TestRunDisplay_RequiresVolume(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = config.Default()
	flagVolume = ""

	cmd := &cobra.Command{}
	err := runDisplay(cmd, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--volume")
}
