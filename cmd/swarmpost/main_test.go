package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandWiring(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "campaign", "profiles", "appeal", "verify"} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}
}

func TestCampaignSubcommands(t *testing.T) {
	sub := make(map[string]bool)
	for _, c := range campaignCmd.Commands() {
		sub[c.Name()] = true
	}
	for _, want := range []string{"create", "run", "status", "draft"} {
		assert.True(t, sub[want], "missing campaign subcommand %q", want)
	}
}

func TestBuildAppDryRun(t *testing.T) {
	workspace = t.TempDir()
	dryRun = true
	defer func() { workspace = "."; dryRun = false }()

	a, err := buildApp()
	require.NoError(t, err)
	assert.NotNil(t, a.ledger)
	assert.NotNil(t, a.queue)
	assert.NotNil(t, a.runner)
	assert.NotNil(t, a.engine)
}
