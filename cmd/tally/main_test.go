package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_RegistersCommands(t *testing.T) {
	want := []string{
		"classify", "correct", "counterfactual", "batch", "import", "evaluate",
		"review", "evidence", "merchants", "audit", "categories", "serve", "migrate", "version",
	}
	got := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		got[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, got[name], "missing command %s", name)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := versionCmd()
	cmd.SetOut(&out)
	cmd.Run(cmd, nil)
	assert.Equal(t, "tally dev\n", out.String())
}

func TestExpandFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.qfx", "b.qfx", "c.csv"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}

	files, err := expandFiles([]string{filepath.Join(dir, "*.qfx"), filepath.Join(dir, "c.csv")})
	require.NoError(t, err)
	assert.Len(t, files, 3)

	_, err = expandFiles([]string{filepath.Join(dir, "*.ofx")})
	assert.Error(t, err)
}

func TestClassifyThenListMerchants(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TALLY_DATABASE_PATH", filepath.Join(dir, "tally.db"))
	t.Setenv("TALLY_EMBEDDING_PROVIDER", "hash")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")

	run := func(args ...string) string {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&bytes.Buffer{})
		rootCmd.SetArgs(args)
		require.NoError(t, rootCmd.Execute(), "tally %v", args)
		return out.String()
	}

	assert.Contains(t, run("classify", "UBER TRIP HELP.UBER.COM"), "Travel")
	assert.Contains(t, run("merchants", "list"), "Travel")
}
