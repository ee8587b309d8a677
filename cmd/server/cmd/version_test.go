package cmd

import (
	"bytes"
	"testing"

	"github.com/Togather-Foundation/roaming/internal/ocpi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func pinBuild(t *testing.T, version, commit, date string) {
	t.Helper()
	prevVersion, prevCommit, prevDate := Version, GitCommit, BuildDate
	t.Cleanup(func() {
		Version, GitCommit, BuildDate = prevVersion, prevCommit, prevDate
	})
	Version, GitCommit, BuildDate = version, commit, date
}

func TestVersionCommand(t *testing.T) {
	pinBuild(t, "1.4.0", "c0ffee1", "2026-10-01T09:30:00Z")

	out, err := runCLI(t, "version")
	require.NoError(t, err)

	assert.Contains(t, out, "Roaming Hub")
	assert.Contains(t, out, "Version:    1.4.0")
	assert.Contains(t, out, "Git commit: c0ffee1")
	assert.Contains(t, out, "Build date: 2026-10-01T09:30:00Z")
	assert.Contains(t, out, "Go version:")
	assert.Contains(t, out, "Platform:")
	assert.Contains(t, out, "OCPI:       "+ocpi.Version221)
}

func TestVersionCommand_Unstamped(t *testing.T) {
	pinBuild(t, "dev", "unknown", "unknown")

	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
	assert.Contains(t, out, "Git commit: unknown")
}

func TestVersionCommand_Help(t *testing.T) {
	out, err := runCLI(t, "version", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "OCPI versions it negotiates")
}
