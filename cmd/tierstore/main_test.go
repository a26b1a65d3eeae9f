package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierstore/tierstore/internal/config"
	"github.com/tierstore/tierstore/pkg/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigInitThenValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tierstore.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.NewDefault().Global.DefaultTier, cfg.Global.DefaultTier)

	out, err = execute(t, "--config", path, "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "valid")
}

func TestValidateRejectsBadRemote(t *testing.T) {
	_, err := execute(t, "--remote", "ftp://nowhere", "config", "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported remote scheme")
}

func TestBenchPrintsResult(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewDefault()
	cfg.Storage.LocalPath = filepath.Join(dir, "bench.db")
	cfg.Metrics.Enabled = false
	path := filepath.Join(dir, "tierstore.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	out, err := execute(t, "--config", path, "--log-level", "error", "--remote", "memory://",
		"bench", "--iterations", "2", "--data-size", "128", "--concurrency", "1")
	require.NoError(t, err)

	var res types.BenchmarkResult
	require.NoError(t, json.NewDecoder(strings.NewReader(out)).Decode(&res))
	assert.NotEmpty(t, res.RunID)
	assert.NotEmpty(t, res.Categories)
}
