package ops

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir string, cfg FileConfig) string {
	t.Helper()
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func validConfig(t *testing.T, dir string) FileConfig {
	t.Helper()
	formula := filepath.Join(dir, "strategy.afl")
	require.NoError(t, os.WriteFile(formula, []byte("Buy = Cross(C, MA(C, 20));"), 0o644))
	template := filepath.Join(dir, "template.apx")
	require.NoError(t, os.WriteFile(template, []byte("<Project><FormulaContent></FormulaContent></Project>"), 0o644))

	return FileConfig{
		Feed: FeedConfig{
			Mode:     "poll",
			ApiURL:   "https://api.example.com",
			Symbols:  []string{"BTCUSDT"},
			Interval: time.Minute,
		},
		Strategy: StrategyConfig{
			Name:         "breakout",
			FormulaPath:  formula,
			TemplatePath: template,
			RunnerPath:   "/usr/local/bin/scan-runner",
			Symbol:       "BTCUSDT",
		},
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validConfig(t, dir))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "data/quotes", loaded.Store.Dir)
	assert.Equal(t, "data/projects", loaded.Strategy.ArtifactDir)
	assert.Equal(t, ":8632", loaded.Server.Addr)
	assert.Equal(t, "Buy = Cross(C, MA(C, 20));", loaded.Formula)
	assert.Contains(t, loaded.Template, "FormulaContent")
}

func TestLoadValidation(t *testing.T) {
	dir := t.TempDir()

	testCases := []struct {
		desc   string
		mutate func(cfg *FileConfig)
	}{
		{"ws mode without url", func(cfg *FileConfig) { cfg.Feed.Mode = "ws"; cfg.Feed.WsURL = "" }},
		{"unknown mode", func(cfg *FileConfig) { cfg.Feed.Mode = "ftp" }},
		{"missing api url", func(cfg *FileConfig) { cfg.Feed.ApiURL = "" }},
		{"no symbols", func(cfg *FileConfig) { cfg.Feed.Symbols = nil }},
		{"missing formula path", func(cfg *FileConfig) { cfg.Strategy.FormulaPath = "" }},
		{"missing template path", func(cfg *FileConfig) { cfg.Strategy.TemplatePath = "" }},
		{"missing symbol", func(cfg *FileConfig) { cfg.Strategy.Symbol = "" }},
		{"missing runner", func(cfg *FileConfig) { cfg.Strategy.RunnerPath = "" }},
		{"trading enabled without size", func(cfg *FileConfig) { cfg.Trade.Enabled = true; cfg.Trade.Size = 0 }},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := validConfig(t, dir)
			tc.mutate(&cfg)
			_, err := Load(writeConfig(t, dir, cfg))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFiles(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "nope.json"))
	require.Error(t, err)

	cfg := validConfig(t, dir)
	cfg.Strategy.FormulaPath = filepath.Join(dir, "missing.afl")
	_, err = Load(writeConfig(t, dir, cfg))
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{not json"), 0o644))
	_, err = Load(filepath.Join(dir, "config.json"))
	require.Error(t, err)
}

func TestIncludeResolver(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "common.afl"), []byte("lib := 1"), 0o644))

	resolve := includeResolver(dir)
	content, err := resolve("common.afl")
	require.NoError(t, err)
	assert.Equal(t, "lib := 1", content)

	_, err = resolve("absent.afl")
	require.Error(t, err)

	// Empty dir keeps the path as written.
	abs := filepath.Join(dir, "common.afl")
	content, err = includeResolver("")(abs)
	require.NoError(t, err)
	assert.Equal(t, "lib := 1", content)
}
