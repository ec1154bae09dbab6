package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worknode/internal/lifecycle"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/v0", cfg.Server.BasePath)
	assert.Equal(t, 5, cfg.Tree.DisplayDepth)
	assert.Equal(t, 2*time.Second, cfg.Confirmations.ConsumeRetry.MaxElapsed)
	assert.True(t, cfg.Auth.AllowLegacyActorHeader)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
server:
  addr: 0.0.0.0:9000
intent:
  patterns:
    - status: cancelled
      keywords: [nah]
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, 5, cfg.Tree.DisplayDepth)

	got, ok := cfg.Estimator().Estimate(lifecycle.Ready, "nah")
	require.True(t, ok)
	assert.Equal(t, lifecycle.Cancelled, got)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown status": "intent:\n  patterns:\n    - status: later\n      keywords: [x]\n",
		"no keywords":    "intent:\n  patterns:\n    - status: done\n",
		"depth":          "tree:\n  display_depth: 0\n",
		"base path":      "server:\n  base_path: v0\n",
		"webhook url":    "webhooks:\n  - secret: s\n",
		"webhook filter": "webhooks:\n  - url: http://x\n    provenance: [manual]\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "worknode.yml"), []byte(GenerateDefault()), 0o644))
	cfg, err = LoadOptional(dir)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)

	_, err = Load(t.TempDir())
	assert.Error(t, err)
}
