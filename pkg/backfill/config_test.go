// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package backfill

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/backfill/pkg/util/humanizeutil"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
pre_item_pipeline_size: 1 MiB
item_chunk_size: 64KiB
handler_concurrency: 4
`))
	require.NoError(t, err)
	require.Equal(t, humanizeutil.ByteSize(1<<20), cfg.PreItemPipelineSize)
	require.Equal(t, humanizeutil.ByteSize(DefaultPreItemChunkSize), cfg.PreItemChunkSize)
	require.Equal(t, humanizeutil.ByteSize(DefaultItemPipelineSize), cfg.ItemPipelineSize)
	require.Equal(t, humanizeutil.ByteSize(64<<10), cfg.ItemChunkSize)
	require.Equal(t, 4, cfg.HandlerConcurrency)

	// The rendered configuration parses back to itself.
	again, err := ParseConfig([]byte(cfg.String()))
	require.NoError(t, err)
	require.Equal(t, cfg, again)
}

func TestParseConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		name, yaml, err string
	}{
		{"unknown field", "item_size: 1KiB\n", "item_size"},
		{"bad size", "item_chunk_size: lots\n", "lots"},
		{"zero chunk", "pre_item_chunk_size: 0\n", "chunk sizes must be positive"},
		{"chunk exceeds pipeline", "item_pipeline_size: 10KiB\nitem_chunk_size: 20KiB\n", "exceeds item_pipeline_size"},
		{"negative concurrency", "handler_concurrency: -1\n", "invalid handler_concurrency"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.yaml))
			require.ErrorContains(t, err, tc.err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backfill.yaml")
	require.NoError(t, os.WriteFile(path, []byte("item_pipeline_size: 8 MiB\n"), 0644))
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, humanizeutil.ByteSize(8<<20), cfg.ItemPipelineSize)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
