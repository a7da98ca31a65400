// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/backfill/pkg/util/leaktest"
	"github.com/cockroachdb/backfill/pkg/util/log"
	"github.com/stretchr/testify/require"
)

func TestDemo(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	dir := t.TempDir()
	configFile := filepath.Join(dir, "backfill.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
pre_item_pipeline_size: 8 KiB
pre_item_chunk_size: 1 KiB
item_pipeline_size: 16 KiB
item_chunk_size: 2 KiB
`), 0644))

	for _, storeDir := range []string{"", filepath.Join(dir, "store")} {
		t.Run("store-dir="+filepath.Base(storeDir), func(t *testing.T) {
			var out bytes.Buffer
			err := runDemo(context.Background(), demoOptions{
				numKeys:    300,
				valueSize:  16,
				storeDir:   storeDir,
				configFile: configFile,
			}, &out)
			require.NoError(t, err)
			require.Contains(t, out.String(), "backfilled 300 keys up to \"z\"")
			require.Contains(t, out.String(), "backfill_items_applied_total")
		})
	}
}

func TestDemoRejectsInvalidConfig(t *testing.T) {
	defer leaktest.AfterTest(t)()
	defer log.Scope(t).Close(t)

	dir := t.TempDir()
	configFile := filepath.Join(dir, "backfill.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("item_chunk_size: 8 MiB\n"), 0644))
	err := runDemo(context.Background(), demoOptions{numKeys: 1, configFile: configFile}, &bytes.Buffer{})
	require.ErrorContains(t, err, "item_chunk_size")
}
