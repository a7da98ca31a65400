// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package backfill

import (
	"os"

	"github.com/cockroachdb/backfill/pkg/util/humanizeutil"
	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v2"
)

// Defaults for Config.
const (
	DefaultPreItemPipelineSize = 4 << 20
	DefaultPreItemChunkSize    = 100 << 10
	DefaultItemPipelineSize    = 4 << 20
	DefaultItemChunkSize       = 100 << 10
	DefaultHandlerConcurrency  = 16
)

// Config holds the flow control parameters of the backfill protocol. Both
// ends read the same configuration, but nothing breaks if they differ.
type Config struct {
	// PreItemPipelineSize bounds the pre-item bytes a backfillee has sent
	// and the backfiller has not yet acknowledged.
	PreItemPipelineSize humanizeutil.ByteSize `yaml:"pre_item_pipeline_size"`
	// PreItemChunkSize bounds the size of a single pre_items message.
	PreItemChunkSize humanizeutil.ByteSize `yaml:"pre_item_chunk_size"`
	// ItemPipelineSize bounds the item bytes a backfiller has sent and the
	// backfillee has not yet applied, across all of its peers.
	ItemPipelineSize humanizeutil.ByteSize `yaml:"item_pipeline_size"`
	// ItemChunkSize bounds the size of a single items message.
	ItemChunkSize humanizeutil.ByteSize `yaml:"item_chunk_size"`
	// HandlerConcurrency is the number of goroutines serving the
	// backfiller's registration mailbox.
	HandlerConcurrency int `yaml:"handler_concurrency"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PreItemPipelineSize: DefaultPreItemPipelineSize,
		PreItemChunkSize:    DefaultPreItemChunkSize,
		ItemPipelineSize:    DefaultItemPipelineSize,
		ItemChunkSize:       DefaultItemChunkSize,
		HandlerConcurrency:  DefaultHandlerConcurrency,
	}
}

// Validate checks that the configuration can make progress. A chunk larger
// than its pipeline could never be sent.
func (c Config) Validate() error {
	if c.PreItemChunkSize <= 0 || c.ItemChunkSize <= 0 {
		return errors.Newf("chunk sizes must be positive (pre-items: %s, items: %s)",
			c.PreItemChunkSize, c.ItemChunkSize)
	}
	if c.PreItemChunkSize > c.PreItemPipelineSize {
		return errors.Newf("pre_item_chunk_size %s exceeds pre_item_pipeline_size %s",
			c.PreItemChunkSize, c.PreItemPipelineSize)
	}
	if c.ItemChunkSize > c.ItemPipelineSize {
		return errors.Newf("item_chunk_size %s exceeds item_pipeline_size %s",
			c.ItemChunkSize, c.ItemPipelineSize)
	}
	if c.HandlerConcurrency < 0 {
		return errors.Newf("invalid handler_concurrency %d", c.HandlerConcurrency)
	}
	return nil
}

// ParseConfig parses a YAML document. Fields it does not mention keep their
// default values; unknown fields are rejected.
func ParseConfig(data []byte) (Config, error) {
	c := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return Config{}, errors.Wrap(err, "parsing backfill config")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading %s", path)
	}
	return ParseConfig(data)
}

// String renders the configuration as YAML.
func (c Config) String() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(out)
}
