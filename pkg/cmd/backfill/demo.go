// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/cockroachdb/backfill/pkg/backfill"
	"github.com/cockroachdb/backfill/pkg/keys"
	"github.com/cockroachdb/backfill/pkg/rpc/mailbox"
	"github.com/cockroachdb/backfill/pkg/storage"
	"github.com/cockroachdb/backfill/pkg/util/humanizeutil"
	"github.com/cockroachdb/backfill/pkg/util/log"
	"github.com/cockroachdb/backfill/pkg/util/stop"
	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type demoOptions struct {
	numKeys    int
	valueSize  int
	storeDir   string
	configFile string
	verbosity  int32

	preItemPipelineSize int64
	preItemChunkSize    int64
	itemPipelineSize    int64
	itemChunkSize       int64
}

var demoOpts demoOptions

var demoFlags = pflag.NewFlagSet("demo", pflag.ContinueOnError)

var (
	preItemPipelineFlag = humanizeutil.NewBytesValue(&demoOpts.preItemPipelineSize)
	preItemChunkFlag    = humanizeutil.NewBytesValue(&demoOpts.preItemChunkSize)
	itemPipelineFlag    = humanizeutil.NewBytesValue(&demoOpts.itemPipelineSize)
	itemChunkFlag       = humanizeutil.NewBytesValue(&demoOpts.itemChunkSize)
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Backfill an empty store from a filled one, in-process",
	Long: `
Fills a donor store with --keys keys, backfills a recipient store over the
same region from it and verifies that both hold the same data. The
recipient is kept in --store-dir if given, in memory otherwise.
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runDemo(cmd.Context(), demoOpts, cmd.OutOrStdout())
	},
}

func init() {
	demoFlags.IntVar(&demoOpts.numKeys, "keys", 1000, "number of keys in the donor store")
	demoFlags.IntVar(&demoOpts.valueSize, "value-size", 64, "size of every value in bytes")
	demoFlags.StringVar(&demoOpts.storeDir, "store-dir", "", "directory of the recipient store; in-memory if empty")
	demoFlags.StringVar(&demoOpts.configFile, "config", "", "YAML file with backfill flow control settings")
	demoFlags.Int32VarP(&demoOpts.verbosity, "verbosity", "v", 0, "log verbosity")
	demoFlags.Var(preItemPipelineFlag, "pre-item-pipeline-size", "pre-item bytes in flight")
	demoFlags.Var(preItemChunkFlag, "pre-item-chunk-size", "size of a pre_items message")
	demoFlags.Var(itemPipelineFlag, "item-pipeline-size", "item bytes in flight")
	demoFlags.Var(itemChunkFlag, "item-chunk-size", "size of an items message")
	demoCmd.Flags().AddFlagSet(demoFlags)
}

// config loads the configuration file, if any, and applies the size flags
// that were given on top of it.
func (o demoOptions) config() (backfill.Config, error) {
	cfg := backfill.DefaultConfig()
	if o.configFile != "" {
		var err error
		if cfg, err = backfill.LoadConfig(o.configFile); err != nil {
			return backfill.Config{}, err
		}
	}
	for _, f := range []struct {
		flag *humanizeutil.BytesValue
		val  int64
		dst  *humanizeutil.ByteSize
	}{
		{preItemPipelineFlag, o.preItemPipelineSize, &cfg.PreItemPipelineSize},
		{preItemChunkFlag, o.preItemChunkSize, &cfg.PreItemChunkSize},
		{itemPipelineFlag, o.itemPipelineSize, &cfg.ItemPipelineSize},
		{itemChunkFlag, o.itemChunkSize, &cfg.ItemChunkSize},
	} {
		if f.flag.IsSet() {
			*f.dst = humanizeutil.ByteSize(f.val)
		}
	}
	return cfg, cfg.Validate()
}

func demoKey(i int) keys.Key {
	return keys.Key(fmt.Sprintf("key%08d", i))
}

func runDemo(ctx context.Context, o demoOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer log.SetVerbosity(log.SetVerbosity(o.verbosity))
	cfg, err := o.config()
	if err != nil {
		return err
	}
	region := keys.MakeRange(keys.Key("a"), keys.MakeRightBound(keys.Key("z")))

	stopper := stop.NewStopper()
	defer stopper.Stop(ctx)
	mgr := mailbox.NewManager(stopper, nil)
	metrics := backfill.MakeMetrics()
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.Collectors()...)
	registry.MustRegister(mgr.Metrics().Collectors()...)

	donor, err := storage.OpenStore(ctx, storage.StoreConfig{Region: region, Engine: storage.NewInMemEngine()})
	if err != nil {
		return err
	}
	defer func() { _ = donor.Close() }()
	value := bytes.Repeat([]byte{'v'}, o.valueSize)
	for i := 0; i < o.numKeys; i++ {
		if _, err := donor.Write(ctx, demoKey(i), value); err != nil {
			return errors.Wrapf(err, "filling donor")
		}
	}

	engine := storage.NewInMemEngine()
	if o.storeDir != "" {
		if engine, err = storage.NewPebbleEngine(storage.PebbleConfig{Dir: o.storeDir, Region: region}); err != nil {
			return err
		}
	}
	recipient, err := storage.OpenStore(ctx, storage.StoreConfig{Region: region, Engine: engine})
	if err != nil {
		_ = engine.Close()
		return err
	}
	defer func() { _ = recipient.Close() }()

	backfiller, err := backfill.NewBackfiller(ctx, backfill.BackfillerConfig{
		Store: donor, Manager: mgr, Stopper: stopper, Config: cfg, Metrics: metrics,
	})
	if err != nil {
		return err
	}
	defer backfiller.Close()
	backfillee, err := backfill.NewBackfillee(ctx, backfill.BackfilleeConfig{
		Store: recipient, Manager: mgr, Stopper: stopper, Backfiller: backfiller.Address(),
		Config: cfg, Metrics: metrics,
	})
	if err != nil {
		return err
	}
	defer backfillee.Close(ctx)

	var progress int
	threshold, err := backfillee.Go(ctx, region.LeftBound(),
		backfill.CallbackFunc(func(context.Context, *storage.VersionMap) bool {
			progress++
			return true
		}))
	if err != nil {
		return errors.Wrapf(err, "backfill stopped at %s", threshold)
	}
	if err := verifySameData(ctx, donor, recipient); err != nil {
		return err
	}

	fmt.Fprintf(out, "backfilled %d keys up to %s in %d steps\n", o.numKeys, threshold, progress)
	return printMetrics(out, registry)
}

func verifySameData(ctx context.Context, a, b *storage.Store) error {
	collect := func(s *storage.Store) (map[string]string, error) {
		m := map[string]string{}
		err := s.Scan(ctx, s.Region(), func(it storage.Item) error {
			if !it.Deleted {
				m[string(it.Key)] = string(it.Value)
			}
			return nil
		})
		return m, err
	}
	am, err := collect(a)
	if err != nil {
		return err
	}
	bm, err := collect(b)
	if err != nil {
		return err
	}
	if len(am) != len(bm) {
		return errors.Newf("donor holds %d keys, recipient %d", len(am), len(bm))
	}
	for k, v := range am {
		if bv, ok := bm[k]; !ok || bv != v {
			return errors.Newf("key %q differs", k)
		}
	}
	return nil
}

func printMetrics(out io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return err
	}
	sort.Slice(families, func(i, j int) bool { return families[i].GetName() < families[j].GetName() })
	table := tablewriter.NewWriter(out)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"metric", "value"})
	for _, f := range families {
		for _, m := range f.GetMetric() {
			var v float64
			switch {
			case m.GetCounter() != nil:
				v = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				v = m.GetGauge().GetValue()
			default:
				continue
			}
			table.Append([]string{f.GetName(), strconv.FormatFloat(v, 'f', -1, 64)})
		}
	}
	table.Render()
	return nil
}
