// Command kvctl reads and writes items of a configured table.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/jacentio/tenderwatch/internal/config"
	"github.com/jacentio/tenderwatch/internal/ddbmem"
	"github.com/jacentio/tenderwatch/internal/logging"
	"github.com/jacentio/tenderwatch/metrics"
)

const usage = `usage: kvctl [flags] <command> [command flags] [-- <command> ...]

commands:
  create-table  create the table from its configured indexes
  get           read one item (-key)
  put           write an item unconditionally (-item)
  create        write an item that must not exist yet (-item)
  update        replace an item that must already exist (-item)
  delete        delete an item (-key)
  delete-many   delete several items in one transaction (-key, repeatable)
  query         query one partition of the table or an index (-partition)
  scan          scan the table or an index

Commands separated by a literal -- run in order against the same store.

flags:
`

var errUsage = errors.New("no command given")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "kvctl: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("kvctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "", "YAML config file (default $"+config.EnvConfigPath+")")
	tableKey := fs.String("table", config.TenderTable, "table key in the config file")
	memory := fs.Bool("memory", false, "use an in-memory store instead of DynamoDB")
	showMetrics := fs.Bool("metrics", false, "print request metrics to stderr on exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	table, err := cfg.Table(*tableKey)
	if err != nil {
		return err
	}
	logger := logging.NewWithWriter(cfg.Logging, stderr)

	var store tableAPI
	if *memory {
		store = ddbmem.New()
	} else {
		client, err := cfg.AWS.DynamoDB(ctx)
		if err != nil {
			return err
		}
		store = client
	}

	registry := prometheus.NewRegistry()
	api, err := metrics.New(store, registry, cfg.Metrics.Namespace)
	if err != nil {
		return err
	}
	if *showMetrics {
		defer dumpMetrics(registry, stderr)
	}

	a, err := newApp(api, store, table, logger, stdin, stdout, stderr)
	if err != nil {
		return err
	}
	for _, cmd := range splitCommands(fs.Args()) {
		if err := a.dispatch(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// splitCommands splits args on literal "--" separators, dropping empty runs.
func splitCommands(args []string) [][]string {
	var cmds [][]string
	var cur []string
	for _, arg := range args {
		if arg == "--" {
			if len(cur) > 0 {
				cmds = append(cmds, cur)
			}
			cur = nil
			continue
		}
		cur = append(cur, arg)
	}
	if len(cur) > 0 {
		cmds = append(cmds, cur)
	}
	return cmds
}

func dumpMetrics(reg prometheus.Gatherer, w io.Writer) {
	families, err := reg.Gather()
	if err != nil {
		fmt.Fprintf(w, "gather metrics: %v\n", err)
		return
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			fmt.Fprintf(w, "write metrics: %v\n", err)
			return
		}
	}
}
