// Command adjustdb builds and inspects corporate-action adjustment
// stores.
//
// Subcommands:
//
//	ingest   build a store from CSV splits/mergers/payouts and close prices
//	show     print the adjustments for one asset from one table
//	export   dump every table as CSV
//	unpaid   list payouts with a given ex-date for a set of assets
//	version  print build information
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/akirannz/zipline/internal/adjustments"
	"github.com/akirannz/zipline/internal/config"
	"github.com/akirannz/zipline/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "ingest":
		err = runIngest(args)
	case "show":
		err = runShow(args)
	case "export":
		err = runExport(args)
	case "unpaid":
		err = runUnpaid(args)
	case "version":
		fmt.Println(version.String())
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "adjustdb:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: adjustdb <ingest|show|export|unpaid|version> [flags]")
}

// setupLogger configures slog from an optional config file, mirroring the
// level the file asks for. Flags beat config for the store path.
func setupLogger(configPath string) (*slog.Logger, *config.Config, error) {
	cfg := &config.Config{
		Store: config.StoreConfig{Path: config.DefaultStorePath},
		Log:   config.LogConfig{Level: config.DefaultLogLevel},
	}
	if configPath != "" {
		loaded, err := config.LoadAndValidate(configPath)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}

	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger, cfg, nil
}

func runShow(args []string) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	dbPath := fs.String("db", "", "path to adjustments store (overrides config)")
	table := fs.String("table", adjustments.TableSplits, "table: splits, mergers, or dividends")
	sid := fs.Int64("sid", 0, "asset id")
	fs.Parse(args)

	_, cfg, err := setupLogger(*configPath)
	if err != nil {
		return err
	}
	path := storePath(*dbPath, cfg)

	reader, err := adjustments.OpenReader(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	adjs, err := reader.AdjustmentsForSID(context.Background(), *table, *sid)
	if err != nil {
		return err
	}
	for _, a := range adjs {
		fmt.Printf("%s\t%g\n", a.EffectiveDate.Format("2006-01-02"), a.Ratio)
	}
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	dbPath := fs.String("db", "", "path to adjustments store (overrides config)")
	outDir := fs.String("out", ".", "directory for per-table CSV files")
	dates := fs.Bool("dates", false, "render date columns as YYYY-MM-DD instead of epoch seconds")
	fs.Parse(args)

	logger, cfg, err := setupLogger(*configPath)
	if err != nil {
		return err
	}
	path := storePath(*dbPath, cfg)

	reader, err := adjustments.OpenReader(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	frames, err := reader.UnpackTables(context.Background(), *dates)
	if err != nil {
		return err
	}
	for name, frame := range frames {
		outPath := filepath.Join(*outDir, name+".csv")
		if err := writeFrameCSV(outPath, frame); err != nil {
			return err
		}
		logger.Info("exported table", "table", name, "rows", frame.Len(), "path", outPath)
	}
	return nil
}

func runUnpaid(args []string) error {
	fs := flag.NewFlagSet("unpaid", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	dbPath := fs.String("db", "", "path to adjustments store (overrides config)")
	dateArg := fs.String("date", "", "ex-date (YYYY-MM-DD)")
	sidsArg := fs.String("sids", "", "comma-separated asset ids")
	stock := fs.Bool("stock", false, "query stock dividend payouts instead of cash")
	fs.Parse(args)

	_, cfg, err := setupLogger(*configPath)
	if err != nil {
		return err
	}
	path := storePath(*dbPath, cfg)

	date, err := time.ParseInLocation("2006-01-02", *dateArg, time.UTC)
	if err != nil {
		return fmt.Errorf("parse -date: %w", err)
	}
	sids, err := parseSIDs(*sidsArg)
	if err != nil {
		return err
	}

	reader, err := adjustments.OpenReader(path)
	if err != nil {
		return err
	}
	defer reader.Close()

	ctx := context.Background()
	if *stock {
		divs, err := reader.StockDividendsWithExDate(ctx, sids, date, sidResolver{})
		if err != nil {
			return err
		}
		for _, d := range divs {
			fmt.Printf("%d\t%d\t%g\t%s\n",
				d.Asset.SID(), d.PaymentAsset.SID(), d.Ratio, d.PayDate.Format("2006-01-02"))
		}
		return nil
	}

	divs, err := reader.DividendsWithExDate(ctx, sids, date, sidResolver{})
	if err != nil {
		return err
	}
	for _, d := range divs {
		fmt.Printf("%d\t%g\t%s\n", d.Asset.SID(), d.Amount, d.PayDate.Format("2006-01-02"))
	}
	return nil
}

func storePath(flagPath string, cfg *config.Config) string {
	if flagPath != "" {
		return flagPath
	}
	return cfg.Store.Path
}

func parseSIDs(s string) ([]int64, error) {
	if s == "" {
		return nil, fmt.Errorf("-sids is required")
	}
	parts := strings.Split(s, ",")
	sids := make([]int64, 0, len(parts))
	for _, p := range parts {
		sid, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse -sids: %w", err)
		}
		sids = append(sids, sid)
	}
	return sids, nil
}

// sidAsset is the trivial resolver output when no asset database is
// wired: the asset object is just its id.
type sidAsset int64

func (a sidAsset) SID() int64 { return int64(a) }

type sidResolver struct{}

func (sidResolver) ResolveAsset(sid int64) (adjustments.Asset, error) {
	return sidAsset(sid), nil
}

// writeFrameCSV renders one exported frame. KindTime columns come out as
// dates, everything else as plain numbers.
func writeFrameCSV(path string, frame *adjustments.Frame) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := make([]string, len(frame.Columns))
	for i := range frame.Columns {
		header[i] = frame.Columns[i].Name
	}
	if err := w.Write(header); err != nil {
		return err
	}

	record := make([]string, len(frame.Columns))
	for row := 0; row < frame.Len(); row++ {
		for i := range frame.Columns {
			col := &frame.Columns[i]
			switch col.Kind {
			case adjustments.KindInt64:
				record[i] = strconv.FormatInt(col.Ints[row], 10)
			case adjustments.KindUint32:
				record[i] = strconv.FormatUint(uint64(col.Uints[row]), 10)
			case adjustments.KindFloat64:
				record[i] = strconv.FormatFloat(col.Floats[row], 'g', -1, 64)
			case adjustments.KindTime:
				record[i] = col.Times[row].Format("2006-01-02")
			}
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
