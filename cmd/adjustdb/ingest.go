package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/akirannz/zipline/internal/adjustments"
	"github.com/akirannz/zipline/internal/calendar"
)

func runIngest(args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	dbPath := fs.String("db", "", "path to adjustments store (overrides config)")
	overwrite := fs.Bool("overwrite", false, "remove an existing store file first")
	splitsPath := fs.String("splits", "", "splits CSV: sid,effective_date,ratio")
	mergersPath := fs.String("mergers", "", "mergers CSV: sid,effective_date,ratio")
	dividendsPath := fs.String("dividends", "", "dividends CSV: sid,declared_date,ex_date,record_date,pay_date,amount")
	stockPath := fs.String("stock-dividends", "", "stock dividends CSV: sid,payment_sid,declared_date,ex_date,record_date,pay_date,ratio")
	closesPath := fs.String("closes", "", "close prices CSV: sid,date,close")
	fs.Parse(args)

	logger, cfg, err := setupLogger(*configPath)
	if err != nil {
		return err
	}
	path := storePath(*dbPath, cfg)

	var data adjustments.Data
	if data.Splits, err = loadAdjustmentCSV(*splitsPath); err != nil {
		return err
	}
	if data.Mergers, err = loadAdjustmentCSV(*mergersPath); err != nil {
		return err
	}
	if data.Dividends, err = loadPayoutCSV(*dividendsPath); err != nil {
		return err
	}
	if data.StockDividends, err = loadStockPayoutCSV(*stockPath); err != nil {
		return err
	}

	if *closesPath == "" && len(data.Dividends) > 0 {
		return fmt.Errorf("-closes is required when ingesting dividends")
	}
	bars, sessions, err := loadClosesCSV(*closesPath)
	if err != nil {
		return err
	}
	// Dividend ratio derivation needs a session at or after every
	// ex-date; extend the weekday calendar past the last close so late
	// ex-dates still resolve.
	for _, p := range data.Dividends {
		sessions = append(sessions, p.ExDate)
	}
	cal := weekdaySpan(sessions)

	opts := []adjustments.WriterOption{adjustments.WithLogger(logger)}
	if *overwrite || cfg.Store.Overwrite {
		opts = append(opts, adjustments.WithOverwrite())
	}
	writer, err := adjustments.OpenWriter(path, cal, bars, opts...)
	if err != nil {
		return err
	}
	defer writer.Close()

	if err := writer.Write(context.Background(), data); err != nil {
		return err
	}
	logger.Info("store written", "path", path)
	return nil
}

// weekdaySpan builds a weekday calendar covering all given days, padded
// one week on each side.
func weekdaySpan(days []time.Time) *calendar.Calendar {
	if len(days) == 0 {
		return calendar.New(nil)
	}
	start, end := days[0], days[0]
	for _, d := range days[1:] {
		if d.Before(start) {
			start = d
		}
		if d.After(end) {
			end = d
		}
	}
	return calendar.Weekdays(start.AddDate(0, 0, -7), end.AddDate(0, 0, 7))
}

// readCSV loads all records from path, checking the header row against
// the expected column names. An empty path is an absent input.
func readCSV(path string, header ...string) ([][]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: missing header row", path)
	}
	if len(records[0]) != len(header) {
		return nil, fmt.Errorf("%s: expected columns %v, got %v", path, header, records[0])
	}
	for i, name := range header {
		if records[0][i] != name {
			return nil, fmt.Errorf("%s: expected columns %v, got %v", path, header, records[0])
		}
	}
	return records[1:], nil
}

func loadAdjustmentCSV(path string) ([]adjustments.Adjustment, error) {
	records, err := readCSV(path, "sid", "effective_date", "ratio")
	if err != nil || records == nil {
		return nil, err
	}
	rows := make([]adjustments.Adjustment, 0, len(records))
	for _, rec := range records {
		sid, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: parse sid: %w", path, err)
		}
		date, err := parseDay(rec[1])
		if err != nil {
			return nil, fmt.Errorf("%s: parse effective_date: %w", path, err)
		}
		ratio, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: parse ratio: %w", path, err)
		}
		rows = append(rows, adjustments.Adjustment{SID: sid, EffectiveDate: date, Ratio: ratio})
	}
	return rows, nil
}

func loadPayoutCSV(path string) ([]adjustments.DividendPayout, error) {
	records, err := readCSV(path, "sid", "declared_date", "ex_date", "record_date", "pay_date", "amount")
	if err != nil || records == nil {
		return nil, err
	}
	rows := make([]adjustments.DividendPayout, 0, len(records))
	for _, rec := range records {
		sid, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: parse sid: %w", path, err)
		}
		dates, err := parseDays(rec[1:5])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		amount, err := strconv.ParseFloat(rec[5], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: parse amount: %w", path, err)
		}
		rows = append(rows, adjustments.DividendPayout{
			SID:          sid,
			DeclaredDate: dates[0],
			ExDate:       dates[1],
			RecordDate:   dates[2],
			PayDate:      dates[3],
			Amount:       amount,
		})
	}
	return rows, nil
}

func loadStockPayoutCSV(path string) ([]adjustments.StockDividendPayout, error) {
	records, err := readCSV(path, "sid", "payment_sid", "declared_date", "ex_date", "record_date", "pay_date", "ratio")
	if err != nil || records == nil {
		return nil, err
	}
	rows := make([]adjustments.StockDividendPayout, 0, len(records))
	for _, rec := range records {
		sid, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: parse sid: %w", path, err)
		}
		paymentSID, err := strconv.ParseInt(rec[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: parse payment_sid: %w", path, err)
		}
		dates, err := parseDays(rec[2:6])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		ratio, err := strconv.ParseFloat(rec[6], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: parse ratio: %w", path, err)
		}
		rows = append(rows, adjustments.StockDividendPayout{
			SID:          sid,
			PaymentSID:   paymentSID,
			DeclaredDate: dates[0],
			ExDate:       dates[1],
			RecordDate:   dates[2],
			PayDate:      dates[3],
			Ratio:        ratio,
		})
	}
	return rows, nil
}

func loadClosesCSV(path string) (*adjustments.MemBarStore, []time.Time, error) {
	bars := adjustments.NewMemBarStore()
	records, err := readCSV(path, "sid", "date", "close")
	if err != nil || records == nil {
		return bars, nil, err
	}
	var days []time.Time
	for _, rec := range records {
		sid, err := strconv.ParseInt(rec[0], 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: parse sid: %w", path, err)
		}
		day, err := parseDay(rec[1])
		if err != nil {
			return nil, nil, fmt.Errorf("%s: parse date: %w", path, err)
		}
		px, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: parse close: %w", path, err)
		}
		bars.SetClose(sid, day, px)
		days = append(days, day)
	}
	return bars, days, nil
}

func parseDay(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", s, time.UTC)
}

func parseDays(fields []string) ([]time.Time, error) {
	out := make([]time.Time, len(fields))
	for i, f := range fields {
		day, err := parseDay(f)
		if err != nil {
			return nil, fmt.Errorf("parse date: %w", err)
		}
		out[i] = day
	}
	return out, nil
}
