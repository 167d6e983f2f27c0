package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/aluiziolira/go-price-updater/models"
	"github.com/aluiziolira/go-price-updater/parser"
	"github.com/aluiziolira/go-price-updater/report"
	"github.com/aluiziolira/go-price-updater/store"
)

// catalogRow is one line of an import file.
type catalogRow struct {
	Title string
	URL   string
	Price string
}

// readCatalogCSV parses title,url,price rows. A header row is skipped when
// its first column is "title".
func readCatalogCSV(r io.Reader) ([]catalogRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 3
	reader.TrimLeadingSpace = true

	var rows []catalogRow
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(record[0]), "title") {
			continue
		}
		rows = append(rows, catalogRow{
			Title: strings.TrimSpace(record[0]),
			URL:   strings.TrimSpace(record[1]),
			Price: strings.TrimSpace(record[2]),
		})
	}
}

// importRows upserts rows and returns how many were stored. Invalid rows
// are logged and skipped.
func importRows(ctx context.Context, st *store.Store, rows []catalogRow) (int, error) {
	imported := 0
	for i, row := range rows {
		if row.Title == "" {
			slog.Warn("skipping row without title", slog.Int("row", i+1))
			continue
		}
		if err := parser.ValidateProductURL(row.URL); err != nil {
			slog.Warn("skipping row with invalid url", slog.Int("row", i+1), slog.Any("error", err))
			continue
		}
		price, err := parser.ParsePrice(row.Price)
		if err != nil {
			slog.Warn("skipping row with invalid price", slog.Int("row", i+1), slog.Any("error", err))
			continue
		}
		if _, err := st.UpsertItem(ctx, row.Title, row.URL, price); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

func importCommand(args []string) error {
	fs, common := newFlagSet("import")
	file := fs.String("file", "", "CSV file with title,url,price rows")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(fs, common, nil)
	if err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	f, err := os.Open(*file)
	if err != nil {
		return fmt.Errorf("open %s: %w", *file, err)
	}
	defer f.Close()
	rows, err := readCatalogCSV(f)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	imported, err := importRows(ctx, st, rows)
	if err != nil {
		return err
	}
	slog.Info("catalog import finished", slog.Int("rows", len(rows)), slog.Int("imported", imported))
	return nil
}

func itemCommand(name string, args []string, apply func(ctx context.Context, st *store.Store, id int64) error) error {
	fs, common := newFlagSet(name)
	itemID := fs.Int64("item", 0, "Catalog item id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(fs, common, nil)
	if err != nil {
		return err
	}
	if *itemID <= 0 {
		return fmt.Errorf("-item must be a positive id")
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	return apply(ctx, st, *itemID)
}

func resetCommand(args []string) error {
	return itemCommand("reset", args, func(ctx context.Context, st *store.Store, id int64) error {
		if err := st.ResetFailures(ctx, id); err != nil {
			return err
		}
		slog.Info("item failures reset", slog.Int64("item_id", id))
		return nil
	})
}

func disableCommand(args []string) error {
	return itemCommand("disable", args, func(ctx context.Context, st *store.Store, id int64) error {
		if err := st.SetItemStatus(ctx, id, models.StatusDisabled); err != nil {
			return err
		}
		slog.Info("item disabled", slog.Int64("item_id", id))
		return nil
	})
}

func overviewCommand(args []string) error {
	fs, common := newFlagSet("overview")
	asJSON := fs.Bool("json", false, "Print JSON instead of text")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(fs, common, nil)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	overview, err := st.Overview(ctx, time.Now(), cfg.MaxAttempts)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(overview)
	}
	fmt.Println(report.FormatOverview(overview))
	return nil
}

func historyCommand(args []string) error {
	fs, common := newFlagSet("history")
	itemID := fs.Int64("item", 0, "Catalog item id; 0 lists every item")
	limit := fs.Int("limit", 20, "Maximum entries to print")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(fs, common, nil)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.ListHistory(ctx, *itemID, *limit)
	if err != nil {
		return err
	}
	printHistory(os.Stdout, entries)
	return nil
}

func printHistory(w io.Writer, entries []models.PriceHistoryEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORDED\tITEM\tOLD\tNEW\tCHANGE\tSOURCE\tNOTES")
	for _, e := range entries {
		pct := "n/a"
		if e.PercentChange.Valid {
			pct = e.PercentChange.Decimal.StringFixed(2) + "%"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			e.RecordedAt.Local().Format("2006-01-02 15:04"), e.ItemID,
			e.OldPrice.StringFixed(2), e.NewPrice.StringFixed(2), pct, e.Source, e.Notes)
	}
	tw.Flush()
}
