// Command smoke exercises the engine end to end against a real dataset.
// Point it at a Parquet file and it runs the main dashboard operations,
// printing the results as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cevdata/pdtmatch"
	"github.com/cevdata/pdtmatch/filter"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dataPath := os.Getenv("PDTMATCH_DATA_PATH")
	if dataPath == "" && len(os.Args) > 1 {
		dataPath = os.Args[1]
	}
	if dataPath == "" {
		fmt.Fprintln(os.Stderr, "usage: smoke <matches.parquet>  (or set PDTMATCH_DATA_PATH)")
		os.Exit(1)
	}

	cfg := pdtmatch.DefaultConfig()
	cfg.DataPath = dataPath
	cfg.DataURL = os.Getenv("PDTMATCH_DATA_URL")

	engine, err := pdtmatch.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	spec := filter.Spec{Territory: filter.Municipality}

	fmt.Fprintln(os.Stderr, "\n=== METADATA ===")
	meta, err := engine.Metadata(ctx, spec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "metadata error: %v\n", err)
		os.Exit(1)
	}
	printJSON(meta)

	fmt.Fprintln(os.Stderr, "\n=== TOP 10 MUNICIPALITIES ===")
	ranking, err := engine.Ranking(ctx, spec, 10)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ranking error: %v\n", err)
		os.Exit(1)
	}
	printJSON(ranking)

	fmt.Fprintln(os.Stderr, "\n=== DEPARTMENT STATS ===")
	stats, err := engine.DepartmentStats(ctx, spec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "department stats error: %v\n", err)
		os.Exit(1)
	}
	printJSON(stats)

	fmt.Fprintln(os.Stderr, "\n=== TOP RECOMMENDATIONS ===")
	recs, err := engine.TopRecommendations(ctx, spec, 10)
	if err != nil {
		fmt.Fprintf(os.Stderr, "top recommendations error: %v\n", err)
		os.Exit(1)
	}
	printJSON(recs)

	if len(ranking) > 0 {
		name := ranking[len(ranking)-1].Name
		fmt.Fprintf(os.Stderr, "\n=== RANK OF %s ===\n", name)
		lookup, err := engine.RankOf(ctx, spec, name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rank lookup error: %v\n", err)
			os.Exit(1)
		}
		printJSON(lookup)
	}
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}
