package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"writeback/cache"
	"writeback/internal/loopback"
	"writeback/internal/pagestore"
	"writeback/pkg/types"
)

func init() {
	rootCmd.AddCommand(newBenchCmd())
}

func newBenchCmd() *cobra.Command {
	var (
		count     int
		pageSize  int64
		writeSize int
		twoPhase  bool
		hardLimit int64
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure buffering and write-back throughput against a memory store",
		Long: `The bench command writes a configurable number of full pages through the
cache into an in-memory loopback store, then syncs. It reports buffered
throughput, end-to-end throughput, and the peak number of records the
admission controller allowed to accumulate.

Example:
  wbctl bench --pages 4096
  wbctl bench --pages 100000 --hard-limit 64 -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(count, pageSize, writeSize, twoPhase, hardLimit)
		},
	}
	cmd.Flags().IntVar(&count, "pages", 4096, "Number of pages to write")
	cmd.Flags().Int64Var(&pageSize, "page-size", 4096, "Cache page size in bytes")
	cmd.Flags().IntVar(&writeSize, "write-size", 64<<10, "Max payload per write call in bytes")
	cmd.Flags().BoolVar(&twoPhase, "two-phase", true, "Use the provisional-write/commit protocol")
	cmd.Flags().Int64Var(&hardLimit, "hard-limit", 0, "Hard cap on buffered records (0 = default)")
	return cmd
}

func runBench(count int, pageSize int64, writeSize int, twoPhase bool, hardLimit int64) error {
	srv := loopback.New(loopback.Options{WriteSize: writeSize, TwoPhase: twoPhase})
	store := loopback.NewMemStore()
	file := srv.AddFile(store)

	pages, err := pagestore.New(pageSize, 0)
	if err != nil {
		return err
	}
	defer pages.Close()

	c, err := cache.New(cache.Options{
		Transport: srv,
		Pages:     pages,
		Logger:    newLogger(),
		HardLimit: hardLimit,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	total := int64(count) * pageSize
	var peak uint64

	start := time.Now()
	for page := types.PageID(0); page < types.PageID(count); page++ {
		buf, perr := pages.Pin(file, page)
		if perr != nil {
			return perr
		}
		for i := range buf {
			buf[i] = byte(page) ^ byte(i)
		}
		werr := c.Write(ctx, file, page, 0, pageSize, "bench")
		pages.Unpin(file, page)
		if werr != nil {
			return fmt.Errorf("buffering page %d: %w", page, werr)
		}
		if out := c.OutstandingCount(); out > peak {
			peak = out
		}
	}
	buffered := time.Since(start)

	if err := c.Sync(ctx, file, types.Range{}, true); err != nil {
		return fmt.Errorf("write-back failed: %w", err)
	}
	elapsed := time.Since(start)

	if got := int64(len(store.Bytes())); got != total {
		return fmt.Errorf("store holds %d bytes, wrote %d", got, total)
	}

	printInfo("Buffered  %s in %s (%s/s)\n",
		humanize.Bytes(uint64(total)), buffered.Round(time.Millisecond),
		humanize.Bytes(uint64(float64(total)/buffered.Seconds())))
	printInfo("Durable   %s in %s (%s/s)\n",
		humanize.Bytes(uint64(total)), elapsed.Round(time.Millisecond),
		humanize.Bytes(uint64(float64(total)/elapsed.Seconds())))
	printInfo("Peak buffered records: %d (hard limit %s)\n",
		peak, humanize.Comma(int64(c.HardLimit())))
	return nil
}
