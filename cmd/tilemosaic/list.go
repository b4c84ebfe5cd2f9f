package main

import (
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/tilemosaic/internal/catalog"
	"github.com/withObsrvr/tilemosaic/internal/checkpoint"
	"github.com/withObsrvr/tilemosaic/internal/watcher"
)

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the state of every batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			infos, err := watcher.Inventory(cfg.RawDir(), cfg.GeorefDir(), cfg.MergedDir())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				fmt.Fprintf(out, "No batches under %s\n", cfg.WorkDir)
				return nil
			}

			fetched := checkpoint.NewFetchStore(cfg.FetchProgressPath()).Load()
			failed := checkpoint.NewLedgerStore(cfg.FailedLedgerPath()).Load()

			tbl := table.NewWriter()
			tbl.SetOutputMirror(out)
			tbl.SetStyle(table.StyleLight)
			tbl.AppendHeader(table.Row{"Batch", "Fetched", "Raw", "Failed", "Georeferenced", "Ready", "Mosaic"})

			var rawTotal, geo, fail, mosaics int
			var bytes int64
			for _, info := range infos {
				done := "no"
				if fetched.IsCompleted(info.Batch) {
					done = "yes"
				}
				ready := ""
				if info.Ready {
					ready = "yes"
				}
				mosaic := ""
				if info.Merged {
					mosaic = humanize.Bytes(uint64(info.MergedBytes))
					mosaics++
					bytes += info.MergedBytes
				}
				nFailed := len(failed.Batches[info.Batch])
				var raw any = info.Raw
				if info.Expected > 0 {
					raw = fmt.Sprintf("%d/%d", info.Raw, info.Expected)
				}
				tbl.AppendRow(table.Row{info.Batch, done, raw, nFailed, info.Georeferenced, ready, mosaic})

				rawTotal += info.Raw
				geo += info.Georeferenced
				fail += nFailed
			}
			tbl.AppendFooter(table.Row{
				fmt.Sprintf("%d batches", len(infos)), "",
				humanize.Comma(int64(rawTotal)), humanize.Comma(int64(fail)), humanize.Comma(int64(geo)), "",
				fmt.Sprintf("%d (%s)", mosaics, humanize.Bytes(uint64(bytes))),
			})
			tbl.Render()

			if !fetched.Empty() && fetched.EstimatedCompletion != nil && len(fetched.CompletedBatches) < fetched.TotalBatches {
				fmt.Fprintf(out, "Fetch: %d/%d batches, estimated completion %s\n",
					len(fetched.CompletedBatches), fetched.TotalBatches, humanize.Time(*fetched.EstimatedCompletion))
			}
			return nil
		},
	}
}

func (a *app) exportCmd() *cobra.Command {
	var (
		outDir      string
		compression string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a Parquet catalog of tiles and mosaics",
		Long: `Scan the work directory and write tiles.parquet and artifacts.parquet.

Each tile row records which stages have produced it, its bounds and any
download failure. Each artifact row records a mosaic with its checksum.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if outDir == "" {
				outDir = filepath.Join(a.cfg.WorkDir, "catalog")
			}
			outputs, err := catalog.Export(a.cfg, outDir, catalog.ParquetConfig{Compression: compression})
			if err != nil {
				return err
			}
			for _, o := range outputs {
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %6s rows  %8s  %s\n",
					o.Table, humanize.Comma(int64(o.Rows)), humanize.Bytes(uint64(o.ByteSize)), o.Path)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (default <work-dir>/catalog)")
	cmd.Flags().StringVar(&compression, "compression", catalog.DefaultParquetConfig().Compression, "zstd, snappy or none")
	return cmd
}
