package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/DoctorEvidence/cobase"
	"github.com/DoctorEvidence/cobase/codec"
	"github.com/DoctorEvidence/cobase/internal/wire"
	"github.com/DoctorEvidence/cobase/peer"
	"github.com/DoctorEvidence/cobase/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	tablesCmd = &cobra.Command{
		Use:   "tables",
		Short: "List the table files in --dir",
		Args:  cobra.NoArgs,
		RunE:  runTables,
	}
	inspectCmd = &cobra.Command{
		Use:   "inspect <table>...",
		Short: "Show the bookkeeping and row counts of tables",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runInspect,
	}
	getCmd = &cobra.Command{
		Use:   "get <table> <id>",
		Short: "Print the stored entry of one id",
		Args:  cobra.ExactArgs(2),
		RunE:  runGet,
	}
	statsCmd = &cobra.Command{
		Use:   "stats <table>...",
		Short: "Print storage metrics in Prometheus text format",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runStats,
	}
)

func init() {
	getCmd.Flags().String("codec", "msgpack", "codec of the stored values (msgpack, json, cbor, string, raw)")
	statsCmd.Flags().Bool("process", false, "include process metrics")
}

func runTables(cmd *cobra.Command, _ []string) error {
	paths, err := filepath.Glob(filepath.Join(viper.GetString("dir"), "*.mdb"))
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSuffix(filepath.Base(p), ".mdb"))
	}
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	logger, flush, err := newLogger()
	if err != nil {
		return err
	}
	defer flush()
	ctx, cancel := withTimeout(time.Minute)
	defer cancel()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tDB\tSTART\tLAST\tROWS\tINVALIDATED\tCOMPRESSED\tCORRUPT\tMAP\tPROCESSES")
	for _, name := range args {
		st, err := openStore(name, logger)
		if err != nil {
			return err
		}
		info, err := cobase.Describe(ctx, st)
		_ = st.Close()
		if err != nil {
			return fmt.Errorf("inspect %s: %w", name, err)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			name, info.DBVersion, info.StartVersion, info.LastVersion,
			info.Rows, info.Invalidated, info.Compressed, info.Corrupt,
			info.Store.MapSize, processList(info))
	}
	return w.Flush()
}

// processList renders registered pids, marking dead ones and the initializer.
func processList(info cobase.TableInfo) string {
	if len(info.Processes) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(info.Processes))
	for _, pid := range info.Processes {
		s := fmt.Sprint(pid)
		if pid == info.Initializer {
			s += "(init)"
		}
		if !peer.ProcessAlive(pid) {
			s += "(dead)"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ",")
}

func runGet(cmd *cobra.Command, args []string) error {
	logger, flush, err := newLogger()
	if err != nil {
		return err
	}
	defer flush()
	ctx, cancel := withTimeout(10 * time.Second)
	defer cancel()

	id := cobase.ParseID(args[1])
	if err := id.Validate(); err != nil {
		return fmt.Errorf("id %q: %w", args[1], err)
	}
	st, err := openStore(args[0], logger)
	if err != nil {
		return err
	}
	defer st.Close()

	raw, ok, err := st.Get(ctx, id.Key())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s %s: not found", args[0], id)
	}
	entry, err := wire.DecodeEntry(raw)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "version: %d\nstatus:  %s\nsize:    %d\n", entry.Version, entry.Status, len(raw))
	if entry.Invalidated() {
		return nil
	}
	codecName, _ := cmd.Flags().GetString("codec")
	return printValue(out, codecName, entry.Data)
}

func printValue(w io.Writer, codecName string, data []byte) error {
	var (
		v   any
		err error
	)
	switch codecName {
	case "msgpack":
		v, err = codec.Msgpack[any]{}.Decode(data)
	case "json":
		v, err = codec.JSON[any]{}.Decode(data)
	case "cbor":
		c, cerr := codec.NewCBOR[any](false)
		if cerr != nil {
			return cerr
		}
		v, err = c.Decode(data)
	case "string":
		v, err = codec.String{}.Decode(data)
	case "raw":
		fmt.Fprintf(w, "value:   %x\n", data)
		return nil
	default:
		return fmt.Errorf("unknown codec %q", codecName)
	}
	if err != nil {
		return fmt.Errorf("decode %s: %w", codecName, err)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		// NaN and similar have no JSON form
		fmt.Fprintf(w, "value:   %v\n", v)
		return nil
	}
	fmt.Fprintf(w, "value:   %s\n", b)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	logger, flush, err := newLogger()
	if err != nil {
		return err
	}
	defer flush()
	ctx, cancel := withTimeout(time.Minute)
	defer cancel()

	out := cmd.OutOrStdout()
	stores := make([]*store.Store, 0, len(args))
	defer func() {
		for _, st := range stores {
			_ = st.Close()
		}
	}()
	for _, name := range slices.Compact(slices.Sorted(slices.Values(args))) {
		st, err := openStore(name, logger)
		if err != nil {
			return err
		}
		stores = append(stores, st)
		info, err := cobase.Describe(ctx, st)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "# %s: %d rows, %d invalidated, map %d bytes\n", name, info.Rows, info.Invalidated, info.Store.MapSize)
		st.WritePrometheus(out)
	}
	if process, _ := cmd.Flags().GetBool("process"); process {
		metrics.WriteProcessMetrics(out)
	}
	return nil
}
