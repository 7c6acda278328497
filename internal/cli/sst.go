package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/eigerco/kvbridge/pkg/db/pebble"
	"github.com/spf13/cobra"
)

var (
	// SstCommands represents the bulk loading command group
	SstCommands = &cobra.Command{
		Use:               "sst",
		Short:             "Build and ingest external sst files",
		PersistentPreRunE: openStore,
	}

	sstWriteCmd = &cobra.Command{
		Use:   "write [sst-file] [input]",
		Short: "Builds an sst file for the column family",
		Long: WrapString(`Builds an sst file from input, one entry per line. A line holds a key and
a value separated by a tab; a line with a key only writes a tombstone.
Lines must already be in column family order. Use - to read stdin.`),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cf, err := family()
			if err != nil {
				return err
			}
			in, closeIn, err := openInput(args[1])
			if err != nil {
				return err
			}
			defer closeIn()

			info, err := writeSst(cf, args[0], in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d entries, %d bytes, keys %s..%s\n",
				info.Path, info.Entries, info.Size, encodeOut(info.Smallest), encodeOut(info.Largest))
			return nil
		},
	}
	sstIngestCmd = &cobra.Command{
		Use:   "ingest [sst-file]",
		Short: "Ingests an sst file into the column family, consuming the file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cf, err := family()
			if err != nil {
				return err
			}
			if err := store.IngestSst(cf, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ingested successfully")
			return nil
		},
	}
)

func init() {
	SstCommands.AddCommand(sstWriteCmd)
	SstCommands.AddCommand(sstIngestCmd)
}

// writeSst streams in into a new sst file at path. The partial file is
// removed on failure.
func writeSst(cf int, path string, in io.Reader) (info pebble.SstFileInfo, err error) {
	w, err := store.GetSstWriter(cf, path)
	if err != nil {
		return info, err
	}
	defer func() {
		if err != nil {
			w.Abandon() //nolint:errcheck // already failing
		}
	}()

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64<<10), 64<<20)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if text == "" {
			continue
		}
		k, v, hasValue := strings.Cut(text, "\t")
		key, err := decodeArg(k)
		if err != nil {
			return info, fmt.Errorf("line %d: %w", line, err)
		}
		if !hasValue {
			if err := w.Delete(key); err != nil {
				return info, fmt.Errorf("line %d: %w", line, err)
			}
			continue
		}
		value, err := decodeArg(v)
		if err != nil {
			return info, fmt.Errorf("line %d: %w", line, err)
		}
		if err := w.Put(key, value); err != nil {
			return info, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return info, err
	}
	return w.Finish()
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil //nolint:errcheck // read-only
}
