package cli

import (
	"bufio"
	"fmt"
	"os"

	"github.com/eigerco/kvbridge/pkg/dump"
	"github.com/eigerco/kvbridge/pkg/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// DumpCommands represents the export and import command group
	DumpCommands = &cobra.Command{
		Use:               "dump",
		Short:             "Export and import single column families",
		PersistentPreRunE: openStore,
	}

	exportCmd = &cobra.Command{
		Use:   "export [file]",
		Short: "Writes the column family to a dump file, - for stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cf, err := family()
			if err != nil {
				return err
			}
			codec, err := dump.ParseCodec(viper.GetString("codec"))
			if err != nil {
				return err
			}

			if args[0] == "-" {
				w := bufio.NewWriter(cmd.OutOrStdout())
				if _, err := dump.Export(w, store, cf, codec); err != nil {
					return err
				}
				return w.Flush()
			}

			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			w := bufio.NewWriter(f)
			stats, err := dump.Export(w, store, cf, codec)
			if err == nil {
				err = w.Flush()
			}
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(args[0]) //nolint:errcheck // already failing
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d records, %d bytes\n", stats.Records, stats.Bytes)
			return nil
		},
	}
	importCmd = &cobra.Command{
		Use:   "import [file]",
		Short: "Loads a dump file into the column family, - for stdin",
		Long: WrapString(`Loads a dump file into the column family in one atomic step. Records are
staged in an sst file next to the database before they are ingested.`),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cf, err := family()
			if err != nil {
				return err
			}
			in, closeIn, err := openInput(args[0])
			if err != nil {
				return err
			}
			defer closeIn()

			scratch := viper.GetString("scratch")
			if scratch == "" {
				scratch = store.Path() + ".import.sst"
			}
			stats, err := dump.Import(bufio.NewReader(in), store, cf, scratch)
			if err != nil {
				return err
			}
			log.CLI.Debug().Str("scratch", scratch).Msg("dump imported")
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d records, %d bytes\n", stats.Records, stats.Bytes)
			return nil
		},
	}
)

func init() {
	DumpCommands.AddCommand(exportCmd)
	DumpCommands.AddCommand(importCmd)

	exportCmd.Flags().String("codec", dump.CodecSnappy.String(), WrapString("compression of the record stream (none, snappy, zstd, lz4)"))
	importCmd.Flags().String("scratch", "", WrapString("path of the staging sst file, defaults to the database path with an .import.sst suffix"))
}
