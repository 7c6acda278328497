package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:               "kv",
		Short:             "Perform key-value operations on a column family",
		PersistentPreRunE: openStore,
	}

	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cf, err := family()
			if err != nil {
				return err
			}
			key, err := decodeArg(args[0])
			if err != nil {
				return err
			}
			value, err := store.Get(cf, key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), encodeOut(value))
			return nil
		},
	}
	putCmd = &cobra.Command{
		Use:   "put [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cf, err := family()
			if err != nil {
				return err
			}
			key, err := decodeArg(args[0])
			if err != nil {
				return err
			}
			value, err := decodeArg(args[1])
			if err != nil {
				return err
			}
			if err := store.Put(cf, key, value); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "put successfully")
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Deletes a key value pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cf, err := family()
			if err != nil {
				return err
			}
			key, err := decodeArg(args[0])
			if err != nil {
				return err
			}
			if err := store.Delete(cf, key); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "delete successfully")
			return nil
		},
	}
	scanCmd = &cobra.Command{
		Use:   "scan",
		Short: "Lists key value pairs in column family order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cf, err := family()
			if err != nil {
				return err
			}
			start, err := decodeOptional(viper.GetString("start"))
			if err != nil {
				return err
			}
			end, err := decodeOptional(viper.GetString("end"))
			if err != nil {
				return err
			}
			limit := viper.GetInt("limit")

			iter, err := store.NewIterator(cf, start, end)
			if err != nil {
				return err
			}
			defer iter.Close() //nolint:errcheck // read-only

			n := 0
			for iter.Next() {
				if limit > 0 && n == limit {
					break
				}
				value, err := iter.Value()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", encodeOut(iter.Key()), encodeOut(value))
				n++
			}
			return iter.Error()
		},
	}
	delRangeCmd = &cobra.Command{
		Use:   "del-range [start] [end]",
		Short: "Deletes every key in [start, end)",
		Long: WrapString(`Deletes every key from start up to but excluding end in one atomic write.
An empty string leaves that side of the range open.`),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cf, err := family()
			if err != nil {
				return err
			}
			start, err := decodeOptional(args[0])
			if err != nil {
				return err
			}
			end, err := decodeOptional(args[1])
			if err != nil {
				return err
			}
			if err := store.DeleteRange(cf, start, end); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "range deleted successfully")
			return nil
		},
	}
	compactCmd = &cobra.Command{
		Use:   "compact",
		Short: "Compacts a key range of the column family",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cf, err := family()
			if err != nil {
				return err
			}
			start, err := decodeOptional(viper.GetString("start"))
			if err != nil {
				return err
			}
			end, err := decodeOptional(viper.GetString("end"))
			if err != nil {
				return err
			}
			if err := store.CompactRange(cf, start, end); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "compacted successfully")
			return nil
		},
	}
	familiesCmd = &cobra.Command{
		Use:   "families",
		Short: "Lists the column families and their comparators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for i, name := range store.ColumnFamilies() {
				cmp, err := store.ComparatorName(i)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%s\n", i, name, cmp)
			}
			return nil
		},
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Prints bridge and engine metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := store.Metrics()
			if err != nil {
				return err
			}
			store.WriteMetrics(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), m.String())
			return nil
		},
	}
)

func init() {
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(putCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(scanCmd)
	KeyValueCommands.AddCommand(delRangeCmd)
	KeyValueCommands.AddCommand(compactCmd)
	KeyValueCommands.AddCommand(familiesCmd)
	KeyValueCommands.AddCommand(statsCmd)

	for _, c := range []*cobra.Command{scanCmd, compactCmd} {
		c.Flags().String("start", "", WrapString("first key of the range, empty for unbounded"))
		c.Flags().String("end", "", WrapString("key the range stops before, empty for unbounded"))
	}
	scanCmd.Flags().Int("limit", 0, WrapString("stop after this many entries, 0 for no limit"))
}
