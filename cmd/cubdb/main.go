// Command cubdb is a cobra-based administrative CLI over a cubdb
// directory: point reads/writes, range scans, compaction, and a stat
// dump. Grounded on the teacher's cmd/ entries (one main per concern),
// adapted from badger-specific flags to cubdb's Options.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cubdb-go/cubdb"
	"github.com/cubdb-go/cubdb/config"
)

var dir string

func main() {
	root := &cobra.Command{
		Use:   "cubdb",
		Short: "administer a cubdb database directory",
	}
	root.PersistentFlags().StringVar(&dir, "dir", "./data", "database directory")

	root.AddCommand(getCmd(), putCmd(), deleteCmd(), selectCmd(), compactCmd(), statCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func open(ctx context.Context) (*cubdb.DB, error) {
	opts := config.Options{Dir: dir, Order: 0, AutoCompact: config.DefaultAutoCompact}
	return cubdb.Open(ctx, opts, cubdb.Encodable{})
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "fetch a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			var out any
			if err := db.Fetch([]byte(args[0]), &out); err != nil {
				return err
			}
			b, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			return nil
		},
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <json-value>",
		Short: "store a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			var v any
			if err := json.Unmarshal([]byte(args[1]), &v); err != nil {
				return fmt.Errorf("decode value: %w", err)
			}
			return db.Put([]byte(args[0]), v)
		},
	}
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "remove a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Delete([]byte(args[0]))
		},
	}
}

func selectCmd() *cobra.Command {
	var min, max string
	var reverse bool
	var format string
	c := &cobra.Command{
		Use:   "select",
		Short: "range scan",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			opts := cubdb.SelectOptions{Reverse: reverse}
			if min != "" {
				opts.Min = []byte(min)
			}
			if max != "" {
				opts.Max = []byte(max)
			}
			res, err := db.Select(opts)
			if err != nil {
				return err
			}
			return dump(res, format)
		},
	}
	c.Flags().StringVar(&min, "min", "", "inclusive lower bound")
	c.Flags().StringVar(&max, "max", "", "inclusive upper bound")
	c.Flags().BoolVar(&reverse, "reverse", false, "scan in reverse key order")
	c.Flags().StringVar(&format, "format", "json", "output format: json or yaml")
	return c
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "run a compaction round and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Compact(cmd.Context())
		},
	}
}

func statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat",
		Short: "print size and dirt factor",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			size, err := db.Size()
			if err != nil {
				return err
			}
			dirt, err := db.DirtFactor()
			if err != nil {
				return err
			}
			fmt.Printf("size=%d dirt_factor=%.4f\n", size, dirt)
			return nil
		},
	}
}

func dump(v any, format string) error {
	switch format {
	case "yaml":
		b, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		fmt.Print(string(b))
	default:
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
	}
	return nil
}
