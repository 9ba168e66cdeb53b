// Command cubdb-repl is an interactive peterh/liner shell over a cubdb
// database: get/put/delete/select/compact/stat, one line at a time,
// with history persisted between sessions. Grounded on the teacher's
// cmd/restore/main.go (a small standalone operational tool reading
// os.Args), adapted into a REPL since an append-only store benefits
// from exploratory poking during development.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/cubdb-go/cubdb"
	"github.com/cubdb-go/cubdb/config"
)

func main() {
	dir := "./data"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}

	ctx := context.Background()
	db, err := cubdb.Open(ctx, config.Options{Dir: dir, AutoCompact: config.DefaultAutoCompact}, cubdb.Encodable{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	histPath := filepath.Join(dir, ".cubdb_history")
	if f, err := os.Open(histPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	fmt.Println("cubdb repl — get/put/delete/select/compact/stat/quit")
	for {
		input, err := line.Prompt("cubdb> ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			break
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if input == "quit" || input == "exit" {
			break
		}
		if err := dispatch(ctx, db, input); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}

	if f, err := os.Create(histPath); err == nil {
		line.WriteHistory(f)
		f.Close()
	}
}

func dispatch(ctx context.Context, db *cubdb.DB, input string) error {
	fields := strings.Fields(input)
	switch fields[0] {
	case "get":
		if len(fields) != 2 {
			return fmt.Errorf("usage: get <key>")
		}
		var out any
		if err := db.Fetch([]byte(fields[1]), &out); err != nil {
			return err
		}
		b, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(b))

	case "put":
		if len(fields) < 3 {
			return fmt.Errorf("usage: put <key> <json-value>")
		}
		var v any
		raw := strings.Join(fields[2:], " ")
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return fmt.Errorf("decode value: %w", err)
		}
		return db.Put([]byte(fields[1]), v)

	case "delete":
		if len(fields) != 2 {
			return fmt.Errorf("usage: delete <key>")
		}
		return db.Delete([]byte(fields[1]))

	case "select":
		res, err := db.Select(cubdb.SelectOptions{})
		if err != nil {
			return err
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))

	case "compact":
		return db.Compact(ctx)

	case "stat":
		size, err := db.Size()
		if err != nil {
			return err
		}
		dirt, err := db.DirtFactor()
		if err != nil {
			return err
		}
		fmt.Printf("size=%d dirt_factor=%.4f\n", size, dirt)

	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}
