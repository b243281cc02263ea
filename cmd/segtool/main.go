// segtool is a simple CLI for interactively inspecting segment files built
// by pkg/segment, in the style of the teacher's cmd/sloty REPL for
// slotcache files - retargeted at the sorted-run-file segment format
// instead of a slot cache.
//
// Usage:
//
//	segtool <blobstore-root>
//
// Commands (in REPL):
//
//	ls                       List every object under the blobstore root
//	cat <key>                Dump a run file's postings
//	tombstones <key>         Dump a run file's tombstone sidecar
//	stats <key>              Summarize posting/byte counts for a run file
//	help                     Show this help
//	exit / quit / q          Exit
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/peterh/liner"

	"github.com/arrowgrid/searchflush/pkg/blobstore"
	"github.com/arrowgrid/searchflush/pkg/fs"
	"github.com/arrowgrid/searchflush/pkg/segment"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: segtool <blobstore-root>")
	}

	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	root := flag.Arg(0)

	if err := (&repl{root: root, fsys: fs.NewReal()}).run(); err != nil {
		fmt.Fprintln(os.Stderr, "segtool:", err)
		os.Exit(1)
	}
}

// repl is the interactive command loop, mirroring the teacher's REPL type
// shape (embedded state, a liner.State, cmdXxx dispatch methods).
type repl struct {
	root  string
	fsys  fs.FS
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".segtool_history")
}

func (r *repl) run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("segtool - segment inspector (root=%s)\n", r.root)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("segtool> ")
		if err != nil {
			if isPromptExit(err) {
				fmt.Println("\nBye!")
				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "ls", "list":
			r.cmdLs()

		case "cat":
			r.cmdCat(args)

		case "tombstones":
			r.cmdTombstones(args)

		case "stats":
			r.cmdStats(args)

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()

	return nil
}

func isPromptExit(err error) bool {
	return err == liner.ErrPromptAborted || err == io.EOF
}

func (r *repl) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *repl) completer(line string) []string {
	commands := []string{"ls", "list", "cat", "tombstones", "stats", "clear", "cls", "help", "exit", "quit", "q"}

	var completions []string

	lower := strings.ToLower(line)

	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *repl) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  ls                  List every object under the blobstore root")
	fmt.Println("  cat <key>           Dump a run file's postings")
	fmt.Println("  tombstones <key>    Dump a run file's tombstone sidecar")
	fmt.Println("  stats <key>         Summarize posting/byte counts for a run file")
	fmt.Println("  clear, cls          Clear the screen")
	fmt.Println("  help, ?             Show this help")
	fmt.Println("  exit, quit, q       Exit")
}

func (r *repl) cmdLs() {
	var keys []string

	err := filepath.Walk(r.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(r.root, path)
		if err != nil {
			return err
		}

		keys = append(keys, filepath.ToSlash(rel))

		return nil
	})
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	sort.Strings(keys)

	for _, k := range keys {
		fmt.Println(k)
	}
}

func (r *repl) store() *blobstore.Store {
	return blobstore.New(r.fsys, r.root)
}

func (r *repl) readRunFile(key string) ([]segment.Posting, error) {
	rc, err := r.store().Get(context.Background(), key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}

	return segment.DecodeRunFile(raw)
}

func (r *repl) cmdCat(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: cat <key>")
		return
	}

	postings, err := r.readRunFile(args[0])
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	for _, p := range postings {
		fmt.Printf("%s\t%s\n", p.Term, p.ID)
	}
}

func (r *repl) cmdTombstones(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: tombstones <key>")
		return
	}

	rc, err := r.store().Get(context.Background(), args[0]+".tombstones")
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	for _, line := range strings.Split(string(raw), "\n") {
		if line != "" {
			fmt.Println(line)
		}
	}
}

func (r *repl) cmdStats(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: stats <key>")
		return
	}

	postings, err := r.readRunFile(args[0])
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	terms := make(map[string]int)
	for _, p := range postings {
		terms[p.Term]++
	}

	fmt.Printf("postings: %d\n", len(postings))
	fmt.Printf("distinct terms: %d\n", len(terms))
}
