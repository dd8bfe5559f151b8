package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/sibexico/hexpool/storage"
)

var errQuit = errors.New("quit")

const shellHelp = `commands:
  new                      allocate a page (stays pinned)
  fetch <page>             pin a page
  unpin <page> [dirty]     release one pin
  read <page> [n]          print the first n bytes (default 64)
  write <page> <text>      store text at the start of the page
  flush <page>             write a page to disk
  flushall                 write every resident page to disk
  delete <page>            drop an unpinned page
  stats                    frame usage
  metrics                  counters and latencies
  quit`

func newCompleter() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("new"),
		readline.PcItem("fetch"),
		readline.PcItem("unpin"),
		readline.PcItem("read"),
		readline.PcItem("write"),
		readline.PcItem("flush"),
		readline.PcItem("flushall"),
		readline.PcItem("delete"),
		readline.PcItem("stats"),
		readline.PcItem("metrics"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

// runShell reads commands until quit or EOF.
func runShell(engine *storage.Engine, historyFile string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "hexpool> ",
		HistoryFile:     historyFile,
		AutoComplete:    newCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("failed to start shell: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := execCommand(engine.Pool(), rl.Stdout(), line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			fmt.Fprintf(rl.Stderr(), "error: %v\n", err)
		}
	}
}

func parsePageID(args []string) (storage.PageID, error) {
	if len(args) == 0 {
		return 0, errors.New("missing page id")
	}
	id, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad page id %q", args[0])
	}
	return storage.PageID(id), nil
}

// execCommand runs one shell line against bpm and writes the result to out.
func execCommand(bpm *storage.BufferPoolManager, out io.Writer, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		fmt.Fprintln(out, shellHelp)

	case "quit", "exit":
		return errQuit

	case "new":
		page, err := bpm.NewPage()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "page %d in frame %d (pinned)\n", page.GetPageId(), page.GetFrameId())

	case "fetch":
		pageID, err := parsePageID(args)
		if err != nil {
			return err
		}
		page, err := bpm.FetchPage(pageID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "page %d in frame %d, pin count %d\n", pageID, page.GetFrameId(), page.GetPinCount())

	case "unpin":
		pageID, err := parsePageID(args)
		if err != nil {
			return err
		}
		dirty := len(args) > 1 && (args[1] == "dirty" || args[1] == "true")
		if err := bpm.UnpinPage(pageID, dirty); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")

	case "read":
		pageID, err := parsePageID(args)
		if err != nil {
			return err
		}
		n := 64
		if len(args) > 1 {
			if n, err = strconv.Atoi(args[1]); err != nil || n <= 0 || n > storage.PageSize {
				return fmt.Errorf("bad length %q", args[1])
			}
		}
		guard, err := bpm.FetchPageRead(pageID)
		if err != nil {
			return err
		}
		data := bytes.TrimRight(guard.GetData()[:n], "\x00")
		fmt.Fprintf(out, "%q\n", data)
		return guard.Drop()

	case "write":
		pageID, err := parsePageID(args)
		if err != nil {
			return err
		}
		if len(args) < 2 {
			return errors.New("missing text")
		}
		text := strings.Join(args[1:], " ")
		if len(text) > storage.PageSize {
			return fmt.Errorf("text longer than a page")
		}
		guard, err := bpm.FetchPageWrite(pageID)
		if err != nil {
			return err
		}
		data := guard.GetDataMut()
		clear(data)
		copy(data, text)
		if err := guard.Drop(); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %d bytes\n", len(text))

	case "flush":
		pageID, err := parsePageID(args)
		if err != nil {
			return err
		}
		if err := bpm.FlushPage(pageID); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")

	case "flushall":
		if err := bpm.FlushAllPages(); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")

	case "delete":
		pageID, err := parsePageID(args)
		if err != nil {
			return err
		}
		if err := bpm.DeletePage(pageID); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")

	case "stats":
		s := bpm.GetStats()
		fmt.Fprintf(out, "frames=%d resident=%d loading=%d free=%d dirty=%d pinned=%d evictable=%d next_page=%d\n",
			s.PoolSize, s.Resident, s.Loading, s.Free, s.Dirty, s.Pinned, s.Evictable, bpm.GetAllocator().NextPageID())

	case "metrics":
		printMetrics(out, bpm.GetMetrics())

	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

func printMetrics(out io.Writer, m *storage.Metrics) {
	fetch := m.GetPageFetchLatency()
	fmt.Fprintf(out, "hits=%d misses=%d hit_rate=%.3f evictions=%d writebacks=%d flushes=%d prefetched=%d exhausted=%d\n",
		m.GetCacheHits(), m.GetCacheMisses(), m.GetCacheHitRate(), m.GetPageEvictions(),
		m.GetDirtyWritebacks(), m.GetPageFlushes(), m.GetPagesPrefetched(), m.GetPoolExhausted())
	fmt.Fprintf(out, "disk reads=%d writes=%d errors=%d\n", m.GetDiskReads(), m.GetDiskWrites(), m.GetDiskErrors())
	fmt.Fprintf(out, "fetch latency us: p50=%.1f p95=%.1f p99=%.1f max=%.1f (n=%d)\n",
		fetch.P50, fetch.P95, fetch.P99, fetch.Max, fetch.Count)
}
