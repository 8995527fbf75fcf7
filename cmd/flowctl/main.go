// flowctl is the remote CLI client for flowcounterd.
//
// It connects to the flowcounterd gRPC API and offers an interactive shell
// with tab completion and ? help. With -c it runs one command and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/psaab/flowcounter/pkg/cmdtree"
	"github.com/psaab/flowcounter/pkg/grpcapi"
	"github.com/psaab/flowcounter/pkg/iface"
)

const rpcTimeout = 5 * time.Second

func main() {
	addr := flag.String("addr", "127.0.0.1:50051", "flowcounterd gRPC address")
	command := flag.String("c", "", "run a single command and exit")
	flag.Parse()

	client, err := grpcapi.Dial(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowctl: connect: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	// Verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	st, err := client.Status(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowctl: cannot reach flowcounterd at %s: %v\n", *addr, err)
		os.Exit(1)
	}

	c := &ctl{client: client, out: os.Stdout, cores: st.Cores}

	if *command != "" {
		if err := c.dispatch(*command); err != nil && err != errExit {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "flowcounter"
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          hostname + "> ",
		HistoryFile:     "/tmp/flowctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    &completer{ctl: c},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowctl: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()
	c.out = rl.Stdout()

	fmt.Printf("flowctl: connected to flowcounterd (%s, %d cores, uptime: %s)\n", st.Variant, st.Cores, st.Uptime)
	fmt.Println("Type '?' for help")
	fmt.Println()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.dispatch(line); err != nil {
			if err == errExit {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

var errExit = errors.New("exit")

type ctl struct {
	client *grpcapi.Client
	out    io.Writer
	cores  int
}

func (c *ctl) dispatch(line string) error {
	if strings.HasSuffix(line, "?") {
		c.showContextHelp(strings.TrimSuffix(line, "?"))
		return nil
	}

	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "show":
		return c.handleShow(parts[1:])

	case "set":
		return c.handleSet(parts[1:])

	case "quit", "exit":
		return errExit

	case "help":
		c.showHelp()
		return nil

	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *ctl) handleShow(args []string) error {
	if len(args) == 0 {
		cmdtree.WriteHelp(c.out, cmdtree.HelpCandidates(cmdtree.OperationalTree["show"].Children))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	switch args[0] {
	case "status":
		st, err := c.client.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Variant:             %s\n", st.Variant)
		fmt.Fprintf(c.out, "Cores:               %d\n", st.Cores)
		fmt.Fprintf(c.out, "Running:             %v\n", st.Running)
		fmt.Fprintf(c.out, "Uptime:              %s\n", st.Uptime)
		fmt.Fprintf(c.out, "Interfaces enabled:  %d\n", st.Interfaces)
		fmt.Fprintf(c.out, "Flows:               %d\n", st.Flows)
		return nil

	case "counters":
		resp, err := c.client.Counters(ctx)
		if err != nil {
			return err
		}
		t := resp.Total
		fmt.Fprintf(c.out, "Packets:     %d\n", t.Packets)
		fmt.Fprintf(c.out, "New flows:   %d\n", t.NewFlows)
		fmt.Fprintf(c.out, "Malformed:   %d\n", t.Malformed)
		fmt.Fprintf(c.out, "Dropped:     %d\n", t.Dropped)
		fmt.Fprintf(c.out, "Bypassed:    %d\n", t.Bypassed)
		fmt.Fprintf(c.out, "Batches:     %d\n", t.Batches)
		if len(args) > 1 && args[1] == "detail" {
			fmt.Fprintln(c.out)
			fmt.Fprintf(c.out, "%-5s %-18s %12s %10s %10s %10s %12s %10s\n",
				"Core", "Table", "Packets", "NewFlows", "Malformed", "Dropped", "Entries", "Overflow")
			for _, cs := range resp.Cores {
				fmt.Fprintf(c.out, "%-5d %-18s %12d %10d %10d %10d %12d %5d/%-5d\n",
					cs.Core, cs.Table.Name, cs.Packets, cs.NewFlows, cs.Malformed, cs.Dropped,
					cs.Table.Entries, cs.Table.OverflowUsed, cs.Table.OverflowTotal)
			}
		}
		return nil

	case "interfaces":
		links, err := c.client.Interfaces(ctx)
		if err != nil {
			return err
		}
		if len(links) == 0 {
			fmt.Fprintln(c.out, "No interfaces have flow counting enabled")
			return nil
		}
		fmt.Fprintf(c.out, "%-16s %s\n", "Interface", "Ifindex")
		for _, l := range links {
			fmt.Fprintf(c.out, "%-16s %d\n", l.Name, l.Index)
		}
		return nil

	case "flows":
		core, limit, err := parseFlowArgs(args[1:])
		if err != nil {
			return err
		}
		resp, err := c.client.Flows(ctx, core, limit)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Core %d: %d flows (limit %d)\n", resp.Core, len(resp.Flows), resp.Limit)
		fmt.Fprintf(c.out, "%-22s %-22s %12s\n", "Source", "Destination", "Packets")
		for _, f := range resp.Flows {
			fmt.Fprintf(c.out, "%-22s %-22s %12d\n",
				fmt.Sprintf("%s:%d", f.Src, f.SrcPort),
				fmt.Sprintf("%s:%d", f.Dst, f.DstPort),
				f.Count)
		}
		return nil

	default:
		return fmt.Errorf("unknown show target: %s", args[0])
	}
}

// parseFlowArgs parses "core N [limit M]". limit 0 means the server default.
func parseFlowArgs(args []string) (core, limit int, err error) {
	core = -1
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			return 0, 0, fmt.Errorf("%s: missing value", args[i])
		}
		n, err := strconv.Atoi(args[i+1])
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("%s: invalid value %q", args[i], args[i+1])
		}
		switch args[i] {
		case "core":
			core = n
		case "limit":
			if n == 0 {
				return 0, 0, fmt.Errorf("limit must be positive")
			}
			limit = n
		default:
			return 0, 0, fmt.Errorf("unknown argument: %s", args[i])
		}
	}
	if core < 0 {
		return 0, 0, fmt.Errorf("usage: show flows core N [limit M]")
	}
	return core, limit, nil
}

func (c *ctl) handleSet(args []string) error {
	if len(args) != 3 || args[0] != "interface" {
		return fmt.Errorf("usage: set interface NAME enable|disable")
	}
	var on bool
	switch args[2] {
	case "enable":
		on = true
	case "disable":
	default:
		return fmt.Errorf("usage: set interface NAME enable|disable")
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	if err := c.client.SetInterface(ctx, args[1], on); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s: flow counting %s\n", args[1], args[2]+"d")
	return nil
}

func (c *ctl) showHelp() {
	cmdtree.WriteHelp(c.out, cmdtree.HelpCandidates(cmdtree.OperationalTree))
}

// state collects the values dynamic completions draw from: physical
// interfaces on this host plus whatever the daemon has enabled.
func (c *ctl) state() *cmdtree.State {
	st := &cmdtree.State{Cores: c.cores}
	seen := make(map[string]bool)
	if links, err := (iface.NetlinkResolver{}).List(); err == nil {
		for _, l := range links {
			if l.Physical && !seen[l.Name] {
				seen[l.Name] = true
				st.Interfaces = append(st.Interfaces, l.Name)
			}
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if links, err := c.client.Interfaces(ctx); err == nil {
		for _, l := range links {
			if !seen[l.Name] {
				seen[l.Name] = true
				st.Interfaces = append(st.Interfaces, l.Name)
			}
		}
	}
	return st
}

func (c *ctl) showContextHelp(prefix string) {
	words := strings.Fields(prefix)
	partial := ""
	if len(prefix) > 0 && prefix[len(prefix)-1] != ' ' && len(words) > 0 {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}
	candidates := cmdtree.CompleteFromTreeWithDesc(cmdtree.OperationalTree, words, partial, c.state())
	if len(candidates) == 0 {
		fmt.Fprintln(c.out, "  (no help available)")
		return
	}
	cmdtree.WriteHelp(c.out, candidates)
}

type completer struct {
	ctl *ctl
}

func (cp *completer) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])

	// Determine partial word for replacement length
	words := strings.Fields(text)
	trailingSpace := len(text) > 0 && text[len(text)-1] == ' '
	var partial string
	if !trailingSpace && len(words) > 0 {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}

	candidates := cmdtree.CompleteFromTree(cmdtree.OperationalTree, words, partial, cp.ctl.state())
	if len(candidates) == 0 {
		return nil, 0
	}

	var result [][]rune
	for _, c := range candidates {
		suffix := c[len(partial):]
		result = append(result, []rune(suffix+" "))
	}
	return result, len(partial)
}
