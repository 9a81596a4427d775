// Package interactive provides the interactive command-line interface
// for keyflow-watch.
package interactive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"

	"keyflow/internal/flow"
	"keyflow/internal/jsonrpc"
)

// Remote is the server connection the shell works against
type Remote interface {
	flow.ObservationSource
	Call(ctx context.Context, method string, params, result interface{}) error
}

type watch struct {
	id  int
	key string
	sub flow.Subscription
}

// Shell handles interactive mode for keyflow-watch.
type Shell struct {
	remote Remote
	rl     *readline.Instance
	out    io.Writer

	mu      sync.Mutex
	watches map[int]*watch
	nextID  int
	lastID  int
}

// New creates a shell reading commands through readline.
func New(remote Remote) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "keyflow> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	s := newShell(remote, rl.Stdout())
	s.rl = rl
	return s, nil
}

func newShell(remote Remote, out io.Writer) *Shell {
	return &Shell{
		remote:  remote,
		out:     out,
		watches: make(map[int]*watch),
	}
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (s *Shell) Stdout() io.Writer {
	return s.out
}

// Run starts the interactive command loop.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()
	defer s.cancelAll()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}

		if quit := s.Execute(ctx, line); quit {
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Execute runs one command line and reports whether the shell should exit.
func (s *Shell) Execute(ctx context.Context, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}

	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "watch", "w":
		s.cmdWatch(args)
	case "more", "m":
		s.cmdMore(args)
	case "cancel", "c":
		s.cmdCancel(args)
	case "list", "ls":
		s.cmdList()
	case "set":
		s.cmdSet(ctx, input)
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
keyflow-watch commands:
  watch <key> [demand] [initial] - Watch a key; demand is a count or 'all' (default 1), initial defaults to true
  more <n> [id]                  - Request n more values (default: last watch)
  cancel <id>                    - Stop a watch
  list                           - Show watches with delivered and dropped counts
  set <key> <json>               - Set a property on the server
  quit                           - Exit`)
}

func parseDemand(arg string) (flow.Demand, error) {
	if arg == "all" || arg == "-1" {
		return flow.Unbounded, nil
	}
	n, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid demand %q", arg)
	}
	return flow.Demand(n), nil
}

func (s *Shell) cmdWatch(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: watch <key> [demand] [initial]")
		return
	}
	key := args[0]
	demand := flow.Demand(1)
	initial := true
	if len(args) > 1 {
		d, err := parseDemand(args[1])
		if err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
			return
		}
		demand = d
	}
	if len(args) > 2 {
		b, err := strconv.ParseBool(args[2])
		if err != nil {
			fmt.Fprintf(s.out, "Error: invalid initial flag %q\n", args[2])
			return
		}
		initial = b
	}

	s.mu.Lock()
	s.nextID++
	w := &watch{id: s.nextID, key: key}
	s.watches[w.id] = w
	s.lastID = w.id
	s.mu.Unlock()

	fmt.Fprintf(s.out, "[%d] watching %s\n", w.id, key)

	flow.NewPublisher[any](s.remote, key, initial).
		WithConverter(flow.JSON[any]()).
		Subscribe(flow.ConsumerFuncs[any]{
			SubscribeFunc: func(sub flow.Subscription) {
				s.mu.Lock()
				w.sub = sub
				s.mu.Unlock()
				sub.Request(demand)
			},
			NextFunc: func(v any) flow.Demand {
				data, _ := json.Marshal(v)
				fmt.Fprintf(s.out, "[%d] %s %s = %s\n", w.id, time.Now().Format("15:04:05"), key, data)
				return 0
			},
			CompleteFunc: func() {
				s.forget(w.id)
				fmt.Fprintf(s.out, "[%d] %s completed\n", w.id, key)
			},
			FailureFunc: func(err error) {
				s.forget(w.id)
				fmt.Fprintf(s.out, "[%d] %s failed: %v\n", w.id, key, err)
			},
		})
}

func (s *Shell) lookup(arg string) (*watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.lastID
	if arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid watch id %q", arg)
		}
		id = n
	}
	w, ok := s.watches[id]
	if !ok || w.sub == nil {
		return nil, fmt.Errorf("no watch %d", id)
	}
	return w, nil
}

func (s *Shell) cmdMore(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: more <n> [id]")
		return
	}
	demand, err := parseDemand(args[0])
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	var idArg string
	if len(args) > 1 {
		idArg = args[1]
	}
	w, err := s.lookup(idArg)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	w.sub.Request(demand)
}

func (s *Shell) cmdCancel(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: cancel <id>")
		return
	}
	w, err := s.lookup(args[0])
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	s.forget(w.id)
	w.sub.Cancel()
	fmt.Fprintf(s.out, "[%d] cancelled\n", w.id)
}

func (s *Shell) cmdList() {
	s.mu.Lock()
	watches := make([]*watch, 0, len(s.watches))
	for _, w := range s.watches {
		if w.sub != nil {
			watches = append(watches, w)
		}
	}
	s.mu.Unlock()
	sort.Slice(watches, func(i, j int) bool { return watches[i].id < watches[j].id })

	if len(watches) == 0 {
		fmt.Fprintln(s.out, "No watches.")
		return
	}
	for _, w := range watches {
		st := w.sub.Stats()
		outstanding := strconv.FormatUint(uint64(st.Outstanding), 10)
		if st.Outstanding == flow.Unbounded {
			outstanding = "all"
		}
		fmt.Fprintf(s.out, "[%d] %-24s %-11s outstanding=%s delivered=%d dropped=%d\n",
			w.id, w.key, st.State, outstanding, st.Delivered, st.Dropped)
	}
}

// cmdSet takes the raw line so JSON values may contain spaces
func (s *Shell) cmdSet(ctx context.Context, input string) {
	parts := strings.SplitN(input, " ", 3)
	if len(parts) < 3 {
		fmt.Fprintln(s.out, "Usage: set <key> <json>")
		return
	}
	key, value := parts[1], strings.TrimSpace(parts[2])
	if !json.Valid([]byte(value)) {
		fmt.Fprintf(s.out, "Error: value is not valid JSON: %s\n", value)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var ok bool
	err := s.remote.Call(callCtx, jsonrpc.MethodSet, jsonrpc.SetParams{Key: key, Value: json.RawMessage(value)}, &ok)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "%s set\n", key)
}

func (s *Shell) forget(id int) {
	s.mu.Lock()
	delete(s.watches, id)
	s.mu.Unlock()
}

func (s *Shell) cancelAll() {
	s.mu.Lock()
	watches := make([]*watch, 0, len(s.watches))
	for _, w := range s.watches {
		watches = append(watches, w)
	}
	s.watches = make(map[int]*watch)
	s.mu.Unlock()

	for _, w := range watches {
		if w.sub != nil {
			w.sub.Cancel()
		}
	}
}
