package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/leapstack-labs/leapexplore/internal/location"
	"github.com/leapstack-labs/leapexplore/internal/model"
	"github.com/leapstack-labs/leapexplore/internal/session"
	"github.com/spf13/cobra"
)

const (
	explorePrompt      = "explore> "
	exploreContinueMsg = "    ...> "
)

// errQuit ends the explorer loop.
var errQuit = errors.New("quit")

// ExploreOptions holds options for the explore command.
type ExploreOptions struct {
	Location    string
	HistoryFile string
}

// NewExploreCommand creates the explore command.
func NewExploreCommand() *cobra.Command {
	opts := &ExploreOptions{}

	cmd := &cobra.Command{
		Use:   "explore",
		Short: "Explore data interactively",
		Long: `Start an interactive exploration session.

Each submitted query becomes an entry in the session history, which can be
walked with .undo and .redo. The session location is printed with .location
and can be passed back with --location to resume where you left off.`,
		Example: `  # Start an empty session
  leapexplore explore

  # Resume a shared location and run it
  leapexplore explore --location 'query=SELECT+*+FROM+orders&run=true'`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExplore(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Location, "location", "", "Location to start from (query string form)")
	cmd.Flags().StringVar(&opts.HistoryFile, "history-file", "", "Readline history file (default: next to the model file)")

	return cmd
}

// explorer executes REPL input against one session.
type explorer struct {
	rt     *Runtime
	ctrl   *session.Controller
	loc    *location.Memory
	out    io.Writer
	errOut io.Writer
	format string
}

func newExplorer(ctx context.Context, rt *Runtime, rawLocation string, out, errOut io.Writer) (*explorer, error) {
	m, err := rt.LoadModel(ctx)
	if err != nil {
		return nil, err
	}
	loc, err := location.NewMemory(rawLocation)
	if err != nil {
		return nil, fmt.Errorf("invalid location: %w", err)
	}
	ctrl, err := rt.NewSession(uuid.NewString(), "", m, loc)
	if err != nil {
		return nil, err
	}
	if err := ctrl.Start(ctx); err != nil {
		_ = ctrl.Close()
		return nil, err
	}
	return &explorer{
		rt:     rt,
		ctrl:   ctrl,
		loc:    loc,
		out:    out,
		errOut: errOut,
		format: rt.Cfg.Output,
	}, nil
}

func (e *explorer) Close() error {
	return e.ctrl.Close()
}

func runExplore(cmd *cobra.Command, opts *ExploreOptions) error {
	rt, cleanup, err := NewRuntime(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := cmd.Context()
	e, err := newExplorer(ctx, rt, opts.Location, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	historyFile := opts.HistoryFile
	if historyFile == "" {
		historyFile = filepath.Join(filepath.Dir(rt.Models.Path()), ".leapexplore_history")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          explorePrompt,
		HistoryFile:     historyFile,
		AutoComplete:    e.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       ".quit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize REPL: %w", err)
	}
	defer func() { _ = rl.Close() }()

	_, _ = fmt.Fprintf(e.out, "leapexplore (model: %s)\n", rt.Models.Path())
	_, _ = fmt.Fprintln(e.out, "Type .help for commands, .quit to exit")
	_, _ = fmt.Fprintln(e.out)
	if st := e.ctrl.State(); !st.Query.IsEmpty() {
		e.printState(st)
	}

	var buf strings.Builder
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			buf.Reset()
			rl.SetPrompt(explorePrompt)
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if buf.Len() == 0 && strings.HasPrefix(line, ".") {
			if err := e.command(ctx, line); errors.Is(err, errQuit) {
				return nil
			}
			continue
		}

		buf.WriteString(line)
		if !strings.HasSuffix(line, ";") {
			buf.WriteString("\n")
			rl.SetPrompt(exploreContinueMsg)
			continue
		}
		rl.SetPrompt(explorePrompt)

		text := strings.TrimSuffix(buf.String(), ";")
		buf.Reset()
		e.submit(ctx, text)
	}
}

// submit runs text as a new query.
func (e *explorer) submit(ctx context.Context, text string) {
	st, err := e.ctrl.SubmitQuery(ctx, text)
	e.report(st, err)
}

// report prints the outcome of a session action.
func (e *explorer) report(st session.State, err error) {
	if err != nil && !errors.Is(err, session.ErrSuperseded) && st.Err == nil {
		_, _ = fmt.Fprintf(e.errOut, "Error: %v\n", err)
		return
	}
	e.printState(st)
}

func (e *explorer) printState(st session.State) {
	if st.Err != nil {
		_, _ = fmt.Fprintf(e.errOut, "Error: %v\n", st.Err)
		return
	}
	if st.Result != nil {
		if err := renderResult(e.out, st.Result, e.format); err != nil {
			_, _ = fmt.Fprintf(e.errOut, "Error: %v\n", err)
		}
		_, _ = fmt.Fprintln(e.out)
		return
	}
	if st.Query.IsEmpty() {
		_, _ = fmt.Fprintln(e.out, "(empty query)")
		return
	}
	_, _ = fmt.Fprintf(e.out, "-- %s (not run, .run to execute)\n%s\n\n", st.QueryName, st.QueryText)
}

// command executes a dot command. It returns errQuit for .quit.
func (e *explorer) command(ctx context.Context, line string) error {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	name = strings.ToLower(name)

	switch name {
	case ".quit", ".exit":
		return errQuit

	case ".help":
		printExploreHelp(e.out)

	case ".undo":
		st, err := e.ctrl.Undo(ctx)
		e.report(st, err)

	case ".redo":
		st, err := e.ctrl.Redo(ctx)
		e.report(st, err)

	case ".run":
		st := e.ctrl.State()
		if st.Query.IsEmpty() {
			_, _ = fmt.Fprintln(e.errOut, "Nothing to run.")
			return nil
		}
		e.submit(ctx, st.QueryText)

	case ".edit":
		if arg == "" {
			_, _ = fmt.Fprintln(e.errOut, "Usage: .edit <sql>")
			return nil
		}
		st, err := e.ctrl.EditQuery(ctx, strings.TrimSuffix(arg, ";"))
		e.report(st, err)

	case ".goto":
		if err := e.loc.Replace(arg); err != nil {
			_, _ = fmt.Fprintf(e.errOut, "Error: invalid location: %v\n", err)
			return nil
		}
		st, err := e.ctrl.Hydrate(ctx)
		e.report(st, err)

	case ".location":
		_, _ = fmt.Fprintln(e.out, location.Encode(e.loc))

	case ".state":
		st := e.ctrl.State()
		_, _ = fmt.Fprintf(e.out, "query:    %s\nname:     %s\nsource:   %s\nhistory:  %d/%d (undo: %t, redo: %t)\nmodel:    v%d\n",
			oneLine(st.QueryText, 70), st.QueryName, st.Source,
			st.Cursor+1, st.HistoryLen, st.CanUndo, st.CanRedo, st.ModelVersion)

	case ".refresh":
		top := arg == "top"
		if err := e.ctrl.RefreshModel(ctx, top); err != nil {
			_, _ = fmt.Fprintf(e.errOut, "Error: %v\n", err)
			return nil
		}
		_, _ = fmt.Fprintf(e.out, "Model reloaded (v%d).\n", e.ctrl.State().ModelVersion)

	case ".top":
		st := e.ctrl.State()
		if err := renderTopValues(e.out, st.Source, e.ctrl.TopValues(ctx), e.format); err != nil {
			_, _ = fmt.Fprintf(e.errOut, "Error: %v\n", err)
		}

	case ".sources":
		e.printSources()

	case ".field", ".view":
		e.openModelQuery(ctx, name, arg)

	case ".format":
		switch arg {
		case "table", "json", "csv", "md":
			e.format = arg
		default:
			_, _ = fmt.Fprintln(e.errOut, "Usage: .format table|json|csv|md")
		}

	default:
		_, _ = fmt.Fprintf(e.errOut, "Unknown command: %s (type .help for commands)\n", name)
	}
	return nil
}

// openModelQuery navigates to the query selecting a field or running a view
// of the form <source>.<name>.
func (e *explorer) openModelQuery(ctx context.Context, kind, arg string) {
	source, name, ok := strings.Cut(arg, ".")
	if !ok {
		_, _ = fmt.Fprintf(e.errOut, "Usage: %s <source>.<name>\n", kind)
		return
	}

	m := e.currentModel()
	p := location.Params{HasQuery: true, Run: true}
	var err error
	if kind == ".field" {
		p.Query, err = m.FieldQuery(source, name)
	} else {
		p.Query, err = m.ViewQuery(source, name)
		p.Name = name
	}
	if err != nil {
		_, _ = fmt.Fprintf(e.errOut, "Error: %v\n", err)
		return
	}

	if err := e.loc.Replace(location.Build(p)); err != nil {
		_, _ = fmt.Fprintf(e.errOut, "Error: %v\n", err)
		return
	}
	st, err := e.ctrl.Hydrate(ctx)
	e.report(st, err)
}

func (e *explorer) currentModel() *model.Model {
	if m := e.ctrl.Model(); m != nil {
		return m
	}
	return &model.Model{}
}

func (e *explorer) printSources() {
	m := e.currentModel()
	if len(m.Sources) == 0 {
		_, _ = fmt.Fprintln(e.out, "No sources defined.")
		return
	}
	for _, s := range m.Sources {
		_, _ = fmt.Fprintf(e.out, "%s (table %s)\n", s.Name, s.Table)
		for _, f := range s.Fields {
			if f.Hidden {
				continue
			}
			_, _ = fmt.Fprintf(e.out, "  field %s\n", f.Name)
		}
		for _, v := range s.Views {
			_, _ = fmt.Fprintf(e.out, "  view  %s\n", v.Name)
		}
	}
}

func printExploreHelp(w io.Writer) {
	help := `
Commands:
  .help                  Show this help message
  .run                   Run the current query again
  .edit <sql>            Replace the current query without running it
  .undo / .redo          Step through the query history
  .goto <location>       Open a location (query=...&name=...&run=true)
  .location              Print the current location
  .state                 Show the session state
  .sources               List sources, fields and views
  .field <src>.<field>   Select a field of a source
  .view <src>.<view>     Run a saved view
  .top                   Show top values of the current source
  .refresh [top]         Reload the model (and top values)
  .format <fmt>          Switch output format (table, json, csv, md)
  .quit / .exit          Exit

Tips:
  - SQL statements must end with a semicolon (;)
  - Use arrow keys to navigate input history
  - Tab completion works for commands and source names
`
	_, _ = fmt.Fprintln(w, help)
}

// completer completes dot commands and the model's source and table names.
func (e *explorer) completer() *readline.PrefixCompleter {
	var items []readline.PrefixCompleterInterface

	m := e.currentModel()
	seen := make(map[string]bool)
	for _, name := range m.Tables() {
		if !seen[name] {
			seen[name] = true
			items = append(items, readline.PcItem(name))
		}
	}

	var refs []readline.PrefixCompleterInterface
	for _, s := range m.Sources {
		for _, f := range s.Fields {
			refs = append(refs, readline.PcItem(s.Name+"."+f.Name))
		}
	}
	var views []readline.PrefixCompleterInterface
	for _, s := range m.Sources {
		for _, v := range s.Views {
			views = append(views, readline.PcItem(s.Name+"."+v.Name))
		}
	}

	items = append(items,
		readline.PcItem(".help"),
		readline.PcItem(".run"),
		readline.PcItem(".edit"),
		readline.PcItem(".undo"),
		readline.PcItem(".redo"),
		readline.PcItem(".goto"),
		readline.PcItem(".location"),
		readline.PcItem(".state"),
		readline.PcItem(".sources"),
		readline.PcItem(".field", refs...),
		readline.PcItem(".view", views...),
		readline.PcItem(".top"),
		readline.PcItem(".refresh", readline.PcItem("top")),
		readline.PcItem(".format",
			readline.PcItem("table"), readline.PcItem("json"),
			readline.PcItem("csv"), readline.PcItem("md")),
		readline.PcItem(".quit"),
		readline.PcItem(".exit"),
	)

	return readline.NewPrefixCompleter(items...)
}
