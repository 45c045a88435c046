package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nickyhof/dotdata"
	"github.com/nickyhof/dotdata/config"
	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/db"
	"github.com/nickyhof/dotdata/script"
)

const (
	PromptColor  = "\033[36m" // Cyan
	ErrorColor   = "\033[31m" // Red
	SuccessColor = "\033[32m" // Green
	ResetColor   = "\033[0m"
	BoldColor    = "\033[1m"
)

const maxHistory = 1000

// Version is set at build time via -ldflags
var Version = "dev"

// CLI holds the REPL state. The session keeps variables, directives and
// the change ledger between statements.
type CLI struct {
	instance    *dotdata.Instance
	cfg         config.Config
	identity    core.Identity
	session     *db.Session
	out         io.Writer
	history     []string
	historyFile string
	quit        bool
}

func main() {
	flags := config.RegisterFlags(flag.CommandLine)
	check := flag.Bool("check", false, "Parse the script files and exit without running them")
	parallel := flag.Int("parallel", 1, "Number of script files to run concurrently")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [script.dd ...]\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	if err := run(flags, flag.Args(), *check, *parallel); err != nil {
		fmt.Fprintf(os.Stderr, "%s✗ %v%s\n", ErrorColor, err, ResetColor)
		os.Exit(1)
	}
}

func run(flags *config.Flags, files []string, check bool, parallel int) error {
	cfg, err := config.Load(flags, os.LookupEnv)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	scripts, err := loadScripts(ctx, files)
	if err != nil {
		return err
	}
	if check {
		for _, s := range scripts {
			fmt.Printf("%s✓ %s (%d operation(s))%s\n", SuccessColor, s.path, s.operations, ResetColor)
		}
		return nil
	}

	instance, err := dotdata.Connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer instance.Close()

	if len(scripts) > 0 {
		return runScripts(ctx, instance.Engine(cfg.CommitIdentity()), scripts, os.Stdout, parallel)
	}

	printBanner(cfg)
	cli := newCLI(instance, cfg, os.Stdout)
	cli.historyFile = getHistoryPath()
	cli.loadHistory()
	defer cli.saveHistory()
	defer cli.session.Close(context.Background())
	cli.run(ctx, os.Stdin)
	return nil
}

func newCLI(instance *dotdata.Instance, cfg config.Config, out io.Writer) *CLI {
	identity := cfg.CommitIdentity()
	return &CLI{
		instance: instance,
		cfg:      cfg,
		identity: identity,
		session:  instance.Engine(identity).NewSession(),
		out:      out,
	}
}

type loadedScript struct {
	path       string
	source     string
	operations int
}

// loadScripts reads and parses every file before anything runs, so a parse
// error in any of them leaves the database untouched.
func loadScripts(ctx context.Context, paths []string) ([]loadedScript, error) {
	scripts := make([]loadedScript, len(paths))
	group, _ := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for i, path := range paths {
		group.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read file: %w", err)
			}
			ops, err := script.Parse(string(data))
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			scripts[i] = loadedScript{path: path, source: string(data), operations: len(ops)}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return scripts, nil
}

// runScripts runs each script in its own run state. With parallel > 1 up
// to that many scripts run at once and their output is printed in file
// order once all have finished; otherwise the run stops at the first
// failing script.
func runScripts(ctx context.Context, engine *db.Engine, scripts []loadedScript, out io.Writer, parallel int) error {
	runOne := func(ctx context.Context, s loadedScript, w io.Writer) error {
		fmt.Fprintf(w, "%s%s%s%s\n", BoldColor, PromptColor, s.path, ResetColor)
		result, err := engine.Run(ctx, s.source)
		printOutcomes(w, result)
		if err != nil {
			return fmt.Errorf("%s: %s: %w", s.path, db.ErrorKind(err), err)
		}
		return nil
	}

	if parallel <= 1 {
		for _, s := range scripts {
			if err := runOne(ctx, s, out); err != nil {
				return err
			}
		}
		return nil
	}

	outputs := make([]bytes.Buffer, len(scripts))
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(parallel)
	for i, s := range scripts {
		group.Go(func() error {
			return runOne(ctx, s, &outputs[i])
		})
	}
	err := group.Wait()
	for i := range outputs {
		_, _ = outputs[i].WriteTo(out)
	}
	return err
}

func printBanner(cfg config.Config) {
	fmt.Println()
	bannerWidth := 39
	versionLine := fmt.Sprintf("DotData v%s", Version)
	padding := max(bannerWidth-len(versionLine)-2, 0)
	leftPad := padding / 2
	rightPad := padding - leftPad

	fmt.Printf("%s%s╔═══════════════════════════════════════╗%s\n", BoldColor, PromptColor, ResetColor)
	fmt.Printf("%s%s║ %*s%s%*s ║%s\n", BoldColor, PromptColor, leftPad, "", versionLine, rightPad, "", ResetColor)
	fmt.Printf("%s%s║   Tracked changes, LIFO rollback      ║%s\n", BoldColor, PromptColor, ResetColor)
	fmt.Printf("%s%s╚═══════════════════════════════════════╝%s\n", BoldColor, PromptColor, ResetColor)
	fmt.Println()
	switch {
	case cfg.Backend == config.MongoBackend:
		fmt.Printf("%sUsing MongoDB: %s%s\n", SuccessColor, cfg.Mongo.Database, ResetColor)
	case cfg.Dir == "":
		fmt.Printf("%sUsing memory persistence%s\n", SuccessColor, ResetColor)
	default:
		fmt.Printf("%sUsing file persistence: %s%s\n", SuccessColor, cfg.Dir, ResetColor)
	}
	fmt.Println("End a statement with ; or a blank line. Type .help for commands, .quit to exit")
	fmt.Println()
}

func (cli *CLI) run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	var buffer strings.Builder

	for !cli.quit {
		fmt.Fprint(cli.out, cli.getPrompt(buffer.Len() > 0))
		if !scanner.Scan() {
			fmt.Fprintf(cli.out, "\n%sGoodbye!%s\n", SuccessColor, ResetColor)
			return
		}
		input := strings.TrimRight(scanner.Text(), "\r")

		if buffer.Len() == 0 {
			if strings.TrimSpace(input) == "" {
				continue
			}
			if strings.HasPrefix(strings.TrimSpace(input), ".") {
				cli.handleCommand(ctx, input)
				continue
			}
		}

		statement, complete := accumulate(&buffer, input)
		if !complete {
			continue
		}
		if strings.TrimSpace(statement) == "" {
			continue
		}
		cli.addToHistory(strings.ReplaceAll(statement, "\n", " "))
		cli.execute(ctx, statement)
	}
}

// accumulate adds input to buffer and returns the statement once it is
// terminated by a trailing ; or a blank line.
func accumulate(buffer *strings.Builder, input string) (string, bool) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		statement := buffer.String()
		buffer.Reset()
		return statement, true
	}
	if buffer.Len() > 0 {
		buffer.WriteByte('\n')
	}
	if strings.HasSuffix(trimmed, ";") {
		buffer.WriteString(strings.TrimSuffix(strings.TrimRight(input, " \t"), ";"))
		statement := buffer.String()
		buffer.Reset()
		return statement, true
	}
	buffer.WriteString(input)
	return "", false
}

func (cli *CLI) execute(ctx context.Context, statement string) {
	result, err := cli.session.Execute(ctx, statement)
	if result != nil {
		result.Display(cli.out)
	}
	if err != nil {
		fmt.Fprintf(cli.out, "%s✗ %s: %v%s\n", ErrorColor, db.ErrorKind(err), err, ResetColor)
	}
}

func (cli *CLI) getPrompt(multiLine bool) string {
	if multiLine {
		return fmt.Sprintf("%s   ...>%s ", PromptColor, ResetColor)
	}
	txPart := ""
	if cli.session.InTransaction() {
		txPart = " (tx)"
	}
	return fmt.Sprintf("%sdotdata%s>%s ", PromptColor, txPart, ResetColor)
}

func (cli *CLI) errorf(format string, args ...any) {
	fmt.Fprintf(cli.out, "%s✗ "+format+"%s\n", append(append([]any{ErrorColor}, args...), ResetColor)...)
}

func (cli *CLI) successf(format string, args ...any) {
	fmt.Fprintf(cli.out, "%s✓ "+format+"%s\n", append(append([]any{SuccessColor}, args...), ResetColor)...)
}

func (cli *CLI) handleCommand(ctx context.Context, input string) {
	parts := strings.Fields(strings.TrimSpace(input))
	if len(parts) == 0 {
		return
	}

	switch strings.ToLower(parts[0]) {
	case ".quit", ".exit", ".q":
		fmt.Fprintf(cli.out, "%sGoodbye!%s\n", SuccessColor, ResetColor)
		cli.quit = true

	case ".help", ".h", ".?":
		cli.printHelp()

	case ".collections", ".colls":
		cli.showCollections()

	case ".changes":
		cli.showChanges()

	case ".log":
		limit := 10
		if len(parts) > 1 {
			n, err := strconv.Atoi(parts[1])
			if err != nil || n <= 0 {
				cli.errorf("Usage: .log [n]")
				return
			}
			limit = n
		}
		cli.showLog(limit)

	case ".push":
		cli.sync(func() error {
			repository, err := cli.instance.Repository()
			if err != nil {
				return err
			}
			return repository.Push(cli.cfg.Remote.Name, &cli.cfg.Remote.Auth)
		}, "Pushed to %s", cli.cfg.Remote.Name)

	case ".pull":
		cli.sync(func() error {
			repository, err := cli.instance.Repository()
			if err != nil {
				return err
			}
			return repository.Pull(cli.cfg.Remote.Name, cli.cfg.Remote.Branch, &cli.cfg.Remote.Auth)
		}, "Pulled from %s", cli.cfg.Remote.Name)

	case ".reset":
		if err := cli.session.Close(ctx); err != nil {
			cli.errorf("Error: %v", err)
		}
		cli.session = cli.instance.Engine(cli.identity).NewSession()
		cli.successf("Session reset")

	case ".clear", ".cls":
		fmt.Fprint(cli.out, "\033[H\033[2J")

	case ".history":
		cli.printHistory()

	case ".version":
		fmt.Fprintf(cli.out, "DotData version %s\n", Version)

	case ".import":
		if len(parts) < 2 {
			cli.errorf("Usage: .import <file.dd>")
			return
		}
		if err := cli.importFile(ctx, parts[1]); err != nil {
			cli.errorf("Error: %v", err)
		}

	default:
		cli.errorf("Unknown command: %s (type .help for commands)", parts[0])
	}
}

func (cli *CLI) sync(fn func() error, format string, args ...any) {
	if cli.cfg.Remote.URL == "" {
		cli.errorf("No remote configured (set -remote-url)")
		return
	}
	if err := fn(); err != nil {
		cli.errorf("Error: %v", err)
		return
	}
	cli.successf(format, args...)
}

func (cli *CLI) printHelp() {
	out := cli.out
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s%sSpecial Commands:%s\n", BoldColor, PromptColor, ResetColor)
	fmt.Fprintln(out, "  .help, .h          Show this help message")
	fmt.Fprintln(out, "  .quit, .exit       Exit the CLI")
	fmt.Fprintln(out, "  .collections       List collections")
	fmt.Fprintln(out, "  .changes           List tracked changes of this session")
	fmt.Fprintln(out, "  .log [n]           Show the last n commits")
	fmt.Fprintln(out, "  .push, .pull       Sync with the configured remote")
	fmt.Fprintln(out, "  .reset             Start a new session (variables, ledger)")
	fmt.Fprintln(out, "  .import <file>     Run a script file in this session")
	fmt.Fprintln(out, "  .history           Show command history")
	fmt.Fprintln(out, "  .clear             Clear the screen")
	fmt.Fprintln(out, "  .version           Show version info")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s%sOperations:%s\n", BoldColor, PromptColor, ResetColor)
	fmt.Fprintln(out, `  INSERT <coll> {"_id": 1, ...} | [{...}, ...]`)
	fmt.Fprintln(out, "  UPDATE | UPSERT <coll> WHERE <filter> SET field = value, n += 1")
	fmt.Fprintln(out, "  DELETE <coll> WHERE <filter>")
	fmt.Fprintln(out, "  FIND <coll> [WHERE ...] [SORT ...] [LIMIT n]")
	fmt.Fprintln(out, "  COUNT <coll> [WHERE ...]")
	fmt.Fprintln(out, "  AGGREGATE <coll> PIPELINE GROUP BY f: total = SUM(x) | SORT total DESC")
	fmt.Fprintln(out, "  CREATE_INDEX <coll> ON field [UNIQUE]")
	fmt.Fprintln(out, "  BEGIN_TRANSACTION / COMMIT_TRANSACTION / ROLLBACK_TRANSACTION")
	fmt.Fprintln(out, "  TRY ... CATCH DuplicateKeyError ... END_TRY")
	fmt.Fprintln(out, "  IF EXISTS <coll> [WHERE ...] THEN ... ELSE ... END_IF")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s%sChanges:%s ROLLBACK_CHANGES [WHERE tag = \"x\"], ROLLBACK_LAST n, VERIFY_ROLLBACK,\n", BoldColor, PromptColor, ResetColor)
	fmt.Fprintln(out, "  CLEAR_CHANGES, EXPORT_CHANGES \"file\", IMPORT_CHANGES \"file\", REPLAY_CHANGES")
	fmt.Fprintf(out, "%s%sDirectives:%s @TRACK_CHANGES, @ROLLBACK_ON_ERROR, @CHANGE_TAG, @COLLECTION_ID_TYPE\n", BoldColor, PromptColor, ResetColor)
	fmt.Fprintln(out)
}

func (cli *CLI) showCollections() {
	repository, err := cli.instance.Repository()
	if err != nil {
		cli.errorf("Error: %v", err)
		return
	}
	collections := repository.ListCollections()
	if len(collections) == 0 {
		fmt.Fprintln(cli.out, "No collections")
		return
	}
	table := db.NewTable(cli.out)
	table.Header([]string{"collection"})
	for _, name := range collections {
		table.Row([]string{name})
	}
	table.Render()
}

func (cli *CLI) showChanges() {
	records := cli.session.Ledger().Records()
	if len(records) == 0 {
		fmt.Fprintln(cli.out, "No tracked changes")
		return
	}
	table := db.NewTable(cli.out)
	table.Header([]string{"#", "type", "collection", "document", "tag", "line"})
	for _, rec := range records {
		tag := ""
		if rec.Tag != nil {
			tag = *rec.Tag
		}
		table.Row([]string{
			strconv.Itoa(rec.OperationIndex),
			rec.Kind.String(),
			rec.Collection,
			rec.Key.Display(),
			tag,
			strconv.Itoa(rec.Line),
		})
	}
	table.Render()
}

func (cli *CLI) showLog(limit int) {
	repository, err := cli.instance.Repository()
	if err != nil {
		cli.errorf("Error: %v", err)
		return
	}
	history, err := repository.History(limit)
	if err != nil {
		cli.errorf("Error: %v", err)
		return
	}
	if len(history) == 0 {
		fmt.Fprintln(cli.out, "No commits")
		return
	}
	table := db.NewTable(cli.out)
	table.Header([]string{"commit", "when", "author", "message"})
	for _, tx := range history {
		id := tx.Id
		if len(id) > 8 {
			id = id[:8]
		}
		table.Row([]string{id, tx.When.Format("2006-01-02 15:04:05"), tx.Author, truncate(tx.Message, 50)})
	}
	table.Render()
}

func (cli *CLI) addToHistory(cmd string) {
	if len(cli.history) > 0 && cli.history[len(cli.history)-1] == cmd {
		return
	}
	cli.history = append(cli.history, cmd)
	if len(cli.history) > maxHistory {
		cli.history = cli.history[len(cli.history)-maxHistory:]
	}
}

func (cli *CLI) printHistory() {
	if len(cli.history) == 0 {
		fmt.Fprintln(cli.out, "No command history")
		return
	}
	start := max(len(cli.history)-20, 0)
	for i := start; i < len(cli.history); i++ {
		fmt.Fprintf(cli.out, "  %3d  %s\n", i+1, cli.history[i])
	}
}

func getHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".dotdata_history")
}

func (cli *CLI) loadHistory() {
	if cli.historyFile == "" {
		return
	}
	file, err := os.Open(cli.historyFile)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		cli.history = append(cli.history, scanner.Text())
	}
	if len(cli.history) > maxHistory {
		cli.history = cli.history[len(cli.history)-maxHistory:]
	}
}

func (cli *CLI) saveHistory() {
	if cli.historyFile == "" {
		return
	}
	file, err := os.Create(cli.historyFile)
	if err != nil {
		return
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	for _, entry := range cli.history {
		_, _ = writer.WriteString(entry + "\n")
	}
	_ = writer.Flush()
}

// importFile runs a script file in the REPL session, so its variables and
// tracked changes stay available afterwards.
func (cli *CLI) importFile(ctx context.Context, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	result, runErr := cli.session.Execute(ctx, string(data))
	printOutcomes(cli.out, result)

	var parseErr *core.ParseError
	if errors.As(runErr, &parseErr) {
		return fmt.Errorf("%s: %w", filename, runErr)
	}
	failed := 0
	if runErr != nil {
		failed = 1
	}
	succeeded := 0
	if result != nil {
		succeeded = len(result.Outcomes) - failed
	}
	fmt.Fprintf(cli.out, "\n%s✓ Import complete: %d succeeded, %d failed%s\n", SuccessColor, succeeded, failed, ResetColor)
	if runErr != nil {
		return runErr
	}
	return nil
}

// printOutcomes writes one compact line per operation.
func printOutcomes(out io.Writer, result *db.RunResult) {
	if result == nil {
		return
	}
	for _, outcome := range result.Outcomes {
		head := outcome.Operation
		if outcome.Collection != "" {
			head += " " + outcome.Collection
		}
		if outcome.Err != nil {
			fmt.Fprintf(out, "%s[%d] ✗ %s%s\n", ErrorColor, outcome.Line, truncate(head, 50), ResetColor)
			fmt.Fprintf(out, "      Error: %v\n", outcome.Err)
			continue
		}
		fmt.Fprintf(out, "%s[%d] ✓ %s (%s)%s\n", SuccessColor, outcome.Line, truncate(head, 50), outcome.Summary(), ResetColor)
	}
}

// truncate shortens a string to max length with ellipsis
func truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
