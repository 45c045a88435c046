package db

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nickyhof/dotdata/backend"
	"github.com/nickyhof/dotdata/compile"
	"github.com/nickyhof/dotdata/ledger"
	"github.com/nickyhof/dotdata/resolve"
	"github.com/nickyhof/dotdata/script"
)

// Options configure an Engine.
type Options struct {
	Resolve resolve.Options
	Logger  *slog.Logger
	// S3 configures s3:// targets of EXPORT_CHANGES and IMPORT_CHANGES.
	S3 S3Config
}

// Engine runs scripts against one backend. It is safe for concurrent use as
// long as the backend is; every run or session owns its own RunState.
type Engine struct {
	backend backend.Backend
	options Options
	logger  *slog.Logger
}

func NewEngine(b backend.Backend, options Options) *Engine {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if options.Resolve.Now == nil {
		options.Resolve.Now = time.Now
	}
	return &Engine{backend: b, options: options, logger: logger}
}

func (engine *Engine) Backend() backend.Backend {
	return engine.backend
}

// Run executes source in a fresh session and closes it. The result holds
// the outcomes of every operation that ran, even when err is not nil.
func (engine *Engine) Run(ctx context.Context, source string) (*RunResult, error) {
	session := engine.NewSession()
	result, err := session.Execute(ctx, source)
	if closeErr := session.Close(ctx); err == nil {
		err = closeErr
	}
	return result, err
}

// NewSession starts a RunState that survives several Execute calls:
// variables, directives, the ledger and an open transaction carry over.
func (engine *Engine) NewSession() *Session {
	resolver := resolve.NewContext(engine.options.Resolve)
	return &Session{
		engine: engine,
		state: &RunState{
			resolver: resolver,
			compiler: compile.New(resolver),
			ledger:   ledger.New(engine.options.Resolve.Now, engine.logger),
			backend:  engine.backend,
			s3:       engine.options.S3,
			logger:   engine.logger,
		},
	}
}

// Session is a long-lived RunState, used by the REPL and server
// connections.
type Session struct {
	mu     sync.Mutex
	engine *Engine
	state  *RunState
}

// Execute parses and runs source. Parsing is all-or-nothing: a ParseError
// runs nothing. Execution halts on the first error not handled by a CATCH.
func (session *Session) Execute(ctx context.Context, source string) (*RunResult, error) {
	session.mu.Lock()
	defer session.mu.Unlock()

	result := &RunResult{}
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	ops, err := script.Parse(source)
	if err != nil {
		sampleError(err)
		return result, err
	}
	state := session.state
	state.scope = state.ledger.Mark()
	if err := state.run(ctx, ops, result); err != nil {
		sampleError(err)
		session.engine.logger.Error("run halted", "error", err, "kind", ErrorKind(err))
		return result, err
	}
	return result, nil
}

func (session *Session) Ledger() *ledger.Ledger {
	return session.state.ledger
}

// InTransaction reports whether a BEGIN_TRANSACTION is still open.
func (session *Session) InTransaction() bool {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.state.tx != nil
}

// Close aborts a transaction left open by the session's scripts.
func (session *Session) Close(ctx context.Context) error {
	session.mu.Lock()
	defer session.mu.Unlock()
	state := session.state
	if state.tx == nil {
		return nil
	}
	session.engine.logger.Warn("aborting unfinished transaction")
	err := state.tx.Abort(ctx)
	state.ledger.Discard(state.txMark)
	state.tx = nil
	return err
}
