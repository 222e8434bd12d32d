package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/massmailer/internal/compiler"
	"github.com/roach88/massmailer/internal/config"
	"github.com/roach88/massmailer/internal/mailer"
	"github.com/roach88/massmailer/internal/querylang"
	"github.com/roach88/massmailer/internal/querysql"
	"github.com/roach88/massmailer/internal/registry"
	"github.com/roach88/massmailer/internal/store"
)

// parseCacheSize bounds the per-process query parse cache.
const parseCacheSize = 128

// app is what a command needs at run time: settings, the open store and
// the entity registry.
type app struct {
	cfg       config.Config
	store     *store.Store
	reg       *registry.Registry
	backend   *querysql.Backend
	cache     *querylang.Cache
	formatter *OutputFormatter
	logger    *slog.Logger
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}
}

// openApp loads config, applies flag overrides, opens the database and
// loads the entity schema. Failures are reported through the formatter.
func openApp(opts *RootOptions, cmd *cobra.Command) (*app, error) {
	formatter := newFormatter(opts, cmd)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, outputError(formatter, ExitCommandError, ErrCodeConfig, err.Error())
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if opts.Schema != "" {
		cfg.Schema = opts.Schema
	}

	reg, err := registry.LoadCUE(cfg.Schema)
	if err != nil {
		return nil, outputError(formatter, ExitCommandError, ErrCodeSchema,
			fmt.Sprintf("loading schema %s: %v", cfg.Schema, err))
	}
	formatter.VerboseLog("Loaded schema %s (%d entities)", cfg.Schema, len(reg.Entities()))

	logger := slog.Default()
	st, err := store.Open(cfg.Database, store.WithLogger(logger))
	if err != nil {
		return nil, outputError(formatter, ExitCommandError, ErrCodeDatabase,
			fmt.Sprintf("opening database %s: %v", cfg.Database, err))
	}

	cache, err := querylang.NewCache(parseCacheSize)
	if err != nil {
		st.Close()
		return nil, outputError(formatter, ExitCommandError, ErrCodeGeneric, err.Error())
	}

	return &app{
		cfg:       cfg,
		store:     st,
		reg:       reg,
		backend:   querysql.NewBackend(st.DB(), logger),
		cache:     cache,
		formatter: formatter,
		logger:    logger,
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// engine builds a mailer engine over the store's persistent task queue.
func (a *app) engine() *mailer.Engine {
	return mailer.NewEngine(a.store, a.backend, a.reg, a.store.Tasks(0),
		mailer.WithLogger(a.logger),
		mailer.WithParseCache(a.cache),
	)
}

// fail reports err with a code derived from its type and returns the
// matching ExitError.
func (a *app) fail(err error) error {
	code, exit := classify(err)
	return outputError(a.formatter, exit, code, compiler.Describe(err))
}

// classify maps an error to a CLI error code and exit code.
func classify(err error) (string, int) {
	var (
		se  *querylang.SyntaxError
		qpe *querylang.ParseError
		pe  *compiler.ParseError
		uoe *compiler.UnsupportedOperationError
		ste *compiler.StoreError
	)
	switch {
	case errors.As(err, &se):
		return ErrCodeSyntax, ExitFailure
	case errors.As(err, &qpe), errors.As(err, &pe), errors.As(err, &uoe):
		return ErrCodeQuery, ExitFailure
	case errors.As(err, &ste):
		return ErrCodeQueryFailed, ExitFailure
	case mailer.IsRenderError(err):
		return ErrCodeRender, ExitFailure
	case errors.Is(err, mailer.ErrNotFound):
		return ErrCodeNotFound, ExitCommandError
	case errors.Is(err, mailer.ErrInvalidTransition), errors.Is(err, mailer.ErrStateChanged):
		return ErrCodeTransition, ExitFailure
	default:
		return ErrCodeGeneric, ExitFailure
	}
}

// outputError writes the error through the formatter and returns an
// ExitError carrying the code.
func outputError(formatter *OutputFormatter, exit int, code, message string) error {
	_ = formatter.Error(code, message, nil)
	return WrapExitError(exit, fmt.Sprintf("%s: %s", code, message), nil)
}

// readText returns arg, or the contents of the file it names when it
// starts with "@".
func readText(arg string) (string, error) {
	if !strings.HasPrefix(arg, "@") {
		return arg, nil
	}
	data, err := os.ReadFile(arg[1:])
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", arg[1:], err)
	}
	return string(data), nil
}
