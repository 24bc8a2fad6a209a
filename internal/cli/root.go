// Package cli is the repload command line. Every invocation runs exactly one
// lifecycle command against the configured store.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/JonMunkholm/repload/internal/config"
	"github.com/JonMunkholm/repload/internal/core"
	"github.com/JonMunkholm/repload/internal/logging"
	"github.com/JonMunkholm/repload/internal/store"
	_ "github.com/JonMunkholm/repload/internal/store/elastic"  // register driver
	_ "github.com/JonMunkholm/repload/internal/store/mem"      // register driver
	_ "github.com/JonMunkholm/repload/internal/store/postgres" // register driver
)

// Streams are the standard streams of an invocation.
type Streams struct {
	In  io.Reader
	Err io.Writer
}

// NewRootCmd builds the command tree. Flag defaults come from cfg, so
// environment values apply unless a flag overrides them.
func NewRootCmd(cfg *config.Config, streams Streams) *cobra.Command {
	root := &cobra.Command{
		Use:   "repload",
		Short: "Load IP reputation data into generations and manage which one is active",
		Long: `repload streams a CSV file into a new generation collection, resumes an
interrupted load, promotes the loaded generation to active, rolls back to the
previously active one, and deletes generations no longer referenced.

Without a subcommand the command named by REPLOAD_COMMAND is run.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg, streams)
		},
	}
	root.SetIn(streams.In)
	root.SetErr(streams.Err)
	root.SetOut(streams.Err)

	bindGlobalFlags(root.PersistentFlags(), cfg)

	upload := commandFor(core.CommandUpload, "Load CSV input into a new or the paused generation", cfg, streams)
	upload.Flags().Int64Var(&cfg.Upload.SkipLines, "skiplines", cfg.Upload.SkipLines, "data rows to skip before sending")
	upload.Flags().IntVar(&cfg.Upload.BatchSize, "batchsize", cfg.Upload.BatchSize, "rows per bulk write")
	upload.Flags().StringVarP(&cfg.Upload.Input, "input", "i", cfg.Upload.Input, "CSV file to read (default stdin)")
	upload.Flags().BoolVar(&cfg.NoProgress, "no-progress", cfg.NoProgress, "disable the upload status bar")

	deleteSingle := commandFor(core.CommandDeleteSingle, "Delete one generation unless it is current or last used", cfg, streams)
	deleteSingle.Use = "delete-single [id]"
	deleteSingle.Args = cobra.MaximumNArgs(1)

	root.AddCommand(
		upload,
		commandFor(core.CommandSwitch, "Promote the loaded generation if it is newer than the current one", cfg, streams),
		commandFor(core.CommandSwitchToLastUsed, "Make the last used generation active again", cfg, streams),
		commandFor(core.CommandDeleteOld, "Delete generations older than the current one", cfg, streams),
		commandFor(core.CommandDeleteAll, "Delete every generation except the current and last used ones", cfg, streams),
		deleteSingle,
	)
	return root
}

func bindGlobalFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Store.Driver, "store", cfg.Store.Driver, "store driver: elasticsearch, postgres or mem")
	fs.StringVar(&cfg.Store.Host, "host", cfg.Store.Host, "elasticsearch host")
	fs.IntVar(&cfg.Store.Port, "port", cfg.Store.Port, "elasticsearch port")
	fs.StringVar(&cfg.Store.URL, "database-url", cfg.Store.URL, "postgres connection string")
	fs.DurationVar(&cfg.Store.Timeout, "timeout", cfg.Store.Timeout, "timeout of each store request")
	fs.IntVar(&cfg.Store.RetryMax, "retry-max", cfg.Store.RetryMax, "connection retries per store request")

	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "log level: info, verbose or debug")
	fs.StringVar(&cfg.Logging.Format, "log-format", cfg.Logging.Format, "log format: text or json")
	fs.IntVar(&cfg.Logging.BulkLogMB, "log-bulk-upload", cfg.Logging.BulkLogMB, "copy bulk responses to the bulk log, capped at this many MB")
	fs.StringVar(&cfg.Logging.BulkLogPath, "bulk-log-path", cfg.Logging.BulkLogPath, "file receiving bulk responses")

	fs.StringVar(&cfg.Metrics.Textfile, "metrics-textfile", cfg.Metrics.Textfile, "write metrics in text format to this file at exit")
	fs.StringVar(&cfg.Namespace.Prefix, "prefix", cfg.Namespace.Prefix, "generation collection prefix")
}

func commandFor(c core.Command, short string, cfg *config.Config, streams Streams) *cobra.Command {
	return &cobra.Command{
		Use:   string(c),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			selectCommand(cfg, c)
			if len(args) > 0 {
				cfg.DeleteSingleID = args[0]
			}
			return run(cmd.Context(), cfg, streams)
		},
	}
}

// selectCommand records the subcommand as the selected command. A different
// command already selected through the environment is kept, so validation
// rejects the conflict.
func selectCommand(cfg *config.Config, c core.Command) {
	for _, name := range cfg.Commands {
		if strings.TrimSpace(name) == string(c) {
			return
		}
	}
	cfg.Commands = append(cfg.Commands, string(c))
}

// Execute runs the command line and returns the process exit code. A failing
// command is logged with its error code. Every line of the invocation carries
// the same run id.
func Execute(ctx context.Context, cfg *config.Config, args []string, streams Streams) int {
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, streams.Err)
	ctx = logging.WithRunID(ctx, uuid.NewString())
	root := NewRootCmd(cfg, streams)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	msg := core.MapError(err)
	logging.FromContext(ctx).Error("fatal", "error", err, "code", msg.Code)
	fmt.Fprintln(streams.Err, core.FormatUserError(err))
	return 1
}

func run(ctx context.Context, cfg *config.Config, streams Streams) (err error) {
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, streams.Err)
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logging.FromContext(ctx)
	log.Debug("configuration loaded", "config", cfg.String())

	if cfg.Metrics.Textfile != "" {
		defer func() {
			if werr := prometheus.WriteToTextfile(cfg.Metrics.Textfile, prometheus.DefaultGatherer); werr != nil {
				log.Warn("failed to write metrics", "path", cfg.Metrics.Textfile, "error", werr)
			}
		}()
	}

	params := store.Params{
		Host:     cfg.Store.Host,
		Port:     cfg.Store.Port,
		URL:      cfg.Store.URL,
		Timeout:  cfg.Store.Timeout,
		RetryMax: cfg.Store.RetryMax,
	}
	if cfg.Logging.BulkLogMB > 0 {
		bulkLog := logging.NewBulkLog(cfg.Logging.BulkLogPath, cfg.Logging.BulkLogMB)
		defer bulkLog.Close()
		params.BulkLog = bulkLog
		log.Info("logging bulk responses", "path", cfg.Logging.BulkLogPath, "max_mb", cfg.Logging.BulkLogMB)
	}

	st, err := store.Open(ctx, cfg.Store.Driver, params)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			log.Warn("failed to close store", "error", cerr)
		}
	}()

	command, _ := core.ParseCommand(cfg.Command())
	inv := core.Invocation{Command: command, DeleteID: cfg.DeleteSingleID}

	opts := core.Options{
		Prefix:             cfg.Namespace.Prefix,
		MetadataCollection: cfg.Namespace.Metadata,
		ScratchCollection:  cfg.Namespace.Scratch,
	}
	if command == core.CommandUpload {
		input, closeInput, err := openInput(cfg.Upload.Input, streams.In)
		if err != nil {
			return err
		}
		defer closeInput()
		inv.Upload = core.UploadRequest{
			Input:     input,
			SkipLines: cfg.Upload.SkipLines,
			BatchSize: cfg.Upload.BatchSize,
		}
		if !cfg.NoProgress {
			bar := newProgress(streams.Err)
			defer bar.Finish()
			opts.Progress = bar.Update
		}
	}

	svc := core.NewService(st, opts)
	return svc.Run(ctx, inv)
}

// openInput opens path, or returns stdin when path is empty or "-".
func openInput(path string, stdin io.Reader) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		if stdin == nil {
			return nil, nil, errors.New("no input: stdin is not available")
		}
		slog.Debug("reading input from stdin")
		return stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, &core.IOError{Op: "open input", Name: path, Err: err}
	}
	return f, func() { _ = f.Close() }, nil
}
