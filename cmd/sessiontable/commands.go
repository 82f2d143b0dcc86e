package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/jjeffery/errors"
	"github.com/jjeffery/ddbsessions/config"
	"github.com/jjeffery/ddbsessions/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type app struct {
	configPath string
	backend    string
	table      string
	region     string
	endpoint   string
	logLevel   string
	timeout    time.Duration

	logger zerolog.Logger
	open   func(ctx context.Context, cfg config.Config, logger *zerolog.Logger) (storage.Provider, func() error, error)
	newID  func() string
}

func newApp() *app {
	return &app{
		open:  openProvider,
		newID: uuid.NewString,
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "sessiontable",
		Short:        "Manage session storage",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setupLogging(cmd.ErrOrStderr())
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to a YAML config file")
	flags.StringVar(&a.backend, "backend", "", "storage backend: dynamodb, postgres or memory (memory is a dry run that lasts for a single command)")
	flags.StringVar(&a.table, "table", "", "name of the session table")
	flags.StringVar(&a.region, "region", "", "AWS region")
	flags.StringVar(&a.endpoint, "endpoint", "", "DynamoDB endpoint URL")
	flags.StringVar(&a.logLevel, "log-level", "info", "log level")
	flags.DurationVar(&a.timeout, "timeout", time.Minute, "timeout for the whole operation")

	root.AddCommand(
		a.ensureTableCmd(),
		a.dropTableCmd(),
		a.getCmd(),
		a.setCmd(),
		a.touchCmd(),
		a.destroyCmd(),
		a.purgeCmd(),
	)
	return root
}

func (a *app) setupLogging(w io.Writer) error {
	level, err := zerolog.ParseLevel(a.logLevel)
	if err != nil {
		return errors.Wrap(err, "invalid log level").With("level", a.logLevel)
	}
	a.logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()
	return nil
}

// loadConfig reads the config file, if any, and applies the flags on top.
func (a *app) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if a.configPath != "" {
		var err error
		if cfg, err = config.Load(a.configPath); err != nil {
			return cfg, err
		}
	}
	if a.backend != "" {
		cfg.Backend = a.backend
	}
	if a.table != "" {
		cfg.DynamoDB.Table = a.table
		cfg.Postgres.Table = a.table
	}
	if a.region != "" {
		cfg.DynamoDB.Region = a.region
	}
	if a.endpoint != "" {
		cfg.DynamoDB.Endpoint = a.endpoint
	}
	return cfg, cfg.Validate()
}

// run opens the configured provider and calls fn with it.
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context, p storage.Provider) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
	defer cancel()
	p, closeFn, err := a.open(ctx, cfg, &a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(); err != nil {
			a.logger.Warn().Err(err).Str("backend", cfg.Backend).Msg("cannot close session storage")
		}
	}()
	a.logger.Debug().Str("backend", cfg.Backend).Msg("opened session storage")
	return fn(ctx, p)
}

func (a *app) ensureTableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure-table",
		Short: "Create the session table if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, p storage.Provider) error {
				ok, err := p.EnsureTable(ctx)
				if err != nil {
					return err
				}
				if ok {
					fmt.Fprintln(cmd.OutOrStdout(), "session table exists")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "session table does not exist")
				}
				return nil
			})
		},
	}
}

func (a *app) dropTableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drop-table",
		Short: "Delete the session table and all sessions in it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, p storage.Provider) error {
				dropper, ok := p.(tableDropper)
				if !ok {
					return errors.New("backend does not support drop-table")
				}
				if err := dropper.DropTable(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "session table dropped")
				return nil
			})
		},
	}
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print a session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, p storage.Provider) error {
				sess, err := p.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if sess == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "not found")
					return nil
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(sess)
			})
		},
	}
}

func (a *app) setCmd() *cobra.Command {
	var (
		data string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "set [id]",
		Short: "Store a session, replacing any existing session with the same id",
		Long: `Store a session. The session data is a JSON object. When no id is
given a new random id is generated and printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess := storage.Session{}
			if err := json.Unmarshal([]byte(data), &sess); err != nil {
				return errors.Wrap(err, "session data must be a JSON object")
			}
			id := a.newID()
			if len(args) > 0 {
				id = args[0]
			}
			return a.run(cmd, func(ctx context.Context, p storage.Provider) error {
				if err := p.Set(ctx, id, sess, ttl); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "{}", "session data as a JSON object")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "time to live; defaults to the cookie maxAge or 24h")
	return cmd
}

func (a *app) touchCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "touch <id>",
		Short: "Extend the expiration of an existing session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, p storage.Provider) error {
				sess, err := p.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if sess == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "not found")
					return nil
				}
				return p.Touch(ctx, args[0], sess, ttl)
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "time to live; defaults to the cookie maxAge or 24h")
	return cmd
}

func (a *app) destroyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, p storage.Provider) error {
				return p.Destroy(ctx, args[0])
			})
		},
	}
}

func (a *app) purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired sessions from backends without native expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, p storage.Provider) error {
				pp, ok := p.(purger)
				if !ok {
					return errors.New("backend does not support purge")
				}
				count, err := pp.Purge(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d expired sessions\n", count)
				return nil
			})
		},
	}
}
