package cli

import (
	"context"
	"database/sql"
	"io"

	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/kbukum/sagakit/bootstrap"
	"github.com/kbukum/sagakit/config"
	"github.com/kbukum/sagakit/kafka"
	"github.com/kbukum/sagakit/logger"
	"github.com/kbukum/sagakit/saga"
)

// rootOptions carries the persistent flags and the collaborators commands
// build on. Tests replace the collaborators.
type rootOptions struct {
	configPath string
	output     string
	verbose    bool

	defs   *saga.DefinitionRegistry
	logger *logger.Logger

	newReader   func(cfg kafka.Config, log *logger.Logger) (*kafka.EventReader, error)
	openDB      func(dsn string) (*sql.DB, error)
	driverFunc  func(db *sql.DB) (migratedb.Driver, error)
	extraAppOpt []bootstrap.Option
}

// NewRootCommand builds the sagactl command tree. defs holds the
// definitions resume and recover continue sagas with; the demo definition
// is added to it.
func NewRootCommand(defs *saga.DefinitionRegistry) *cobra.Command {
	if defs == nil {
		defs = saga.NewDefinitionRegistry()
	}
	return newRoot(&rootOptions{
		defs:      defs,
		newReader: kafka.NewEventReader,
		openDB: func(dsn string) (*sql.DB, error) {
			return sql.Open("pgx", dsn)
		},
		driverFunc: func(db *sql.DB) (migratedb.Driver, error) {
			return migratepg.WithInstance(db, &migratepg.Config{})
		},
	})
}

func newRoot(o *rootOptions) *cobra.Command {
	if _, ok := o.defs.Get(DemoSagaName); !ok {
		_ = o.defs.Register(DemoDefinition())
	}

	root := &cobra.Command{
		Use:   "sagactl",
		Short: "Inspect and operate sagakit saga executions",
		Long: `sagactl works against the snapshot store, locker and event stream
configured in sagakit.yml (or SAGAKIT_* environment variables).`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&o.configPath, "config", "c", "", "config file (default: ./sagakit.yml, ./config/sagakit.yml)")
	root.PersistentFlags().StringVarP(&o.output, "output", "o", "yaml", "output format: yaml or json")
	root.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newListCmd(o),
		newShowCmd(o),
		newDeleteCmd(o),
		newResumeCmd(o),
		newRecoverCmd(o),
		newDemoCmd(o),
		newStatusCmd(o),
		newConfigCmd(o),
		newMigrateCmd(o),
		newWatchCmd(o),
		newVersionCmd(o),
	)
	return root
}

// loadConfig reads the config and points logging at stderr so command
// output stays parseable.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	cfg.Logging.ForCommand(o.verbose)
	return cfg, nil
}

func (o *rootOptions) log(cfg *config.Config) *logger.Logger {
	if o.logger != nil {
		return o.logger
	}
	logger.Init(cfg.Logging)
	return logger.GetGlobalLogger()
}

// runApp starts the configured stack, runs task and shuts down. Startup
// recovery runs only when recovery is true, so inspection commands never
// resume sagas that belong to a running service.
func (o *rootOptions) runApp(cmd *cobra.Command, recovery bool, task func(ctx context.Context, app *bootstrap.App) error) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	cfg.Saga.DisableRecovery = !recovery

	opts := []bootstrap.Option{
		bootstrap.WithDefinitions(o.defs),
		bootstrap.WithLogger(o.log(cfg)),
		bootstrap.WithSummaryOutput(io.Discard),
		bootstrap.WithPrometheusRegisterer(prometheus.NewRegistry()),
	}
	opts = append(opts, o.extraAppOpt...)
	app, err := bootstrap.New(cfg, opts...)
	if err != nil {
		return err
	}
	return app.RunTask(cmd.Context(), func(ctx context.Context) error {
		return task(ctx, app)
	})
}
