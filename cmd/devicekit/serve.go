package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nerrad567/devicekit/internal/configdb"
	"github.com/nerrad567/devicekit/internal/device"
	"github.com/nerrad567/devicekit/internal/gateway"
	"github.com/nerrad567/devicekit/internal/infrastructure/config"
	"github.com/nerrad567/devicekit/internal/infrastructure/database"
	"github.com/nerrad567/devicekit/internal/infrastructure/influxdb"
	"github.com/nerrad567/devicekit/internal/infrastructure/logging"
	"github.com/nerrad567/devicekit/internal/infrastructure/mqtt"
	"github.com/nerrad567/devicekit/internal/server"
	"github.com/nerrad567/devicekit/internal/worker"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve <server> <instance> [-ORBendPoint giop:tcp:<host>:<port>] [-file=<db>] [-v<n>] [-nodb -dlist <devices>]",
		Short: "Run a device server",
		Long: `Run a device server exporting every registered class the database
declares for <server>/<instance>.

Without -file or -nodb the SQLite database of the configuration is used.
With -nodb the devices named by -dlist belong to the class named like
<server>, else to the first registered class.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, argv []string) error {
			return runServe(cmd.Context(), root, argv)
		},
	}
	// Server arguments use single-dash flags of their own.
	cmd.Flags().SetInterspersed(false)
	return cmd
}

// serverOptions builds the server options from argv and the configuration.
// The returned database, when not nil, is owned by the caller.
func serverOptions(ctx context.Context, cfg *config.Config, argv []string) (server.Options, configdb.Database, error) {
	args, err := server.ParseArgs(argv)
	if err != nil {
		return server.Options{}, nil, err
	}
	if !args.HasEndpoint && cfg.Server.Port != 0 {
		args.Host, args.Port, args.HasEndpoint = cfg.Server.Host, cfg.Server.Port, true
	}
	if args.Verbosity < 0 {
		args.Verbosity = cfg.Server.Verbosity
	}

	classes, err := exportedClasses(args.Server)
	if err != nil {
		return server.Options{}, nil, err
	}
	opts := server.Options{
		Args:    args,
		Classes: classes,
		Workers: cfg.Server.Workers,
	}
	if cfg.Server.GreenMode != "" {
		mode, err := worker.ParseMode(cfg.Server.GreenMode)
		if err != nil {
			return server.Options{}, nil, err
		}
		opts.GreenMode = &mode
	}

	if args.File != "" || args.NoDB() {
		return opts, nil, nil
	}
	db, err := configdb.OpenSQL(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return server.Options{}, nil, fmt.Errorf("opening database: %w", err)
	}
	opts.DB = db
	return opts, db, nil
}

// exportedClasses lists the registered classes, the one named like the
// server first.
func exportedClasses(serverName string) ([]*device.Class, error) {
	var out []*device.Class
	for _, name := range device.Classes() {
		c, err := device.Lookup(name)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(name, serverName) {
			out = append([]*device.Class{c}, out...)
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func runServe(ctx context.Context, root *rootOptions, argv []string) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}

	opts, db, err := serverOptions(ctx, cfg, argv)
	if err != nil {
		return err
	}
	log := logging.New(logging.ForVerbosity(cfg.Logging, opts.Args.Verbosity), version)
	opts.Logger = log
	log.Info("starting devicekit server",
		"server", opts.Args.ServerName(),
		"version", version,
		"commit", commit,
		"build_date", date,
	)
	if db != nil {
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("database connected", "path", cfg.Database.Path)
	}

	if cfg.MQTT.Enabled {
		mqttClient, err := mqtt.Connect(cfg.MQTT, opts.Args.ServerName())
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		mqttClient.SetLogger(log)
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected", "broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port))
		opts.MQTT = mqttClient
	}

	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		opts.Archive = influxClient
	}

	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		opts.PostInit = func(_ context.Context, s *server.Server) error {
			g, err := gateway.New(gateway.Deps{Config: cfg.Gateway, Logger: log, Server: s, Version: version})
			if err != nil {
				return err
			}
			if err := g.Start(ctx); err != nil {
				return err
			}
			gw = g
			return nil
		}
	}

	srv, err := server.New(opts)
	if err != nil {
		return err
	}
	runErr := srv.Run(ctx)
	if gw != nil {
		if err := gw.Close(); err != nil {
			log.Error("error closing gateway", "error", err)
		}
	}
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	log.Info("devicekit server stopped", "server", srv.Name())
	return nil
}
