package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// --- Main ---

func newApp() *cli.App {
	return &cli.App{
		Name:  "mantis-defect-sync",
		Usage: "Add defects into the t_defect table from a Mantis project",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "mantis-project",
				Aliases:  []string{"m"},
				Usage:    `Mantis project name (e.g. "FC60X0_PARROT")`,
				Required: true,
			},
			&cli.StringFlag{
				Name:     "project-name",
				Aliases:  []string{"p"},
				Usage:    `Test-management project (e.g. "HipHop FC6000 4.50 OEM")`,
				Required: true,
			},
			&cli.StringFlag{
				Name:     "plan-name",
				Aliases:  []string{"n"},
				Usage:    `Plan name, also used as the Mantis version filter (e.g. "03.72.01")`,
				Required: true,
			},
			&cli.StringFlag{
				Name:     "run-name",
				Aliases:  []string{"r"},
				Usage:    `Run name (e.g. "03.72.01 - P 256L_Generic_I2C")`,
				Required: true,
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file with mantis/database/log settings",
				EnvVars: []string{"MANTIS_DEFECT_SYNC_CONFIG"},
			},
			&cli.StringFlag{Name: "mantis-url", Usage: "Mantis base URL", EnvVars: []string{"MANTIS_URL"}},
			&cli.StringFlag{Name: "mantis-login", Usage: "Mantis login", EnvVars: []string{"MANTIS_LOGIN"}},
			&cli.StringFlag{Name: "mantis-password", Usage: "Mantis password", EnvVars: []string{"MANTIS_PASSWORD"}},
			&cli.StringFlag{Name: "mantis-token", Usage: "Mantis API token (preferred over login/password)", EnvVars: []string{"MANTIS_TOKEN"}},
			&cli.StringFlag{Name: "db-driver", Usage: "Database driver (mysql, sqlite)", EnvVars: []string{"DB_DRIVER"}},
			&cli.StringFlag{Name: "db-host", Usage: "MySQL host", EnvVars: []string{"DB_HOST"}},
			&cli.IntFlag{Name: "db-port", Usage: "MySQL port", EnvVars: []string{"DB_PORT"}},
			&cli.StringFlag{Name: "db-user", Usage: "MySQL user", EnvVars: []string{"DB_USER"}},
			&cli.StringFlag{Name: "db-password", Usage: "MySQL password", EnvVars: []string{"DB_PASSWORD"}},
			&cli.StringFlag{Name: "db-name", Usage: "MySQL database name", EnvVars: []string{"DB_NAME"}},
			&cli.StringFlag{Name: "db-path", Usage: "SQLite file path (sqlite driver only)", EnvVars: []string{"DB_PATH"}},
			&cli.BoolFlag{Name: "create-table", Usage: "Create t_defect if it does not exist"},
			&cli.BoolFlag{Name: "dry-run", Usage: "Log the defects that would be inserted without writing them"},
			&cli.StringFlag{Name: "log-level", Usage: "Log level (debug, info, warn, error)", EnvVars: []string{"LOG_LEVEL"}},
			&cli.StringFlag{Name: "log-format", Usage: "Log format (text, json)", EnvVars: []string{"LOG_FORMAT"}},
		},
		Action: func(c *cli.Context) error {
			cfg, err := configFromContext(c)
			if err != nil {
				return err
			}
			if err := initLogging(cfg.Log.Level, cfg.Log.Format, c.App.ErrWriter); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			tracker := newMantisClient(cfg.Mantis)

			var inserter RowInserter
			if cfg.DryRun {
				inserter = logInserter{logger: slog.Default()}
			} else {
				store, err := openDefectStore(ctx, cfg.Database)
				if err != nil {
					return err
				}
				defer store.Close()
				inserter = store
			}

			summary, err := syncDefects(ctx, tracker, inserter, SyncParams{
				MantisProject: c.String("mantis-project"),
				ProjectName:   c.String("project-name"),
				PlanName:      c.String("plan-name"),
				RunName:       c.String("run-name"),
			})
			if err != nil {
				return err
			}

			slog.Info("sync complete",
				"bugs", summary.Bugs, "scripts", summary.Scripts,
				"inserted", summary.Inserted, "ignored", summary.Ignored)
			return nil
		},
	}
}

// configFromContext layers defaults, the optional config file and any flag or
// env var that was set, in that order.
func configFromContext(c *cli.Context) (Config, error) {
	cfg := defaultConfig()
	if path := c.String("config"); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	overrides := []struct {
		flag string
		dst  *string
	}{
		{"mantis-url", &cfg.Mantis.URL},
		{"mantis-login", &cfg.Mantis.Login},
		{"mantis-password", &cfg.Mantis.Password},
		{"mantis-token", &cfg.Mantis.Token},
		{"db-driver", &cfg.Database.Driver},
		{"db-host", &cfg.Database.Host},
		{"db-user", &cfg.Database.User},
		{"db-password", &cfg.Database.Password},
		{"db-name", &cfg.Database.Name},
		{"db-path", &cfg.Database.Path},
		{"log-level", &cfg.Log.Level},
		{"log-format", &cfg.Log.Format},
	}
	for _, s := range overrides {
		if c.IsSet(s.flag) {
			*s.dst = c.String(s.flag)
		}
	}
	if c.IsSet("db-port") {
		cfg.Database.Port = c.Int("db-port")
	}
	if c.IsSet("create-table") {
		cfg.Database.CreateTable = c.Bool("create-table")
	}
	cfg.DryRun = c.Bool("dry-run")
	return cfg, nil
}

func main() {
	if err := newApp().RunContext(context.Background(), os.Args); err != nil {
		log.Fatal(fmt.Errorf("mantis-defect-sync: %w", err))
	}
}
