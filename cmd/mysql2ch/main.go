// Command mysql2ch replicates MySQL databases into ClickHouse.
//
// Modes:
//
//	mysql2ch --config config.yaml run_all              supervise everything
//	mysql2ch --config config.yaml binlog               binlog ingestor only
//	mysql2ch --config config.yaml db --db NAME         one database replicator
//	mysql2ch --config config.yaml db_optimizer         periodic table merges
//	mysql2ch --config config.yaml monitoring           periodic status log
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/huangjunwen/mysql2ch/chapi"
	"github.com/huangjunwen/mysql2ch/config"
	"github.com/huangjunwen/mysql2ch/ingest"
	"github.com/huangjunwen/mysql2ch/mysqlapi"
	"github.com/huangjunwen/mysql2ch/optimizer"
	"github.com/huangjunwen/mysql2ch/replicator"
	"github.com/huangjunwen/mysql2ch/supervisor"
	"github.com/huangjunwen/mysql2ch/zlog"
)

const monitoringInterval = 10 * time.Second

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s --config FILE (run_all | binlog | db --db NAME [--target_db NAME] [--initial_only] | db_optimizer | monitoring)\n", os.Args[0])
	os.Exit(2)
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path of the config file")
	fs.Parse(os.Args[1:])
	if fs.NArg() < 1 {
		usage()
	}
	mode := fs.Arg(0)

	logger := zlog.DefaultZLogger
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "run_all":
		err = runAll(ctx, cfg)
	case "binlog":
		err = ingest.NewIngestor(cfg, logger).Run(ctx)
	case "db":
		err = runDB(ctx, cfg, fs.Args()[1:])
	case "db_optimizer":
		err = runOptimizer(ctx, cfg)
	case "monitoring":
		err = runMonitoring(ctx, cfg)
	default:
		usage()
	}
	if err != nil {
		logger.Fatal().Err(err).Str("mode", mode).Msg("exited with error")
	}
}

func runAll(ctx context.Context, cfg *config.Config) error {
	src, err := mysqlapi.NewClient(&cfg.MySQL)
	if err != nil {
		return err
	}
	defer src.Close()
	return supervisor.NewRunner(cfg, src, zlog.DefaultZLogger).Run(ctx)
}

func runDB(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	db := fs.String("db", "", "source database to replicate")
	targetDB := fs.String("target_db", "", "override the destination database name")
	initialOnly := fs.Bool("initial_only", false, "stop after the initial replication")
	fs.Parse(args)
	if *db == "" {
		usage()
	}

	src, err := mysqlapi.NewClient(&cfg.MySQL)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := chapi.NewClient(&cfg.ClickHouse, zlog.DefaultZLogger)
	if err != nil {
		return err
	}
	defer dst.Close()

	opts := []replicator.Option{}
	if *targetDB != "" {
		opts = append(opts, replicator.TargetDatabase(*targetDB))
	}
	if *initialOnly {
		opts = append(opts, replicator.InitialOnly())
	}
	r, err := replicator.New(cfg, *db, src, dst, zlog.DefaultZLogger, opts...)
	if err != nil {
		return err
	}
	return r.Run(ctx)
}

func runOptimizer(ctx context.Context, cfg *config.Config) error {
	src, err := mysqlapi.NewClient(&cfg.MySQL)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := chapi.NewClient(&cfg.ClickHouse, zlog.DefaultZLogger)
	if err != nil {
		return err
	}
	defer dst.Close()
	return optimizer.New(cfg, src, dst, zlog.DefaultZLogger).Run(ctx)
}

func runMonitoring(ctx context.Context, cfg *config.Config) error {
	src, err := mysqlapi.NewClient(&cfg.MySQL)
	if err != nil {
		return err
	}
	defer src.Close()
	logger := zlog.DefaultZLogger

	ticker := time.NewTicker(monitoringInterval)
	defer ticker.Stop()
	for {
		dbs, err := src.Databases(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("database discovery failed")
		} else {
			tracked := []string{}
			for _, db := range dbs {
				if cfg.DatabaseMatches(db) {
					tracked = append(tracked, db)
				}
			}
			st, err := supervisor.CollectStatus(cfg, tracked)
			if err != nil {
				logger.Warn().Err(err).Msg("status collection failed")
			} else {
				ev := logger.Info().
					Int("binlog_pid", st.BinlogPID).
					Str("binlog_pos", st.BinlogPosition.String())
				for _, db := range st.Databases {
					ev = ev.Str("db_"+db.Database, fmt.Sprintf("%s pid=%d pos=%s", db.Status, db.PID, db.Position))
				}
				ev.Msg("status")
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
