// Package supervisor runs the whole replication pipeline as a tree of child
// processes: one binlog ingestor, one table optimizer and one replicator per
// tracked source database. Dead children are restarted, the database list is
// re-discovered on an interval, and a small HTTP endpoint exposes status and
// restart.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/huangjunwen/mysql2ch/config"
	"github.com/huangjunwen/mysql2ch/eventlog"
	"github.com/huangjunwen/mysql2ch/ingest"
	"github.com/huangjunwen/mysql2ch/replicator"
	"github.com/huangjunwen/mysql2ch/state"
)

// superviseInterval is how often children are checked for death.
const superviseInterval = time.Second

// Discoverer lists the source databases to replicate. Satisfied by
// mysqlapi.Client.
type Discoverer interface {
	Databases(ctx context.Context) ([]string, error)
}

// Runner is the process supervisor.
type Runner struct {
	cfg    *config.Config
	logger zerolog.Logger
	disc   Discoverer
	runID  xid.ID

	mu        sync.Mutex
	binlog    *ProcessRunner
	optimizer *ProcessRunner
	dbs       map[string]*ProcessRunner
	startedAt map[string]time.Time
}

// NewRunner builds a supervisor.
func NewRunner(cfg *config.Config, disc Discoverer, logger zerolog.Logger) *Runner {
	runID := xid.New()
	return &Runner{
		cfg:       cfg,
		logger:    logger.With().Str("component", "supervisor").Str("run_id", runID.String()).Logger(),
		disc:      disc,
		runID:     runID,
		dbs:       map[string]*ProcessRunner{},
		startedAt: map[string]time.Time{},
	}
}

func (r *Runner) binlogArgs() []string {
	return []string{"--config", r.cfg.ConfigFile, "binlog"}
}

func (r *Runner) dbArgs(db string) []string {
	return []string{"--config", r.cfg.ConfigFile, "db", "--db", db}
}

func (r *Runner) optimizerArgs() []string {
	return []string{"--config", r.cfg.ConfigFile, "db_optimizer"}
}

// Run starts all children and supervises them until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	dbs, err := r.trackedDatabases(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.binlog = NewProcessRunner("binlog", r.binlogArgs(), r.logger)
	if err := r.binlog.Start(); err != nil {
		r.mu.Unlock()
		return err
	}
	if r.cfg.OptimizeInterval() > 0 {
		r.optimizer = NewProcessRunner("db_optimizer", r.optimizerArgs(), r.logger)
		if err := r.optimizer.Start(); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	for _, db := range dbs {
		if err := r.startDBLocked(db); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	r.mu.Unlock()
	defer r.stopAll()

	httpErr := make(chan error, 1)
	if r.cfg.HTTPPort != 0 {
		srv := r.httpServer()
		go func() { httpErr <- srv.ListenAndServe() }()
		defer srv.Close()
	}

	superviseTicker := time.NewTicker(superviseInterval)
	defer superviseTicker.Stop()
	discoverTicker := time.NewTicker(r.cfg.CheckDBUpdatedInterval())
	defer discoverTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-httpErr:
			if err != nil && err != http.ErrServerClosed {
				return errors.WithStack(err)
			}

		case <-superviseTicker.C:
			if err := r.superviseOnce(); err != nil {
				return err
			}

		case <-discoverTicker.C:
			if err := r.checkDatabasesUpdated(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("database discovery failed")
			}
		}
	}
}

// trackedDatabases discovers and filters the source databases.
func (r *Runner) trackedDatabases(ctx context.Context) ([]string, error) {
	all, err := r.disc.Databases(ctx)
	if err != nil {
		return nil, err
	}
	dbs := []string{}
	for _, db := range all {
		if r.cfg.DatabaseMatches(db) {
			dbs = append(dbs, db)
		}
	}
	return dbs, nil
}

func (r *Runner) startDBLocked(db string) error {
	p := NewProcessRunner("db:"+db, r.dbArgs(db), r.logger)
	if err := p.Start(); err != nil {
		return err
	}
	r.dbs[db] = p
	r.startedAt[db] = time.Now()
	return nil
}

// superviseOnce restarts dead children and applies the auto restart
// interval to replicator children.
func (r *Runner) superviseOnce() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.binlog.RestartDeadIfRequired(); err != nil {
		return err
	}
	if r.optimizer != nil {
		if err := r.optimizer.RestartDeadIfRequired(); err != nil {
			return err
		}
	}
	for db, p := range r.dbs {
		if interval := r.cfg.AutoRestartInterval(); interval > 0 && time.Since(r.startedAt[db]) >= interval {
			r.logger.Info().Str("db", db).Msg("auto restart interval elapsed")
			if err := p.Restart(); err != nil {
				return err
			}
			r.startedAt[db] = time.Now()
			continue
		}
		if err := p.RestartDeadIfRequired(); err != nil {
			return err
		}
	}
	return nil
}

// checkDatabasesUpdated reconciles the child set with the current source
// database list: new databases get a replicator, removed ones are stopped.
func (r *Runner) checkDatabasesUpdated(ctx context.Context) error {
	dbs, err := r.trackedDatabases(ctx)
	if err != nil {
		return err
	}
	current := map[string]bool{}
	for _, db := range dbs {
		current[db] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for db, p := range r.dbs {
		if !current[db] {
			r.logger.Info().Str("db", db).Msg("database gone, stopping replicator")
			p.Stop()
			delete(r.dbs, db)
			delete(r.startedAt, db)
		}
	}
	for _, db := range dbs {
		if _, ok := r.dbs[db]; !ok {
			r.logger.Info().Str("db", db).Msg("new database, starting replicator")
			if err := r.startDBLocked(db); err != nil {
				return err
			}
		}
	}
	return nil
}

// restartAll stops and starts every child.
func (r *Runner) restartAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.binlog.Restart(); err != nil {
		return err
	}
	if r.optimizer != nil {
		if err := r.optimizer.Restart(); err != nil {
			return err
		}
	}
	for db, p := range r.dbs {
		if err := p.Restart(); err != nil {
			return err
		}
		r.startedAt[db] = time.Now()
	}
	return nil
}

func (r *Runner) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for db, p := range r.dbs {
		p.Stop()
		delete(r.dbs, db)
	}
	if r.optimizer != nil {
		r.optimizer.Stop()
	}
	if r.binlog != nil {
		r.binlog.Stop()
	}
}

func (r *Runner) httpServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/restart", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		r.logger.Info().Msg("restart requested over http")
		if err := r.restartAll(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		dbs := make([]string, 0, len(r.dbs))
		for db := range r.dbs {
			dbs = append(dbs, db)
		}
		r.mu.Unlock()

		st, err := CollectStatus(r.cfg, dbs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		st.RunID = r.runID.String()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(st)
	})
	addr := net.JoinHostPort(r.cfg.HTTPHost, fmt.Sprint(r.cfg.HTTPPort))
	return &http.Server{Addr: addr, Handler: mux}
}

// DatabaseStatus is the externally visible state of one replicator.
type DatabaseStatus struct {
	Database string            `json:"database"`
	Status   string            `json:"status"`
	PID      int               `json:"pid"`
	Position eventlog.Position `json:"position"`
	Tables   []string          `json:"tables"`
}

// Status is the externally visible state of the whole pipeline.
type Status struct {
	RunID          string            `json:"run_id,omitempty"`
	BinlogPID      int               `json:"binlog_pid"`
	BinlogPosition eventlog.Position `json:"binlog_position"`
	Databases      []DatabaseStatus  `json:"databases"`
}

// CollectStatus reads the on-disk state files of the ingestor and the given
// databases. It is used by the HTTP endpoint and by the monitoring mode.
func CollectStatus(cfg *config.Config, dbs []string) (*Status, error) {
	bst, err := state.LoadBinlogState(ingest.BinlogStatePath(cfg.Binlog.DataDir))
	if err != nil {
		return nil, err
	}
	st := &Status{
		BinlogPID:      bst.PID,
		BinlogPosition: bst.Position,
		Databases:      []DatabaseStatus{},
	}
	for _, db := range dbs {
		rst, err := state.LoadReplicationState(replicator.StatePath(cfg.Binlog.DataDir, db))
		if err != nil {
			return nil, err
		}
		st.Databases = append(st.Databases, DatabaseStatus{
			Database: db,
			Status:   rst.Status.String(),
			PID:      rst.PID,
			Position: rst.Position,
			Tables:   rst.Tables,
		})
	}
	return st, nil
}
