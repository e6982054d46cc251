// Package config holds the statically-typed configuration of mysql2ch.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/siddontang/go-mysql/replication"
	"github.com/spf13/viper"
)

// MySQLSettings is the source server connection config.
type MySQLSettings struct {
	Host     string `mapstructure:"host"`
	Port     uint16 `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Charset  string `mapstructure:"charset"`
}

// ClickHouseSettings is the destination server connection config.
type ClickHouseSettings struct {
	Host               string `mapstructure:"host"`
	Port               uint16 `mapstructure:"port"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	ConnectTimeout     int    `mapstructure:"connection_timeout"`
	SendReceiveTimeout int    `mapstructure:"send_receive_timeout"`
}

// BinlogSettings controls the binlog ingestor and its on-disk event log.
type BinlogSettings struct {
	DataDir            string `mapstructure:"data_dir"`
	RecordsPerSegment  int    `mapstructure:"records_per_file"`
	RetentionPeriodSec int    `mapstructure:"binlog_retention_period"`
	EventsPerSecond    int64  `mapstructure:"events_per_second"`
}

// RetentionPeriod returns the segment retention period as a duration.
func (s *BinlogSettings) RetentionPeriod() time.Duration {
	return time.Duration(s.RetentionPeriodSec) * time.Second
}

// Config is the full replicator configuration, loaded from a yaml file.
type Config struct {
	MySQL      MySQLSettings      `mapstructure:"mysql"`
	ClickHouse ClickHouseSettings `mapstructure:"clickhouse"`
	Binlog     BinlogSettings     `mapstructure:"binlog_replicator"`

	// Include/exclude glob patterns ('*', '*substr*') on database and table
	// names. Empty include means all non-excluded names pass.
	Databases        []string `mapstructure:"databases"`
	Tables           []string `mapstructure:"tables"`
	ExcludeDatabases []string `mapstructure:"exclude_databases"`
	ExcludeTables    []string `mapstructure:"exclude_tables"`

	// TargetDatabases remaps a source database name to a different
	// destination database name.
	TargetDatabases map[string]string `mapstructure:"target_databases"`

	// TypesMapping overrides the destination type for a given mysql type.
	TypesMapping map[string]string `mapstructure:"types_mapping"`

	// IgnoreDeletes disables propagation of source deletes. In this mode the
	// initial replication writes directly to the final database (no staging
	// swap).
	IgnoreDeletes bool `mapstructure:"ignore_deletes"`

	InitialReplicationWorkers   int `mapstructure:"initial_replication_workers"`
	InitialReplicationBatchSize int `mapstructure:"initial_replication_batch_size"`

	MySQLTimezone string `mapstructure:"mysql_timezone"`

	HTTPHost string `mapstructure:"http_host"`
	HTTPPort uint16 `mapstructure:"http_port"`

	AutoRestartIntervalSec    int `mapstructure:"auto_restart_interval"`
	CheckDBUpdatedIntervalSec int `mapstructure:"check_db_updated_interval"`
	OptimizeIntervalSec       int `mapstructure:"optimize_interval"`

	// ConfigFile is the path this config was loaded from, child processes are
	// started with it.
	ConfigFile string `mapstructure:"-"`
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.charset", "utf8mb4")
	v.SetDefault("clickhouse.port", 9000)
	v.SetDefault("clickhouse.connection_timeout", 30)
	v.SetDefault("clickhouse.send_receive_timeout", 120)
	v.SetDefault("binlog_replicator.data_dir", "binlog")
	v.SetDefault("binlog_replicator.records_per_file", 100000)
	v.SetDefault("binlog_replicator.binlog_retention_period", 43200)
	v.SetDefault("initial_replication_workers", 4)
	v.SetDefault("initial_replication_batch_size", 50000)
	v.SetDefault("mysql_timezone", "UTC")
	v.SetDefault("check_db_updated_interval", 120)
	v.SetDefault("optimize_interval", 86400)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.WithMessage(err, "config.Load read error")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WithMessage(err, "config.Load unmarshal error")
	}
	cfg.ConfigFile = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks config invariants that can be checked without connecting
// anywhere.
func (cfg *Config) Validate() error {
	if cfg.MySQL.Host == "" {
		return errors.New("config: mysql.host is required")
	}
	if cfg.ClickHouse.Host == "" {
		return errors.New("config: clickhouse.host is required")
	}
	if cfg.Binlog.DataDir == "" {
		return errors.New("config: binlog_replicator.data_dir is required")
	}
	if cfg.Binlog.RecordsPerSegment <= 0 {
		return errors.Errorf("config: binlog_replicator.records_per_file should be positive, got %d", cfg.Binlog.RecordsPerSegment)
	}
	if cfg.Binlog.RetentionPeriodSec <= 0 {
		return errors.Errorf("config: binlog_replicator.binlog_retention_period should be positive, got %d", cfg.Binlog.RetentionPeriodSec)
	}
	if cfg.Binlog.EventsPerSecond < 0 {
		return errors.Errorf("config: binlog_replicator.events_per_second should not be negative, got %d", cfg.Binlog.EventsPerSecond)
	}
	if cfg.InitialReplicationWorkers < 1 {
		return errors.Errorf("config: initial_replication_workers should be at least 1, got %d", cfg.InitialReplicationWorkers)
	}
	if cfg.InitialReplicationBatchSize < 1 {
		return errors.Errorf("config: initial_replication_batch_size should be at least 1, got %d", cfg.InitialReplicationBatchSize)
	}
	if cfg.OptimizeIntervalSec < 0 {
		return errors.Errorf("config: optimize_interval should not be negative, got %d", cfg.OptimizeIntervalSec)
	}
	if _, err := time.LoadLocation(cfg.MySQLTimezone); err != nil {
		return errors.Errorf("config: unknown mysql_timezone %q", cfg.MySQLTimezone)
	}
	for _, pats := range [][]string{cfg.Databases, cfg.Tables, cfg.ExcludeDatabases, cfg.ExcludeTables} {
		for _, pat := range pats {
			if strings.TrimSpace(pat) == "" {
				return errors.New("config: empty filter pattern")
			}
		}
	}
	return nil
}

// TargetDatabase returns the destination database name for a source database.
func (cfg *Config) TargetDatabase(db string) string {
	if target, ok := cfg.TargetDatabases[db]; ok {
		return target
	}
	return db
}

// AutoRestartInterval returns the replicator auto restart interval,
// 0 means disabled.
func (cfg *Config) AutoRestartInterval() time.Duration {
	return time.Duration(cfg.AutoRestartIntervalSec) * time.Second
}

// OptimizeInterval returns how often each destination database gets its
// tables merged with OPTIMIZE TABLE FINAL, 0 disables the optimizer.
func (cfg *Config) OptimizeInterval() time.Duration {
	return time.Duration(cfg.OptimizeIntervalSec) * time.Second
}

// CheckDBUpdatedInterval returns the interval of source database discovery.
func (cfg *Config) CheckDBUpdatedInterval() time.Duration {
	return time.Duration(cfg.CheckDBUpdatedIntervalSec) * time.Second
}

func (s *MySQLSettings) getCharset() string {
	if s.Charset != "" {
		return s.Charset
	}
	return "utf8mb4"
}

// ToDriverCfg builds the go-sql-driver config for metadata/snapshot queries.
func (s *MySQLSettings) ToDriverCfg() *mysql.Config {
	ret := mysql.NewConfig()
	ret.Net = "tcp"
	ret.Addr = fmt.Sprintf("%s:%d", s.Host, s.Port)
	ret.User = s.User
	ret.Passwd = s.Password
	ret.ParseTime = true
	ret.InterpolateParams = true
	if ret.Params == nil {
		ret.Params = map[string]string{}
	}
	ret.Params["charset"] = s.getCharset()
	return ret
}

// ToSyncerCfg builds the binlog syncer config. serverId must be unique among
// all replicas of the source server.
func (s *MySQLSettings) ToSyncerCfg(serverId uint32) replication.BinlogSyncerConfig {
	return replication.BinlogSyncerConfig{
		ServerID:   serverId,
		Host:       s.Host,
		Port:       s.Port,
		User:       s.User,
		Password:   s.Password,
		Charset:    s.getCharset(),
		ParseTime:  true,
		UseDecimal: true,
	}
}
