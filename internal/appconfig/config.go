package appconfig

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

type DatabaseConfig struct {
	URL     string `toml:"url"`
	APIKey  string `toml:"api_key"`
	Migrate bool   `toml:"migrate"`
}

type PLCConfig struct {
	Type              string `toml:"type"`
	Address           string `toml:"address"`
	UnitID            int    `toml:"unit_id"`
	ByteOrder         string `toml:"byte_order"`
	WordOrder         string `toml:"word_order"`
	TimeoutMS         int    `toml:"timeout_ms"`
	ValveCoilBase     int    `toml:"valve_coil_base"`
	ValveDurationBase int    `toml:"valve_duration_base"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type DataLogConfig struct {
	IntervalMS       int     `toml:"interval_ms"`
	BatchSize        int     `toml:"batch_size"`
	ReconcileEpsilon float64 `toml:"reconcile_epsilon"`
	MaxReadWorkers   int     `toml:"max_read_workers"`
}

type CommandsConfig struct {
	Feed           bool   `toml:"feed"`
	Publication    string `toml:"publication"`
	Slot           string `toml:"slot"`
	PollIntervalMS int    `toml:"poll_interval_ms"`
}

type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
	Port    int    `toml:"port"`
}

type TracingConfig struct {
	Enabled      bool    `toml:"enabled"`
	Exporter     string  `toml:"exporter"`
	OTLPEndpoint string  `toml:"otlp_endpoint"`
	FilePath     string  `toml:"file_path"`
	SampleRate   float64 `toml:"sample_rate"`
}

type DaemonConfig struct {
	PIDFile   string `toml:"pid_file"`
	StateFile string `toml:"state_file"`
}

type Config struct {
	MachineID string         `toml:"machine_id"`
	Database  DatabaseConfig `toml:"database"`
	PLC       PLCConfig      `toml:"plc"`
	Logging   LoggingConfig  `toml:"logging"`
	DataLog   DataLogConfig  `toml:"datalog"`
	Commands  CommandsConfig `toml:"commands"`
	Server    ServerConfig   `toml:"server"`
	Tracing   TracingConfig  `toml:"tracing"`
	Daemon    DaemonConfig   `toml:"daemon"`
}

func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			URL: "postgres://localhost:5432/ald?sslmode=disable",
		},
		PLC: PLCConfig{
			Type:              "simulation",
			Address:           "127.0.0.1:502",
			UnitID:            1,
			ByteOrder:         "big",
			WordOrder:         "high",
			TimeoutMS:         1000,
			ValveCoilBase:     100,
			ValveDurationBase: 200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		DataLog: DataLogConfig{
			IntervalMS:       1000,
			BatchSize:        100,
			ReconcileEpsilon: 0.001,
			MaxReadWorkers:   4,
		},
		Commands: CommandsConfig{
			Feed:           true,
			Publication:    "ald_commands",
			Slot:           "aldctl_commands",
			PollIntervalMS: 5000,
		},
		Server: ServerConfig{
			Enabled: true,
			Listen:  "127.0.0.1",
			Port:    7654,
		},
		Tracing: TracingConfig{
			Exporter:   "none",
			SampleRate: 1.0,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = findConfigFile()
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	applyHomeDefaults(&cfg)
	return cfg, nil
}

func findConfigFile() string {
	candidates := []string{"aldctl.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".aldctl", "config.toml"))
	}
	candidates = append(candidates, "/etc/aldctl/config.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ALD_MACHINE_ID"); v != "" {
		cfg.MachineID = v
	}
	if v := os.Getenv("ALD_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("ALD_DATABASE_API_KEY"); v != "" {
		cfg.Database.APIKey = v
	}
	if v := os.Getenv("ALD_PLC_TYPE"); v != "" {
		cfg.PLC.Type = v
	}
	if v := os.Getenv("ALD_PLC_ADDRESS"); v != "" {
		cfg.PLC.Address = v
	}
	if v := os.Getenv("ALD_PLC_UNIT_ID"); v != "" {
		var id int
		if _, err := fmt.Sscanf(v, "%d", &id); err == nil {
			cfg.PLC.UnitID = id
		}
	}
	if v := os.Getenv("ALD_PLC_BYTE_ORDER"); v != "" {
		cfg.PLC.ByteOrder = v
	}
	if v := os.Getenv("ALD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ALD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("ALD_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("ALD_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
}

func applyHomeDefaults(cfg *Config) {
	dir := "."
	if home, err := os.UserHomeDir(); err == nil {
		dir = filepath.Join(home, ".aldctl")
	}
	if cfg.Daemon.PIDFile == "" {
		cfg.Daemon.PIDFile = filepath.Join(dir, "aldctl.pid")
	}
	if cfg.Daemon.StateFile == "" {
		cfg.Daemon.StateFile = filepath.Join(dir, "state.json")
	}
}

// ReplicationDSN returns the DSN with replication=database set, for the
// command feed's logical-replication connection.
func (c DatabaseConfig) ReplicationDSN() string {
	dsn := c.DSN()
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	q := u.Query()
	q.Set("replication", "database")
	u.RawQuery = q.Encode()
	return u.String()
}

// DSN returns the datastore connection string. When an API key is configured
// and the URL carries no password, the key is injected as the password.
func (c DatabaseConfig) DSN() string {
	if c.APIKey == "" {
		return c.URL
	}
	u, err := url.Parse(c.URL)
	if err != nil || u.User == nil {
		return c.URL
	}
	if _, has := u.User.Password(); has {
		return c.URL
	}
	u.User = url.UserPassword(u.User.Username(), c.APIKey)
	return u.String()
}

func (c Config) Validate() error {
	var errs []error

	if c.MachineID == "" {
		errs = append(errs, errors.New("machine_id is required"))
	} else if err := uuid.Validate(c.MachineID); err != nil {
		errs = append(errs, fmt.Errorf("machine_id must be a UUID: %w", err))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	switch c.PLC.Type {
	case "simulation", "modbus":
	default:
		errs = append(errs, fmt.Errorf("plc.type must be simulation or modbus, got %q", c.PLC.Type))
	}
	if c.PLC.Type == "modbus" && c.PLC.Address == "" {
		errs = append(errs, errors.New("plc.address is required for modbus"))
	}
	switch c.PLC.ByteOrder {
	case "big", "little":
	default:
		errs = append(errs, fmt.Errorf("plc.byte_order must be big or little, got %q", c.PLC.ByteOrder))
	}
	switch c.PLC.WordOrder {
	case "high", "low":
	default:
		errs = append(errs, fmt.Errorf("plc.word_order must be high or low, got %q", c.PLC.WordOrder))
	}
	if c.DataLog.IntervalMS < 100 {
		errs = append(errs, fmt.Errorf("datalog.interval_ms must be at least 100, got %d", c.DataLog.IntervalMS))
	}
	if c.DataLog.BatchSize < 1 {
		errs = append(errs, errors.New("datalog.batch_size must be positive"))
	}
	if c.DataLog.MaxReadWorkers < 1 {
		errs = append(errs, errors.New("datalog.max_read_workers must be positive"))
	}
	if c.DataLog.ReconcileEpsilon < 0 {
		errs = append(errs, errors.New("datalog.reconcile_epsilon must not be negative"))
	}
	if c.Commands.PollIntervalMS < 500 {
		errs = append(errs, fmt.Errorf("commands.poll_interval_ms must be at least 500, got %d", c.Commands.PollIntervalMS))
	}
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch c.Tracing.Exporter {
	case "none", "stdout", "file", "otlp":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter must be none, stdout, file or otlp, got %q", c.Tracing.Exporter))
	}

	return errors.Join(errs...)
}
