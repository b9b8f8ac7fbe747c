package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Meraki    MerakiConfig
	Database  DatabaseConfig
	Collector CollectorConfig
	Report    ReportConfig
	Server    ServerConfig
	Metrics   MetricsConfig
	Log       LogConfig
}

type MerakiConfig struct {
	BaseURL           string
	APIKey            string
	OrganizationID    string
	RequestsPerSecond float64
	PerPage           int
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Timeout           time.Duration
}

type DatabaseConfig struct {
	Driver         string
	URL            string
	MaxConnections int
	MaxIdleConns   int
}

type CollectorConfig struct {
	OverlapBuffer   time.Duration
	BootstrapWindow time.Duration
	Schedule        string
	RunTimeout      time.Duration
}

type ReportConfig struct {
	Timezone string
	Days     int
	Weeks    int
	Months   int
}

type ServerConfig struct {
	Port      string
	Mode      string
	JWTSecret string
}

type MetricsConfig struct {
	RemoteWriteURL string
	TenantHeader   string
	BatchSize      int
	FlushInterval  time.Duration
	AuthToken      string
}

type LogConfig struct {
	Level       string
	Development bool
}

// Location resolves the reference timezone used for calendar buckets.
func (r ReportConfig) Location() (*time.Location, error) {
	if r.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid report timezone %q: %w", r.Timezone, err)
	}
	return loc, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("meraki.baseurl", "https://api.meraki.com/api/v1")
	v.SetDefault("meraki.apikey", "")
	v.SetDefault("meraki.organizationid", "")
	v.SetDefault("meraki.requestspersecond", 10)
	v.SetDefault("meraki.perpage", 1000)
	v.SetDefault("meraki.maxretries", 5)
	v.SetDefault("meraki.basedelay", "1s")
	v.SetDefault("meraki.maxdelay", "30s")
	v.SetDefault("meraki.timeout", "30s")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.url", "client_history.db")
	v.SetDefault("database.maxconnections", 25)
	v.SetDefault("database.maxidleconns", 5)
	v.SetDefault("collector.overlapbuffer", "90m")
	v.SetDefault("collector.bootstrapwindow", "720h")
	v.SetDefault("collector.schedule", "0 * * * *")
	v.SetDefault("collector.runtimeout", "30m")
	v.SetDefault("report.timezone", "UTC")
	v.SetDefault("report.days", 7)
	v.SetDefault("report.weeks", 4)
	v.SetDefault("report.months", 3)
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.jwtsecret", "")
	v.SetDefault("metrics.remotewriteurl", "")
	v.SetDefault("metrics.authtoken", "")
	v.SetDefault("metrics.tenantheader", "X-Scope-OrgID")
	v.SetDefault("metrics.batchsize", 1000)
	v.SetDefault("metrics.flushinterval", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// flagAliases maps short command line flag names onto config keys.
var flagAliases = map[string]string{
	"org":      "meraki.organizationid",
	"db":       "database.url",
	"driver":   "database.driver",
	"timezone": "report.timezone",
	"days":     "report.days",
	"weeks":    "report.weeks",
	"months":   "report.months",
	"port":     "server.port",
	"schedule": "collector.schedule",
	"verbose":  "log.development",
}

// Load reads config.yaml (from "." or "./config"), a .env file if present,
// COUNTER_* environment variables and, when flags is non-nil, command line
// flags named after config keys (e.g. "report.days") or one of flagAliases.
func Load(flags *pflag.FlagSet) (*Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("COUNTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		if path, err := flags.GetString("config"); err == nil && path != "" {
			v.SetConfigFile(path)
		}
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
		for name, key := range flagAliases {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Variable names commonly used by Meraki tooling.
	if key := os.Getenv("MERAKI_API_KEY"); key != "" && cfg.Meraki.APIKey == "" {
		cfg.Meraki.APIKey = key
	}
	if org := os.Getenv("MERAKI_ORG_ID"); org != "" && cfg.Meraki.OrganizationID == "" {
		cfg.Meraki.OrganizationID = org
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MaxRequestsPerSecond is the Dashboard API rate limit per organization.
const MaxRequestsPerSecond = 10

// Validate checks the values the core components cannot run without.
// Credentials are checked by the commands that need them.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Meraki.RequestsPerSecond <= 0 || c.Meraki.RequestsPerSecond > MaxRequestsPerSecond {
		return fmt.Errorf("meraki.requestspersecond must be in (0, %d], got %g",
			MaxRequestsPerSecond, c.Meraki.RequestsPerSecond)
	}
	if c.Meraki.MaxRetries < 0 {
		return fmt.Errorf("meraki.maxretries must not be negative")
	}
	if c.Collector.OverlapBuffer < 0 {
		return fmt.Errorf("collector.overlapbuffer must not be negative")
	}
	if _, err := c.Report.Location(); err != nil {
		return err
	}
	return nil
}
