package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "RAMPDEPLOY"

type Config struct {
	AWS          AWSConfig                    `mapstructure:"aws"`
	State        StateConfig                  `mapstructure:"state"`
	Lock         LockConfig                   `mapstructure:"lock"`
	Docker       DockerConfig                 `mapstructure:"docker"`
	Orchestrator OrchestratorConfig           `mapstructure:"orchestrator"`
	Audit        AuditConfig                  `mapstructure:"audit"`
	Timeouts     TimeoutsConfig               `mapstructure:"timeouts"`
	Scheduler    SchedulerConfig              `mapstructure:"scheduler"`
	Environments map[string]EnvironmentConfig `mapstructure:"environments"`
}

type AWSConfig struct {
	Region   string `mapstructure:"region"`
	Profile  string `mapstructure:"profile"`
	Endpoint string `mapstructure:"endpoint"`
	RoleARN  string `mapstructure:"role_arn"`
}

type StateConfig struct {
	// Backend is one of memory, file or postgres.
	Backend     string `mapstructure:"backend"`
	Dir         string `mapstructure:"dir"`
	PostgresDSN string `mapstructure:"postgres_dsn"`

	MaxOpenConns        int `mapstructure:"max_open_conns"`
	MaxIdleConns        int `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeSecs int `mapstructure:"conn_max_lifetime_secs"`
}

type LockConfig struct {
	// Backend is local or redis.
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	TTLSecs       int    `mapstructure:"ttl_secs"`
}

type DockerConfig struct {
	Host string `mapstructure:"host"`
}

type OrchestratorConfig struct {
	TemporalAddr string `mapstructure:"temporal_addr"`
	Namespace    string `mapstructure:"namespace"`
	TaskQueue    string `mapstructure:"task_queue"`
	HealthAddr   string `mapstructure:"health_addr"`
}

// AuditConfig enables the deployment event trail. It needs the postgres
// state backend.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Actor   string `mapstructure:"actor"`
}

type TimeoutsConfig struct {
	CertificateSecs     int `mapstructure:"certificate_secs"`
	CertificatePollSecs int `mapstructure:"certificate_poll_secs"`
	StableSecs          int `mapstructure:"stable_secs"`
	ServicePollSecs     int `mapstructure:"service_poll_secs"`
	FailureThreshold    int `mapstructure:"failure_threshold"`
}

func (t TimeoutsConfig) Certificate() time.Duration {
	return time.Duration(t.CertificateSecs) * time.Second
}

func (t TimeoutsConfig) CertificatePoll() time.Duration {
	return time.Duration(t.CertificatePollSecs) * time.Second
}

func (t TimeoutsConfig) Stable() time.Duration {
	return time.Duration(t.StableSecs) * time.Second
}

func (t TimeoutsConfig) ServicePoll() time.Duration {
	return time.Duration(t.ServicePollSecs) * time.Second
}

type SchedulerConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Jobs    []ScheduleJob `mapstructure:"jobs"`
}

// ScheduleJob re-runs a deployment of Image to Environment on a cron
// schedule, converging any drift.
type ScheduleJob struct {
	Environment string `mapstructure:"environment"`
	Cron        string `mapstructure:"cron"`
	Image       string `mapstructure:"image"`
	Tag         string `mapstructure:"tag"`
}

type EnvironmentConfig struct {
	DesiredFile string `mapstructure:"desired_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.role_arn", "")
	v.SetDefault("state.backend", "file")
	v.SetDefault("state.dir", ".rampdeploy")
	v.SetDefault("state.postgres_dsn", "")
	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.redis_addr", "")
	v.SetDefault("lock.redis_password", "")
	v.SetDefault("lock.redis_db", 0)
	v.SetDefault("lock.ttl_secs", 60)
	v.SetDefault("docker.host", "")
	v.SetDefault("orchestrator.temporal_addr", "")
	v.SetDefault("orchestrator.namespace", "default")
	v.SetDefault("orchestrator.task_queue", "rampdeploy")
	v.SetDefault("orchestrator.health_addr", ":8081")
	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.actor", "rampdeploy")
	v.SetDefault("timeouts.certificate_secs", 1800)
	v.SetDefault("timeouts.certificate_poll_secs", 30)
	v.SetDefault("timeouts.stable_secs", 600)
	v.SetDefault("timeouts.service_poll_secs", 15)
	v.SetDefault("timeouts.failure_threshold", 2)
	v.SetDefault("scheduler.enabled", false)
}

// LoadConfig reads path (JSON or YAML by extension) with RAMPDEPLOY_*
// environment overrides. An empty path looks for rampdeploy.{yaml,json} in
// the working directory and falls back to defaults.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("rampdeploy")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.State.Backend {
	case "memory":
	case "file":
		if strings.TrimSpace(c.State.Dir) == "" {
			return errors.New("state.dir required for the file backend")
		}
	case "postgres":
		if strings.TrimSpace(c.State.PostgresDSN) == "" {
			return errors.New("state.postgres_dsn required for the postgres backend")
		}
	default:
		return fmt.Errorf("state.backend %q must be memory, file or postgres", c.State.Backend)
	}
	switch c.Lock.Backend {
	case "local":
	case "redis":
		if strings.TrimSpace(c.Lock.RedisAddr) == "" {
			return errors.New("lock.redis_addr required for the redis backend")
		}
	default:
		return fmt.Errorf("lock.backend %q must be local or redis", c.Lock.Backend)
	}
	if c.Audit.Enabled && c.State.Backend != "postgres" {
		return errors.New("audit.enabled requires the postgres state backend")
	}
	if strings.TrimSpace(c.AWS.Region) == "" {
		return errors.New("aws.region required")
	}
	if c.Timeouts.CertificateSecs < 0 || c.Timeouts.StableSecs < 0 || c.Timeouts.ServicePollSecs < 0 || c.Timeouts.CertificatePollSecs < 0 {
		return errors.New("timeouts must not be negative")
	}
	for i, job := range c.Scheduler.Jobs {
		if job.Environment == "" || job.Cron == "" || job.Image == "" {
			return fmt.Errorf("scheduler.jobs[%d]: environment, cron and image required", i)
		}
	}
	return nil
}

// DesiredFile returns the configured desired-state document for env.
func (c Config) DesiredFile(env string) string {
	return c.Environments[env].DesiredFile
}
