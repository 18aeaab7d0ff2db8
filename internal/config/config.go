package config

import "time"

// Config holds all service configuration, grouped by component.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Store      StoreConfig      `mapstructure:"store"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Renderer   RendererConfig   `mapstructure:"renderer"`
	Artifacts  ArtifactsConfig  `mapstructure:"artifacts"`
	Templates  TemplatesConfig  `mapstructure:"templates"`
}

type ServerConfig struct {
	Port int `mapstructure:"port" validate:"gt=0,lt=65536"`
	// BodyLimit caps POST /jobs bodies, in bytes.
	BodyLimit    int           `mapstructure:"body_limit" validate:"gt=0"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// StoreConfig selects the job store. Only the settings of the chosen driver
// are required.
type StoreConfig struct {
	Driver        string `mapstructure:"driver" validate:"oneof=postgres sqlite mongo redis memory"`
	PostgresURL   string `mapstructure:"postgres_url" validate:"required_if=Driver postgres"`
	MaxConns      int    `mapstructure:"max_conns" validate:"gte=0"`
	SQLitePath    string `mapstructure:"sqlite_path" validate:"required_if=Driver sqlite"`
	MongoURL      string `mapstructure:"mongo_url" validate:"required_if=Driver mongo"`
	MongoDatabase string `mapstructure:"mongo_database" validate:"required_if=Driver mongo"`
	RedisURL      string `mapstructure:"redis_url" validate:"required_if=Driver redis"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

type QueueConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1,lte=100"`
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay    time.Duration `mapstructure:"max_delay" validate:"gt=0"`
	Jitter      bool          `mapstructure:"jitter"`
}

type DispatcherConfig struct {
	Workers       int           `mapstructure:"workers" validate:"gte=1,lte=64"`
	RenderTimeout time.Duration `mapstructure:"render_timeout" validate:"gt=0"`
	IdleBackoff   time.Duration `mapstructure:"idle_backoff" validate:"gt=0"`
	PollRate      float64       `mapstructure:"poll_rate" validate:"gt=0"`
	// JobGrace is added to RenderTimeout to bound a whole job.
	JobGrace time.Duration `mapstructure:"job_grace" validate:"gte=0"`
}

type RetentionConfig struct {
	Schedule        string        `mapstructure:"schedule" validate:"required"`
	ReclaimSchedule string        `mapstructure:"reclaim_schedule" validate:"required"`
	CompletedTTL    time.Duration `mapstructure:"completed_ttl" validate:"gt=0"`
	FailedTTL       time.Duration `mapstructure:"failed_ttl" validate:"gt=0"`
	StaleAfter      time.Duration `mapstructure:"stale_after" validate:"gt=0"`
}

type RendererConfig struct {
	ChromePath string `mapstructure:"chrome_path"`
	MaxPDFMB   int    `mapstructure:"max_pdf_mb" validate:"gte=1"`
}

type ArtifactsConfig struct {
	Dir      string `mapstructure:"dir" validate:"required"`
	KeepHTML bool   `mapstructure:"keep_html"`
}

type TemplatesConfig struct {
	// Dir holds <name>.html skeletons that override or add to the built-in set.
	Dir string `mapstructure:"dir"`
}

// JobTimeout bounds one handled job.
func (c DispatcherConfig) JobTimeout() time.Duration {
	return c.RenderTimeout + c.JobGrace
}
