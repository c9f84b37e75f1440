package config

import "time"

// Config holds the process configuration, loaded from TASKDOCK_* environment
// variables with an optional .env overlay.
type Config struct {
	Mode string `json:"mode,omitempty" env:"TASKDOCK_ENV" envDefault:"production"` // production/development
	Root string `json:"root,omitempty" env:"TASKDOCK_ROOT" envDefault:"."`         // working root, logs and db live under it
	DB   string `json:"db,omitempty" env:"TASKDOCK_DB" envDefault:""`              // sqlite dsn, defaults to <root>/db/taskdock.db

	Image      string `json:"image,omitempty" env:"TASKDOCK_IMAGE"`                                 // sandbox base image, defaults to the built-in
	NamePrefix string `json:"name_prefix,omitempty" env:"TASKDOCK_NAME_PREFIX" envDefault:"taskdock-sbx"` // container name prefix

	AgentBinary   string `json:"agent_binary,omitempty" env:"TASKDOCK_AGENT_BINARY" envDefault:"taskdock-agent"` // in-container agent executable
	AgentModel    string `json:"agent_model,omitempty" env:"TASKDOCK_AGENT_MODEL"`                               // default model id
	AgentMaxTurns int    `json:"agent_max_turns,omitempty" env:"TASKDOCK_AGENT_MAX_TURNS" envDefault:"50"`       // default turn cap
	AuthToken     string `json:"-" env:"TASKDOCK_AUTH_TOKEN"`                                                    // passed to the agent process

	ReapInterval time.Duration `json:"reap_interval,omitempty" env:"TASKDOCK_REAP_INTERVAL" envDefault:"5m"` // idle reaper scan interval

	Log           string `json:"log,omitempty" env:"TASKDOCK_LOG"`                                 // log file, defaults to <root>/logs/taskdock.log
	LogMode       string `json:"log_mode,omitempty" env:"TASKDOCK_LOG_MODE" envDefault:"TEXT"`     // JSON|TEXT
	LogMaxSize    int    `json:"log_max_size,omitempty" env:"TASKDOCK_LOG_MAX_SIZE" envDefault:"100"`
	LogMaxBackups int    `json:"log_max_backups,omitempty" env:"TASKDOCK_LOG_MAX_BACKUPS" envDefault:"3"`
	LogMaxAge     int    `json:"log_max_age,omitempty" env:"TASKDOCK_LOG_MAX_AGE" envDefault:"7"`
	LogLocalTime  bool   `json:"log_local_time,omitempty" env:"TASKDOCK_LOG_LOCAL_TIME" envDefault:"false"`
}
