package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8090"`
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/remotedev.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/remotedev.log"`

	// ControlToken protects the internal control-plane endpoints.
	ControlToken string `envconfig:"CONTROL_TOKEN" default:""`
	// FernetKey verifies terminal handshake tokens. When empty a key is
	// generated at startup and persisted as a setting.
	FernetKey string `envconfig:"FERNET_KEY" default:""`

	TmuxBin string `envconfig:"TMUX_BIN" default:"tmux"`

	// Terminal session settings
	DefaultScrollback int  `envconfig:"DEFAULT_SCROLLBACK" default:"50000"`
	SchedulerEnabled  bool `envconfig:"SCHEDULER_ENABLED" default:"true"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("RDV", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
