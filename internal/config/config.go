package config

import (
	"errors"
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const EnvLocal = "local"

var ErrJWTSecretRequired = errors.New("auth.jwt_secret is required outside the local env")

type Config struct {
	Env         string            `yaml:"env" env:"APP_ENV" env-default:"local"`
	HTTP        HTTPConfig        `yaml:"http"`
	Auth        AuthConfig        `yaml:"auth"`
	Signaling   SignalingConfig   `yaml:"signaling"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	WebRTC      WebRTCConfig      `yaml:"webrtc"`
	Negotiation NegotiationConfig `yaml:"negotiation"`
	Room        RoomConfig        `yaml:"room"`
}

type HTTPConfig struct {
	Address        string   `yaml:"address" env:"HTTP_ADDRESS" env-default:""`
	AllowedOrigins []string `yaml:"allowed_origins" env:"HTTP_ALLOWED_ORIGINS"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET" env-default:""`
}

// SignalingConfig selects the pub/sub backend. Driver is one of memory, redis or ws.
type SignalingConfig struct {
	Driver   string `yaml:"driver" env:"SIGNALING_DRIVER" env-default:"memory"`
	RelayURL string `yaml:"relay_url" env:"SIGNALING_RELAY_URL" env-default:""`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// DatabaseConfig selects the room metadata store. Driver is one of memory, redis or postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"DATABASE_DRIVER" env-default:"memory"`
	DSN    string `yaml:"dsn" env:"DATABASE_DSN" env-default:""`
}

type WebRTCConfig struct {
	STUNServers []string `yaml:"stun_servers" env:"WEBRTC_STUN_SERVERS"`
	TURNServer  string   `yaml:"turn_server" env:"WEBRTC_TURN_SERVER" env-default:""`
	TURNUser    string   `yaml:"turn_user" env:"WEBRTC_TURN_USER" env-default:""`
	TURNPass    string   `yaml:"turn_pass" env:"WEBRTC_TURN_PASS" env-default:""`
	ForceRelay  bool     `yaml:"force_relay" env:"WEBRTC_FORCE_RELAY" env-default:"false"`
}

type NegotiationConfig struct {
	Timeout          time.Duration `yaml:"timeout" env:"NEGOTIATION_TIMEOUT" env-default:"15s"`
	RestartAttempts  int           `yaml:"restart_attempts" env:"NEGOTIATION_RESTART_ATTEMPTS" env-default:"1"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval" env:"NEGOTIATION_WATCHDOG_INTERVAL" env-default:"2s"`
	FailedGrace      time.Duration `yaml:"failed_grace" env:"NEGOTIATION_FAILED_GRACE" env-default:"30s"`
}

type RoomConfig struct {
	EndWhenEmpty bool `yaml:"end_when_empty" env:"ROOM_END_WHEN_EMPTY" env-default:"false"`
}

func MustLoad() *Config {
	configPath := fetchConfigPath()
	if configPath == "" {
		panic("config path is empty")
	}

	return MustLoadPath(configPath)
}

func MustLoadPath(configPath string) *Config {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("cannot read config: " + err.Error())
	}

	cfg.setDefaults()

	return &cfg
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	if res == "" {
		res = "config/local.yaml"
	}

	return res
}

func (c *Config) setDefaults() {
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if len(c.HTTP.AllowedOrigins) == 0 {
		c.HTTP.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	}
	if len(c.WebRTC.STUNServers) == 0 && !c.WebRTC.ForceRelay {
		c.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.Negotiation.RestartAttempts < 0 {
		c.Negotiation.RestartAttempts = 0
	}
}

// ValidateRelay checks the settings the relay server cannot serve without.
func (c *Config) ValidateRelay() error {
	if c.Auth.JWTSecret == "" && c.Env != EnvLocal {
		return ErrJWTSecretRequired
	}
	return nil
}
