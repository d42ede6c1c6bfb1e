package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	RequireAuth    bool
	RoomTTL        time.Duration
	RoomStore      string // redis or memory
	MetricsEnabled bool
	Log            LogConfig
	Redis          RedisConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type LogConfig struct {
	Level   string
	File    string
	Console bool
}

// ClientConfig drives the guess command line client
type ClientConfig struct {
	ServerURL      string
	Token          string
	ConnectTimeout time.Duration
	DialTimeout    time.Duration
	RetryLimit     int
	MockJoinDelay  time.Duration
	StatePath      string
	MockFPS        int
	ICEServers     []string
	TURNServer     string
	TURNUser       string
	TURNPass       string
	Trickle        bool
	Log            LogConfig
}

// New returns a viper instance with every default set and the environment
// bound. Keys use underscores so they map onto the environment names
// directly (PORT, REDIS_HOST, GUESS_SERVER_URL...).
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("allowed_origins", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("jwt_secret", "change-me-in-production")
	v.SetDefault("require_auth", false)
	v.SetDefault("room_ttl", 24*time.Hour)
	v.SetDefault("room_store", "redis")
	v.SetDefault("metrics_enabled", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("log_console", true)
	v.SetDefault("redis_host", "localhost")
	v.SetDefault("redis_port", "6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)

	v.SetDefault("guess_server_url", "ws://localhost:8080/ws/signal")
	v.SetDefault("guess_token", "")
	v.SetDefault("guess_connect_timeout", 5*time.Second)
	v.SetDefault("guess_dial_timeout", 5*time.Second)
	v.SetDefault("guess_retry_limit", 2)
	v.SetDefault("guess_mock_join_delay", time.Second)
	v.SetDefault("guess_state_path", "")
	v.SetDefault("guess_mock_fps", 30)
	v.SetDefault("guess_ice_servers", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302")
	v.SetDefault("guess_turn_server", "")
	v.SetDefault("guess_turn_user", "")
	v.SetDefault("guess_turn_pass", "")
	v.SetDefault("guess_trickle", false)
	return v
}

// BindFlags binds every flag in fs to the viper key prefix+name, with
// dashes turned into underscores. A flag set on the command line wins over
// the environment, which wins over the defaults.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, prefix string) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		err = v.BindPFlag(prefix+strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	return err
}

// Load reads the server configuration
func Load(v *viper.Viper) *Config {
	return &Config{
		Port:           v.GetString("port"),
		Environment:    v.GetString("environment"),
		AllowedOrigins: splitList(v.GetString("allowed_origins")),
		JWTSecret:      v.GetString("jwt_secret"),
		RequireAuth:    v.GetBool("require_auth"),
		RoomTTL:        v.GetDuration("room_ttl"),
		RoomStore:      v.GetString("room_store"),
		MetricsEnabled: v.GetBool("metrics_enabled"),
		Log:            loadLog(v),
		Redis: RedisConfig{
			Host:     v.GetString("redis_host"),
			Port:     v.GetString("redis_port"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
		},
	}
}

// LoadClient reads the client configuration
func LoadClient(v *viper.Viper) *ClientConfig {
	return &ClientConfig{
		ServerURL:      v.GetString("guess_server_url"),
		Token:          v.GetString("guess_token"),
		ConnectTimeout: v.GetDuration("guess_connect_timeout"),
		DialTimeout:    v.GetDuration("guess_dial_timeout"),
		RetryLimit:     v.GetInt("guess_retry_limit"),
		MockJoinDelay:  v.GetDuration("guess_mock_join_delay"),
		StatePath:      v.GetString("guess_state_path"),
		MockFPS:        v.GetInt("guess_mock_fps"),
		ICEServers:     splitList(v.GetString("guess_ice_servers")),
		TURNServer:     v.GetString("guess_turn_server"),
		TURNUser:       v.GetString("guess_turn_user"),
		TURNPass:       v.GetString("guess_turn_pass"),
		Trickle:        v.GetBool("guess_trickle"),
		Log:            loadLog(v),
	}
}

func loadLog(v *viper.Viper) LogConfig {
	return LogConfig{
		Level:   v.GetString("log_level"),
		File:    v.GetString("log_file"),
		Console: v.GetBool("log_console"),
	}
}

// splitList parses comma-separated values, dropping blanks
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
