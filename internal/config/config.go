package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bnema/datavault/internal/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	configName = "config"
	configType = "toml"
	configDir  = ".datavault"
	envPrefix  = "DV"
	dotEnvFile = ".env"

	BackendFile   = "file"
	BackendBolt   = "bolt"
	BackendMemory = "memory"

	DefaultListen      = "127.0.0.1:7682"
	DefaultManagerPort = 7682
)

const (
	keyStorageBackend = "storage.backend"
	keyStorageRoot    = "storage.root"
	keyServerListen   = "server.listen"
	keyServerQueue    = "server.queue"
	keyAdminListen    = "admin.listen"
	keyLogLevel       = "log.level"
	keyLogFormat      = "log.format"
	keyLogOutput      = "log.output"
	keyLogFile        = "log.file"
	keyRedisURL       = "notify.redis_url"
	keyRedisChannel   = "notify.channel"
	keyKeepalive      = "broker.keepalive"
	keyManagers       = "broker.managers"
	keySecretsRoot    = "secrets.root"
)

type Config struct {
	Storage Storage
	Server  Server
	Admin   Admin
	Log     logger.Config
	Notify  Notify
	Broker  Broker
	Secrets Secrets
	// File is the config file that was read, empty when none was found.
	File string
}

type Storage struct {
	Backend string
	Root    string
}

type Server struct {
	Listen string
	Queue  int
}

type Admin struct {
	Listen string
}

type Notify struct {
	RedisURL string
	Channel  string
}

type Broker struct {
	Keepalive time.Duration
	Managers  []Manager
}

// Manager is one upstream connection broker the service registers with.
type Manager struct {
	Name string
	Host string
	Port int
}

type Secrets struct {
	Root string
}

// Load reads the config file (explicit path, or config.toml in
// ~/.datavault), a .env file in the working directory and DV_*
// environment variables, in increasing priority.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}

	if err := godotenv.Load(dotEnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", dotEnvFile, err)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf("resolve home directory: %w", err)
	}
	setDefaults(v, homeDir)

	v.SetConfigType(configType)
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(filepath.Join(homeDir, configDir))
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		Storage: Storage{
			Backend: strings.ToLower(v.GetString(keyStorageBackend)),
			Root:    expandHome(v.GetString(keyStorageRoot), homeDir),
		},
		Server: Server{
			Listen: v.GetString(keyServerListen),
			Queue:  v.GetInt(keyServerQueue),
		},
		Admin: Admin{Listen: v.GetString(keyAdminListen)},
		Log: logger.Config{
			Level:  v.GetString(keyLogLevel),
			Format: v.GetString(keyLogFormat),
			Output: v.GetString(keyLogOutput),
			File:   expandHome(v.GetString(keyLogFile), homeDir),
		},
		Notify: Notify{
			RedisURL: v.GetString(keyRedisURL),
			Channel:  v.GetString(keyRedisChannel),
		},
		Broker: Broker{
			Keepalive: v.GetDuration(keyKeepalive),
			Managers:  managers(v),
		},
		Secrets: Secrets{Root: expandHome(v.GetString(keySecretsRoot), homeDir)},
		File:    v.ConfigFileUsed(),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendFile, BackendBolt, BackendMemory:
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend != BackendMemory && strings.TrimSpace(c.Storage.Root) == "" {
		return errors.New("storage root is empty")
	}
	if c.Server.Queue <= 0 {
		return fmt.Errorf("server queue must be positive, got %d", c.Server.Queue)
	}
	if c.Broker.Keepalive <= 0 {
		return fmt.Errorf("broker keepalive must be positive, got %s", c.Broker.Keepalive)
	}
	for _, manager := range c.Broker.Managers {
		if manager.Host == "" {
			return fmt.Errorf("broker manager %q has no host", manager.Name)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper, homeDir string) {
	base := filepath.Join(homeDir, configDir)
	v.SetDefault(keyStorageBackend, BackendFile)
	v.SetDefault(keyStorageRoot, filepath.Join(base, "data"))
	v.SetDefault(keyServerListen, DefaultListen)
	v.SetDefault(keyServerQueue, 256)
	v.SetDefault(keyAdminListen, "")
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyLogFormat, logger.FormatConsole)
	v.SetDefault(keyLogOutput, logger.OutputStderr)
	v.SetDefault(keyLogFile, "")
	v.SetDefault(keyRedisURL, "")
	v.SetDefault(keyRedisChannel, "datavault")
	v.SetDefault(keyKeepalive, 120*time.Second)
	v.SetDefault(keySecretsRoot, filepath.Join(base, "secrets"))
}

func managers(v *viper.Viper) []Manager {
	names := make([]string, 0)
	for name := range v.GetStringMap(keyManagers) {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]Manager, 0, len(names))
	for _, name := range names {
		prefix := keyManagers + "." + name
		port := v.GetInt(prefix + ".port")
		if port == 0 {
			port = DefaultManagerPort
		}
		out = append(out, Manager{
			Name: name,
			Host: v.GetString(prefix + ".host"),
			Port: port,
		})
	}
	return out
}

func expandHome(path, homeDir string) string {
	if path == "~" {
		return homeDir
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		return filepath.Join(homeDir, rest)
	}
	return path
}
