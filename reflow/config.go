package reflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

const (
	ApiUrlEnv    = "REFLOW_API_URL"
	ProjectIdEnv = "REFLOW_PROJECT_ID"
	StoreIdEnv   = "REFLOW_STORE_ID"
	TestModeEnv  = "REFLOW_TEST_MODE"
)

const (
	StorageKindMemory = "memory"
	StorageKindFile   = "file"
	StorageKindSqlite = "sqlite"
	StorageKindRedis  = "redis"
)

const (
	BusKindNone      = "none"
	BusKindLocal     = "local"
	BusKindFile      = "file"
	BusKindRedis     = "redis"
	BusKindWebsocket = "websocket"
)

type StorageConfig struct {
	Kind string `toml:"kind" yaml:"kind" json:"kind"`
	// file directory or sqlite database path. Defaults under the state dir.
	Path string `toml:"path" yaml:"path" json:"path"`
}

type BusConfig struct {
	Kind string `toml:"kind" yaml:"kind" json:"kind"`
	// file bus directory. Defaults under the state dir.
	Path string `toml:"path" yaml:"path" json:"path"`
	// websocket relay, e.g. `ws://127.0.0.1:7420/bus`
	RelayUrl string `toml:"relay_url" yaml:"relay_url" json:"relay_url"`
}

type RedisConfig struct {
	Addr     string `toml:"addr" yaml:"addr" json:"addr"`
	Password string `toml:"password" yaml:"password" json:"password"`
	DB       int    `toml:"db" yaml:"db" json:"db"`
	Prefix   string `toml:"prefix" yaml:"prefix" json:"prefix"`
}

type RelayConfig struct {
	ListenAddr string `toml:"listen_addr" yaml:"listen_addr" json:"listen_addr"`
}

type AuthConfig struct {
	// go duration, e.g. `5m`
	RefreshInterval string `toml:"refresh_interval" yaml:"refresh_interval" json:"refresh_interval"`
	StrictMessages  bool   `toml:"strict_messages" yaml:"strict_messages" json:"strict_messages"`
}

type PopupConfig struct {
	Width  int `toml:"width" yaml:"width" json:"width"`
	Height int `toml:"height" yaml:"height" json:"height"`
	// empty uses the platform browser opener
	OpenCommand []string `toml:"open_command" yaml:"open_command" json:"open_command"`
}

// Config is the file configuration of `reflowctl`.
type Config struct {
	ApiUrl    string `toml:"api_url" yaml:"api_url" json:"api_url"`
	TestMode  bool   `toml:"test_mode" yaml:"test_mode" json:"test_mode"`
	ProjectId string `toml:"project_id" yaml:"project_id" json:"project_id"`
	StoreId   string `toml:"store_id" yaml:"store_id" json:"store_id"`
	StateDir  string `toml:"state_dir" yaml:"state_dir" json:"state_dir"`

	Storage StorageConfig `toml:"storage" yaml:"storage" json:"storage"`
	Bus     BusConfig     `toml:"bus" yaml:"bus" json:"bus"`
	Redis   RedisConfig   `toml:"redis" yaml:"redis" json:"redis"`
	Relay   RelayConfig   `toml:"relay" yaml:"relay" json:"relay"`
	Auth    AuthConfig    `toml:"auth" yaml:"auth" json:"auth"`
	Popup   PopupConfig   `toml:"popup" yaml:"popup" json:"popup"`
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Kind: StorageKindFile,
		},
		Bus: BusConfig{
			Kind: BusKindFile,
		},
		Redis: RedisConfig{
			Addr:   "127.0.0.1:6379",
			Prefix: "reflow",
		},
		Relay: RelayConfig{
			ListenAddr: "127.0.0.1:7420",
		},
		Auth: AuthConfig{
			RefreshInterval: "5m",
		},
		Popup: PopupConfig{
			Width:  500,
			Height: 650,
		},
	}
}

// the default config file, `config.toml` in the state dir
func ConfigPath() (string, error) {
	root, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "config.toml"), nil
}

// LoadConfig reads the config at `path` by extension, applies environment overrides and validates.
// A missing file is the default config.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path == "" {
		defaultPath, err := ConfigPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decodeConfig(path, data, config); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	config.ApplyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return config, nil
}

func decodeConfig(path string, data []byte, config *Config) error {
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), config); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	}
	return nil
}

func (self *Config) ApplyEnvOverrides() {
	if v := os.Getenv(ApiUrlEnv); v != "" {
		self.ApiUrl = v
	}
	if v := os.Getenv(ProjectIdEnv); v != "" {
		self.ProjectId = v
	}
	if v := os.Getenv(StoreIdEnv); v != "" {
		self.StoreId = v
	}
	if v := os.Getenv(StateDirEnv); v != "" {
		self.StateDir = v
	}
	if v := os.Getenv(TestModeEnv); v != "" {
		if testMode, err := strconv.ParseBool(v); err == nil {
			self.TestMode = testMode
		}
	}
}

func (self *Config) Validate() error {
	if self.ApiUrl != "" {
		u, err := url.Parse(self.ApiUrl)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid api_url %q", self.ApiUrl)
		}
	}

	switch self.Storage.Kind {
	case StorageKindMemory, StorageKindFile, StorageKindSqlite:
	case StorageKindRedis:
		if self.Redis.Addr == "" {
			return errors.New("storage kind redis needs redis.addr")
		}
	default:
		return fmt.Errorf("unknown storage kind %q", self.Storage.Kind)
	}

	switch self.Bus.Kind {
	case "", BusKindNone, BusKindLocal, BusKindFile:
	case BusKindRedis:
		if self.Redis.Addr == "" {
			return errors.New("bus kind redis needs redis.addr")
		}
	case BusKindWebsocket:
		u, err := url.Parse(self.Bus.RelayUrl)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("bus kind websocket needs a ws:// or wss:// relay_url, got %q", self.Bus.RelayUrl)
		}
	default:
		return fmt.Errorf("unknown bus kind %q", self.Bus.Kind)
	}

	if _, err := self.RefreshInterval(); err != nil {
		return err
	}
	if self.Popup.Width < 0 || self.Popup.Height < 0 {
		return errors.New("popup size must not be negative")
	}
	return nil
}

func (self *Config) EffectiveApiUrl() string {
	if self.ApiUrl != "" {
		return self.ApiUrl
	}
	if self.TestMode {
		return DefaultTestApiUrl
	}
	return DefaultApiUrl
}

func (self *Config) EffectiveStateDir() (string, error) {
	if self.StateDir != "" {
		return filepath.Abs(self.StateDir)
	}
	return StateDir()
}

func (self *Config) RefreshInterval() (time.Duration, error) {
	if strings.TrimSpace(self.Auth.RefreshInterval) == "" {
		return DefaultAuthSettings().RefreshInterval, nil
	}
	refreshInterval, err := time.ParseDuration(self.Auth.RefreshInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid auth.refresh_interval: %w", err)
	}
	return refreshInterval, nil
}

func (self *Config) AuthSettings() *AuthSettings {
	settings := DefaultAuthSettings()
	if refreshInterval, err := self.RefreshInterval(); err == nil {
		settings.RefreshInterval = refreshInterval
	}
	settings.StrictMessages = self.Auth.StrictMessages
	settings.Popup = self.PopupSettings()
	return settings
}

func (self *Config) CartSettings() *CartSettings {
	settings := DefaultCartSettings()
	settings.Popup = self.PopupSettings()
	return settings
}

func (self *Config) PopupSettings() *PopupSettings {
	settings := DefaultPopupSettings()
	if 0 < self.Popup.Width {
		settings.Width = self.Popup.Width
	}
	if 0 < self.Popup.Height {
		settings.Height = self.Popup.Height
	}
	return settings
}

func (self *Config) redisClient() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     self.Redis.Addr,
		Password: self.Redis.Password,
		DB:       self.Redis.DB,
	})
}

// OpenEnvironment builds the storage and bus mediums named by the config.
// `closeFn` releases them. The host is left to the caller.
func (self *Config) OpenEnvironment() (env *Environment, closeFn func(), err error) {
	stateDir, err := self.EffectiveStateDir()
	if err != nil {
		return nil, nil, err
	}

	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; 0 <= i; i -= 1 {
			closers[i]()
		}
	}
	defer func() {
		if err != nil {
			closeAll()
		}
	}()

	var rdb *redis.Client
	redisClient := func() *redis.Client {
		if rdb == nil {
			rdb = self.redisClient()
			closers = append(closers, func() {
				rdb.Close()
			})
		}
		return rdb
	}

	env = DefaultEnvironment()

	switch self.Storage.Kind {
	case StorageKindMemory:
	case StorageKindFile:
		dir := self.Storage.Path
		if dir == "" {
			dir = filepath.Join(stateDir, "storage")
		}
		fileStorage, err := NewFileStorage(dir)
		if err != nil {
			return nil, nil, err
		}
		env.Storage = fileStorage
	case StorageKindSqlite:
		path := self.Storage.Path
		if path == "" {
			path = filepath.Join(stateDir, "reflow.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, nil, err
		}
		sqliteStorage, err := OpenSqliteStorage(path)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() {
			sqliteStorage.Close()
		})
		env.Storage = sqliteStorage
	case StorageKindRedis:
		env.Storage = NewRedisStorage(redisClient(), self.Redis.Prefix)
	}

	switch self.Bus.Kind {
	case "", BusKindNone:
	case BusKindLocal:
		env.Bus = NewLocalBus()
	case BusKindFile:
		dir := self.Bus.Path
		if dir == "" {
			dir = filepath.Join(stateDir, "bus")
		}
		fileBus, err := NewFileBus(dir)
		if err != nil {
			return nil, nil, err
		}
		env.Bus = fileBus
	case BusKindRedis:
		env.Bus = NewRedisBus(redisClient(), self.Redis.Prefix)
	case BusKindWebsocket:
		env.Bus = NewWebsocketBusWithDefaults(self.Bus.RelayUrl)
	}

	return env, closeAll, nil
}
