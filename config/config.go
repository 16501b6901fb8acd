// Package config loads the configuration of the zkLogin client and bridge
// programs from an optional config file, a .env file and ZKAUTH_ environment
// variables.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. ZKAUTH_CLIENT_BACKEND_URL.
const EnvPrefix = "ZKAUTH"

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config holds all configuration.
type Config struct {
	Log    LogConfig    `mapstructure:"log"`
	Client ClientConfig `mapstructure:"client"`
	Server ServerConfig `mapstructure:"server"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error disabled"`
	Pretty bool   `mapstructure:"pretty"`
}

// ClientConfig configures the sign-in client.
type ClientConfig struct {
	BackendURL  string `mapstructure:"backend_url" validate:"required,url"`
	RPCURL      string `mapstructure:"rpc_url" validate:"required,url"`
	RedirectURI string `mapstructure:"redirect_uri" validate:"required,url"`
	Platform    string `mapstructure:"platform" validate:"oneof=web mobile"`

	Store      string `mapstructure:"store" validate:"oneof=file sqlite memory"`
	StorePath  string `mapstructure:"store_path" validate:"required_unless=Store memory"`
	StoreKeyID string `mapstructure:"store_key_id"`
	// StoreKey is the base64 encoded 32-byte key sealing the file store.
	StoreKey string `mapstructure:"store_key" validate:"required_if=Store file"`

	MaxRetries     uint64        `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	SignInTimeout  time.Duration `mapstructure:"signin_timeout"`

	// VerifyIDTokens checks returned ID tokens against the provider's keys.
	VerifyIDTokens    bool   `mapstructure:"verify_id_tokens"`
	GoogleClientID    string `mapstructure:"google_client_id" validate:"required_if=VerifyIDTokens true"`
	MicrosoftClientID string `mapstructure:"microsoft_client_id"`
}

// StoreKeyBytes decodes StoreKey.
func (c ClientConfig) StoreKeyBytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(c.StoreKey)
}

// ServerConfig configures the bridge server.
type ServerConfig struct {
	Addr        string   `mapstructure:"addr" validate:"required"`
	PublicURL   string   `mapstructure:"public_url" validate:"required,url"`
	WebRedirect string   `mapstructure:"web_redirect" validate:"omitempty,url"`
	AppScheme   string   `mapstructure:"app_scheme"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	DisableHSTS bool     `mapstructure:"disable_hsts"`

	// Discovery fetches provider endpoints from their OIDC discovery
	// documents instead of using the built-in ones.
	Discovery bool `mapstructure:"discovery"`
	// DevEpoch, when non-zero, serves a JSON-RPC node reporting this epoch.
	DevEpoch uint64 `mapstructure:"dev_epoch"`

	Google    ProviderConfig `mapstructure:"google"`
	Microsoft ProviderConfig `mapstructure:"microsoft"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ProviderConfig holds the upstream OAuth client of one provider. A provider
// without a ClientID is not offered.
type ProviderConfig struct {
	ClientID string `mapstructure:"client_id"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(sf reflect.StructField) string {
		if name := sf.Tag.Get("mapstructure"); name != "" {
			return name
		}
		return sf.Name
	})
	return v
}

// keys lists every setting so each can be overridden from the environment.
var keys = []string{
	"log.level", "log.pretty",
	"client.backend_url", "client.rpc_url", "client.redirect_uri", "client.platform",
	"client.store", "client.store_path", "client.store_key_id", "client.store_key",
	"client.max_retries", "client.base_delay", "client.request_timeout", "client.signin_timeout",
	"client.verify_id_tokens", "client.google_client_id", "client.microsoft_client_id",
	"server.addr", "server.public_url", "server.web_redirect", "server.app_scheme",
	"server.cors_origins", "server.disable_hsts", "server.discovery", "server.dev_epoch",
	"server.google.client_id", "server.microsoft.client_id",
	"server.read_timeout", "server.write_timeout",
}

// Load reads configuration. Sources, strongest first: environment
// variables, a .env file in the working directory, configFile (or
// ./zkauth.yaml when empty), built-in defaults.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("zkauth")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, err
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)

	v.SetDefault("client.backend_url", "http://localhost:8081")
	v.SetDefault("client.rpc_url", "https://fullnode.devnet.sui.io:443")
	v.SetDefault("client.redirect_uri", "http://127.0.0.1:8765/callback")
	v.SetDefault("client.platform", "web")
	v.SetDefault("client.store", StoreFile)
	v.SetDefault("client.store_path", "zkauth.credentials")
	v.SetDefault("client.store_key_id", "1")
	v.SetDefault("client.max_retries", 3)
	v.SetDefault("client.base_delay", "1s")
	v.SetDefault("client.request_timeout", "15s")
	v.SetDefault("client.signin_timeout", "5m")

	v.SetDefault("server.addr", ":8081")
	v.SetDefault("server.public_url", "http://localhost:8081")
	v.SetDefault("server.app_scheme", "juno")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
}

// ValidateClient checks the settings the client program uses.
func (c *Config) ValidateClient() error {
	if err := validateStruct(c.Log); err != nil {
		return err
	}
	if err := validateStruct(c.Client); err != nil {
		return err
	}
	if c.Client.Store == StoreFile {
		key, err := c.Client.StoreKeyBytes()
		if err != nil || len(key) != 32 {
			return errors.New("config: client.store_key must be 32 base64 encoded bytes")
		}
	}
	return nil
}

// ValidateServer checks the settings the bridge program uses.
func (c *Config) ValidateServer() error {
	if err := validateStruct(c.Log); err != nil {
		return err
	}
	if err := validateStruct(c.Server); err != nil {
		return err
	}
	if c.Server.Google.ClientID == "" && c.Server.Microsoft.ClientID == "" {
		return errors.New("config: no provider configured; set server.google.client_id or server.microsoft.client_id")
	}
	return nil
}

func validateStruct(s any) error {
	err := validate.Struct(s)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
}

// Logger builds the process logger writing to w.
func (c LogConfig) Logger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if c.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
