// Package config resolves the application settings from defaults, the .env
// file in the data directory, the environment and the settings table.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

const (
	AppName        = "elements"
	EnvPrefix      = "ELEMENTS"
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-5"
	DefaultHost    = "127.0.0.1"
	DefaultPort    = 8000
	DBFileName     = "elements.db"
	EnvFileName    = ".env"
)

// Setting keys. These are the names used in the .env file (upper-cased), in
// the environment (ELEMENTS_ prefixed) and in the settings table.
const (
	KeyAPIKey         = "openai_api_key"
	KeyModel          = "model_default"
	KeyBaseURL        = "base_url"
	KeyProxyEnabled   = "proxy_enabled"
	KeyHTTPProxy      = "http_proxy"
	KeyHTTPSProxy     = "https_proxy"
	KeyNoProxy        = "no_proxy"
	KeyWebSearch      = "web_search_enabled"
	KeyVector         = "vector_enabled"
	KeyVectorStoreID  = "vector_store_id"
	KeyEgressStrict   = "egress_strict"
	KeyAllowlistHosts = "allowlist_hosts"
	KeySafeMode       = "safe_mode"
	KeyDBPath         = "db_path"
	KeyHost           = "host"
	KeyPort           = "port"
	KeyAccessToken    = "access_token"
	KeyDebug          = "debug"
	KeyLogFormat      = "log_format"
)

var knownKeys = []string{
	KeyAPIKey, KeyModel, KeyBaseURL,
	KeyProxyEnabled, KeyHTTPProxy, KeyHTTPSProxy, KeyNoProxy,
	KeyWebSearch, KeyVector, KeyVectorStoreID,
	KeyEgressStrict, KeyAllowlistHosts, KeySafeMode, KeyDBPath,
	KeyHost, KeyPort, KeyAccessToken, KeyDebug, KeyLogFormat,
}

// secretKeys are masked when settings are printed.
var secretKeys = map[string]bool{KeyAPIKey: true, KeyAccessToken: true}

// ErrUnknownKey is returned for a setting name outside knownKeys.
var ErrUnknownKey = errors.New("unknown setting")

// SettingsSource provides the persisted settings, which take precedence over
// every other layer.
type SettingsSource interface {
	AllSettings(ctx context.Context) (map[string]string, error)
}

// ProxyConfig is the outbound proxy configuration.
type ProxyConfig struct {
	Enabled bool
	HTTP    string
	HTTPS   string
	NoProxy string
}

// Config is the resolved configuration.
type Config struct {
	DataDir string
	DBPath  string

	APIKey  string
	Model   string
	BaseURL string

	Proxy          ProxyConfig
	EgressStrict   bool
	AllowlistHosts []string

	WebSearch     bool
	Vector        bool
	VectorStoreID string

	SafeMode bool

	Host        string
	Port        int
	AccessToken string

	Debug     bool
	LogFormat string
}

// Loader owns the viper instance behind a Config.
type Loader struct {
	v       *viper.Viper
	dataDir string
}

// NewLoader registers defaults, reads <dataDir>/.env if present and binds the
// environment. OPENAI_API_KEY and OPENAI_BASE_URL are honoured unprefixed.
func NewLoader(dataDir string) (*Loader, error) {
	v := viper.New()
	setDefaults(v, dataDir)

	envFile := filepath.Join(dataDir, EnvFileName)
	if _, err := os.Stat(envFile); err == nil {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", envFile, err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", envFile, err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, extra := range map[string]string{
		KeyAPIKey:  "OPENAI_API_KEY",
		KeyBaseURL: "OPENAI_BASE_URL",
	} {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(key), extra); err != nil {
			return nil, fmt.Errorf("binding %s: %w", key, err)
		}
	}

	return &Loader{v: v, dataDir: dataDir}, nil
}

// Overlay applies persisted settings on top of all other layers.
func (l *Loader) Overlay(ctx context.Context, src SettingsSource) error {
	if src == nil {
		return nil
	}
	settings, err := src.AllSettings(ctx)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	for key, value := range settings {
		if !IsKnownKey(key) {
			continue
		}
		l.v.Set(key, value)
	}
	return nil
}

// Set overrides a single key for this process, e.g. from a CLI flag.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// Get returns the resolved string value of key.
func (l *Loader) Get(key string) string {
	return l.v.GetString(key)
}

// Config decodes the current layers.
func (l *Loader) Config() *Config {
	v := l.v
	cfg := &Config{
		DataDir: l.dataDir,
		DBPath:  v.GetString(KeyDBPath),
		APIKey:  strings.TrimSpace(v.GetString(KeyAPIKey)),
		Model:   strings.TrimSpace(v.GetString(KeyModel)),
		BaseURL: strings.TrimRight(strings.TrimSpace(v.GetString(KeyBaseURL)), "/"),
		Proxy: ProxyConfig{
			Enabled: l.bool(KeyProxyEnabled),
			HTTP:    strings.TrimSpace(v.GetString(KeyHTTPProxy)),
			HTTPS:   strings.TrimSpace(v.GetString(KeyHTTPSProxy)),
			NoProxy: strings.TrimSpace(v.GetString(KeyNoProxy)),
		},
		EgressStrict:   l.bool(KeyEgressStrict),
		AllowlistHosts: SplitList(v.GetString(KeyAllowlistHosts)),
		WebSearch:      l.bool(KeyWebSearch),
		Vector:         l.bool(KeyVector),
		VectorStoreID:  strings.TrimSpace(v.GetString(KeyVectorStoreID)),
		SafeMode:       l.bool(KeySafeMode),
		Host:           v.GetString(KeyHost),
		Port:           v.GetInt(KeyPort),
		AccessToken:    strings.TrimSpace(v.GetString(KeyAccessToken)),
		Debug:          l.bool(KeyDebug),
		LogFormat:      strings.ToLower(strings.TrimSpace(v.GetString(KeyLogFormat))),
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return cfg
}

// Settings returns every known key with its resolved value, secrets masked.
func (l *Loader) Settings() [][2]string {
	keys := KnownKeys()
	out := make([][2]string, 0, len(keys))
	for _, key := range keys {
		value := l.v.GetString(key)
		if secretKeys[key] {
			value = Mask(value)
		}
		out = append(out, [2]string{key, value})
	}
	return out
}

func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault(KeyModel, DefaultModel)
	v.SetDefault(KeyBaseURL, DefaultBaseURL)
	v.SetDefault(KeyProxyEnabled, false)
	v.SetDefault(KeyWebSearch, true)
	v.SetDefault(KeyVector, true)
	v.SetDefault(KeyEgressStrict, false)
	v.SetDefault(KeyAllowlistHosts, "api.openai.com")
	v.SetDefault(KeySafeMode, false)
	v.SetDefault(KeyDBPath, filepath.Join(dataDir, DBFileName))
	v.SetDefault(KeyHost, DefaultHost)
	v.SetDefault(KeyPort, DefaultPort)
	v.SetDefault(KeyDebug, false)
	v.SetDefault(KeyLogFormat, "pretty")
}

// IsKnownKey reports whether key is a recognised setting.
func IsKnownKey(key string) bool {
	for _, k := range knownKeys {
		if k == key {
			return true
		}
	}
	return false
}

// ValidateKey returns ErrUnknownKey for unrecognised names.
func ValidateKey(key string) error {
	if !IsKnownKey(key) {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return nil
}

// DataDir returns the per-user data directory: $ELEMENTS_HOME when set,
// otherwise <user config dir>/elements (%AppData% on Windows, Application
// Support on macOS, $XDG_CONFIG_HOME or ~/.config elsewhere).
func DataDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(EnvPrefix + "_HOME")); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving user config dir: %w", err)
	}
	return filepath.Join(base, AppName), nil
}

// EnsureDataDir creates dir with private permissions.
func EnsureDataDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	return nil
}

// SplitList splits a comma or whitespace separated list.
func SplitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Mask hides all but the last four characters of a secret.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

// bool accepts 1/true/yes/on in any case, as typed into .env files or
// stored by "config set".
func (l *Loader) bool(key string) bool {
	return truthy(l.v.GetString(key))
}

func truthy(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

// IsSecretKey reports whether key holds a secret that is masked on output.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// KnownKeys returns every setting name, sorted.
func KnownKeys() []string {
	keys := append([]string(nil), knownKeys...)
	sort.Strings(keys)
	return keys
}
