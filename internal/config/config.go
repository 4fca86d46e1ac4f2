// Package config loads, merges, and validates config.json (spec.md §6.3)
// together with the environment-variable overlay (§6.4). Styled on the
// teacher's cmn/config.go: a typed struct tree, jsoniter tags, and an
// explicit Validate pass returning descriptive errors — not panics.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/got3nks/amule-web-controller-sub002/internal/apperr"
	"github.com/got3nks/amule-web-controller-sub002/internal/captab"
	"github.com/got3nks/amule-web-controller-sub002/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const currentVersion = 1

type TrustedProxyConfig struct {
	Enabled bool     `json:"enabled"`
	CIDRs   []string `json:"cidrs"`
}

type AuthConfig struct {
	Enabled       bool               `json:"enabled"`
	Password      string             `json:"password"`
	SessionSecret string             `json:"sessionSecret"`
	AdminUsername string             `json:"adminUsername"`
	TrustedProxy  TrustedProxyConfig `json:"trustedProxy"`
}

type ServerConfig struct {
	Host string     `json:"host"`
	Port int        `json:"port"`
	Auth AuthConfig `json:"auth"`
}

type ClientSource string

const (
	SourceUser ClientSource = "user"
	SourceEnv  ClientSource = "env"
)

type ClientEntry struct {
	InstanceID  string            `json:"instanceId"`
	Type        model.ClientType  `json:"type"`
	DisplayName string            `json:"displayName"`
	Color       string            `json:"color,omitempty"`
	Enabled     bool              `json:"enabled"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	Username    string            `json:"username,omitempty"`
	Password    string            `json:"password,omitempty"`
	Source      ClientSource      `json:"source"`
}

type DirectoriesConfig struct {
	Data  string `json:"data"`
	Logs  string `json:"logs"`
	GeoIP string `json:"geoip"`
}

type IntegrationsConfig struct {
	GeoIPEnabled    bool `json:"geoipEnabled"`
	ReverseDNS      bool `json:"reverseDns"`
}

type HistoryConfig struct {
	Enabled       bool `json:"enabled"`
	RetentionDays int  `json:"retentionDays"`
}

type EventScriptingConfig struct {
	Enabled bool   `json:"enabled"`
	Command string `json:"command,omitempty"`
	URL     string `json:"url,omitempty"`
}

type Config struct {
	Version           int                  `json:"version"`
	FirstRunCompleted bool                 `json:"firstRunCompleted"`
	Server            ServerConfig         `json:"server"`
	Clients           []ClientEntry        `json:"clients"`
	Directories       DirectoriesConfig    `json:"directories"`
	Integrations      IntegrationsConfig   `json:"integrations"`
	History           HistoryConfig        `json:"history"`
	EventScripting    EventScriptingConfig `json:"eventScripting"`

	// path this config was loaded from/will be saved to; not serialized.
	path string `json:"-"`
}

func defaults() *Config {
	return &Config{
		Version: currentVersion,
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Directories: DirectoriesConfig{
			Data:  "./data",
			Logs:  "./data/logs",
			GeoIP: "./data/geoip",
		},
		History: HistoryConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
	}
}

// Load reads config.json at dataDir/config.json (using defaults when it is
// absent; Load itself does not write the file), applies the environment overlay per spec.md §6.3-§6.4
// (sensitive fields: env wins; non-sensitive: file wins; defaults fill
// gaps), and validates the result.
func Load(dataDir string) (*Config, error) {
	cfg := defaults()
	cfg.Directories.Data = dataDir
	path := filepath.Join(dataDir, "config.json")
	cfg.path = path

	if raw, err := os.ReadFile(path); err == nil {
		fileCfg := defaults()
		if err := json.Unmarshal(raw, fileCfg); err != nil {
			return nil, apperr.Wrap(apperr.Config, err, "parsing %s", path)
		}
		fileCfg.path = path
		cfg = fileCfg
	} else if !os.IsNotExist(err) {
		return nil, apperr.Wrap(apperr.Config, err, "reading %s", path)
	}

	ApplyEnv(cfg)
	bootstrapEnvClients(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save persists the config back to disk. Per spec.md §6.3, fields that
// still equal their env-sourced value are stripped before writing so they
// re-derive from the environment at next load.
func (c *Config) Save() error {
	out := *c
	stripEnvEquivalentFields(&out)
	buf, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "marshaling config")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return apperr.Wrap(apperr.Internal, err, "creating config dir")
	}
	return os.WriteFile(c.path, buf, 0o600)
}

// Validate mirrors cmn/config.go's style: a chain of descriptive checks,
// aborting startup (ConfigError) rather than limping along with a zero
// value.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return apperr.New(apperr.Config, "invalid server.port %d", c.Server.Port)
	}
	if c.Server.Auth.Enabled && c.Server.Auth.AdminUsername == "" {
		return apperr.New(apperr.Config, "server.auth.adminUsername required when auth is enabled")
	}
	seen := map[string]bool{}
	for i := range c.Clients {
		cl := &c.Clients[i]
		if !captab.IsKnown(cl.Type) {
			return apperr.New(apperr.Config, "client[%d]: unknown type %q", i, cl.Type)
		}
		key := string(cl.Type) + "|" + cl.Host + "|" + strconv.Itoa(cl.Port)
		if seen[key] {
			return apperr.New(apperr.Config, "duplicate client instance: type=%s host=%s port=%d", cl.Type, cl.Host, cl.Port)
		}
		seen[key] = true
		if cl.Enabled && (cl.Host == "" || cl.Port == 0) {
			return apperr.New(apperr.Config, "client %q is enabled but missing host/port", cl.InstanceID)
		}
	}
	return nil
}

// envSensitiveFields lists the dotted paths env always wins for, per
// spec.md §6.3's precedence rule.
var envSensitiveFields = map[string]bool{
	"server.auth.password":      true,
	"server.auth.sessionSecret": true,
}

func stripEnvEquivalentFields(c *Config) {
	if v, ok := lookupEnv("server.auth.password"); ok && c.Server.Auth.Password == v {
		c.Server.Auth.Password = ""
	}
	if v, ok := lookupEnv("server.auth.sessionSecret"); ok && c.Server.Auth.SessionSecret == v {
		c.Server.Auth.SessionSecret = ""
	}
	kept := make([]ClientEntry, 0, len(c.Clients))
	for _, cl := range c.Clients {
		if cl.Source == SourceEnv {
			// env-sourced entries are fully re-derived at next load, so
			// they are left out of the saved file.
			continue
		}
		kept = append(kept, cl)
	}
	c.Clients = kept
}

func lookupEnv(dottedPath string) (string, bool) {
	for _, e := range envTable {
		if e.path == dottedPath {
			return os.LookupEnv(e.name)
		}
	}
	return "", false
}

// envVarType is the declared type of an environment variable entry, per
// the fixed table in spec.md §6.4.
type envVarType int

const (
	envInt envVarType = iota
	envBool
	envString
	envCSV
)

type envVarEntry struct {
	name string
	path string
	typ  envVarType
}

var envTable = []envVarEntry{
	{"APP_HOST", "server.host", envString},
	{"APP_PORT", "server.port", envInt},
	{"AUTH_ENABLED", "server.auth.enabled", envBool},
	{"AUTH_PASSWORD", "server.auth.password", envString},
	{"AUTH_SESSION_SECRET", "server.auth.sessionSecret", envString},
	{"AUTH_ADMIN_USERNAME", "server.auth.adminUsername", envString},
	{"DATA_DIR", "directories.data", envString},
	{"LOGS_DIR", "directories.logs", envString},
	{"GEOIP_DIR", "directories.geoip", envString},
	{"HISTORY_ENABLED", "history.enabled", envBool},
	{"HISTORY_RETENTION_DAYS", "history.retentionDays", envInt},
	{"EVENT_SCRIPTING_ENABLED", "eventScripting.enabled", envBool},
	{"EVENT_SCRIPTING_URL", "eventScripting.url", envString},
}

// ApplyEnv overlays environment variables onto cfg following the table
// above: non-sensitive file values win over env UNLESS the file value is
// the zero value, in which case env fills the gap; sensitive fields
// (password, sessionSecret) always take the env value when present.
func ApplyEnv(cfg *Config) {
	for _, e := range envTable {
		v, ok := os.LookupEnv(e.name)
		if !ok {
			continue
		}
		switch e.path {
		case "server.host":
			if cfg.Server.Host == "" {
				cfg.Server.Host = v
			}
		case "server.port":
			if cfg.Server.Port == 0 {
				cfg.Server.Port, _ = strconv.Atoi(v)
			}
		case "server.auth.enabled":
			cfg.Server.Auth.Enabled = parseBool(v)
		case "server.auth.password":
			cfg.Server.Auth.Password = v // sensitive: env wins
		case "server.auth.sessionSecret":
			cfg.Server.Auth.SessionSecret = v // sensitive: env wins
		case "server.auth.adminUsername":
			if cfg.Server.Auth.AdminUsername == "" {
				cfg.Server.Auth.AdminUsername = v
			}
		case "directories.data":
			if cfg.Directories.Data == "" {
				cfg.Directories.Data = v
			}
		case "directories.logs":
			if cfg.Directories.Logs == "" {
				cfg.Directories.Logs = v
			}
		case "directories.geoip":
			if cfg.Directories.GeoIP == "" {
				cfg.Directories.GeoIP = v
			}
		case "history.enabled":
			cfg.History.Enabled = parseBool(v)
		case "history.retentionDays":
			if n, err := strconv.Atoi(v); err == nil {
				cfg.History.RetentionDays = n
			}
		case "eventScripting.enabled":
			cfg.EventScripting.Enabled = parseBool(v)
		case "eventScripting.url":
			if cfg.EventScripting.URL == "" {
				cfg.EventScripting.URL = v
			}
		}
	}
}

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func parseCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// bootstrapEnvClients builds env-sourced client instances from the
// prefixed <TYPE>_HOST/<TYPE>_PORT/<TYPE>_PASSWORD family of variables
// (spec.md §6.4), merging them with (not duplicating) any user-entered
// instance for the same type+host+port.
func bootstrapEnvClients(cfg *Config) {
	for _, t := range captab.Known() {
		prefix := strings.ToUpper(string(t))
		host, hasHost := os.LookupEnv(prefix + "_HOST")
		if !hasHost {
			continue
		}
		portStr, _ := os.LookupEnv(prefix + "_PORT")
		port, _ := strconv.Atoi(portStr)
		user, _ := os.LookupEnv(prefix + "_USERNAME")
		pass, _ := os.LookupEnv(prefix + "_PASSWORD")

		dup := false
		for i := range cfg.Clients {
			c := &cfg.Clients[i]
			if c.Type == t && c.Host == host && c.Port == port {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		cfg.Clients = append(cfg.Clients, ClientEntry{
			Type:        t,
			DisplayName: prefix,
			Enabled:     true,
			Host:        host,
			Port:        port,
			Username:    user,
			Password:    pass,
			Source:      SourceEnv,
		})
	}
}
