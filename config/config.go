// Package config loads the settings shared by the dotdata commands.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// DOTDATA_* environment variables, then flags given on the command line.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/db"
	"github.com/nickyhof/dotdata/ps"
	"github.com/nickyhof/dotdata/resolve"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "DOTDATA_"

const (
	GitBackend   = "git"
	MongoBackend = "mongo"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	// Backend is git (default) or mongo.
	Backend string `yaml:"backend"`
	// Dir holds the git repository. Empty means in memory.
	Dir    string `yaml:"dir"`
	GitURL string `yaml:"git_url"`

	Mongo    Mongo    `yaml:"mongo"`
	Identity Identity `yaml:"identity"`

	DateOrder   string `yaml:"date_order"`
	DetectDates bool   `yaml:"detect_dates"`

	// Remote is the git remote of .push and .pull.
	Remote Remote `yaml:"remote"`
	S3     S3     `yaml:"s3"`
	Log    Log    `yaml:"log"`
	Server Server `yaml:"server"`
}

type Remote struct {
	Name   string        `yaml:"name"`
	URL    string        `yaml:"url"`
	Branch string        `yaml:"branch"`
	Auth   ps.RemoteAuth `yaml:"auth"`
}

type Mongo struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type Identity struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

type S3 struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Server struct {
	Listen  string `yaml:"listen"`
	Metrics string `yaml:"metrics"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
	// JWTSecret turns on AUTH JWT; connections must authenticate first.
	JWTSecret   string `yaml:"jwt_secret"`
	JWTIssuer   string `yaml:"jwt_issuer"`
	JWTAudience string `yaml:"jwt_audience"`
}

func Default() Config {
	return Config{
		Backend:     GitBackend,
		Identity:    Identity{Name: "DotData", Email: "dotdata@localhost"},
		Remote:      Remote{Name: "origin"},
		DateOrder:   resolve.MonthFirst.String(),
		DetectDates: true,
		Log:         Log{Level: "info", Format: FormatText},
		Server:      Server{Listen: ":7070"},
	}
}

// key is one setting reachable from the environment and the command line.
type key struct {
	flag  string
	env   string
	usage string
	set   func(c *Config, value string) error
}

func text(field func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, value string) error {
		*field(c) = value
		return nil
	}
}

var keys = []key{
	{"backend", "BACKEND", "storage backend: git or mongo", text(func(c *Config) *string { return &c.Backend })},
	{"dir", "DIR", "git repository directory (memory when empty)", text(func(c *Config) *string { return &c.Dir })},
	{"git-url", "GIT_URL", "git remote to clone the repository from", text(func(c *Config) *string { return &c.GitURL })},
	{"mongo-uri", "MONGO_URI", "MongoDB connection string", text(func(c *Config) *string { return &c.Mongo.URI })},
	{"mongo-database", "MONGO_DATABASE", "MongoDB database name", text(func(c *Config) *string { return &c.Mongo.Database })},
	{"name", "IDENTITY_NAME", "author name of git commits", text(func(c *Config) *string { return &c.Identity.Name })},
	{"email", "IDENTITY_EMAIL", "author email of git commits", text(func(c *Config) *string { return &c.Identity.Email })},
	{"date-order", "DATE_ORDER", "reading of ambiguous slash dates: us, eu or strict", text(func(c *Config) *string { return &c.DateOrder })},
	{"detect-dates", "DETECT_DATES", "turn date-like strings into dates", func(c *Config, value string) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("detect-dates: %w", err)
		}
		c.DetectDates = b
		return nil
	}},
	{"remote-url", "REMOTE_URL", "git remote for .push and .pull", text(func(c *Config) *string { return &c.Remote.URL })},
	{"remote-token", "REMOTE_TOKEN", "token for the git remote", func(c *Config, value string) error {
		c.Remote.Auth = ps.RemoteAuth{Type: ps.AuthTypeToken, Token: value}
		return nil
	}},
	{"s3-region", "S3_REGION", "region of s3:// change files", text(func(c *Config) *string { return &c.S3.Region })},
	{"s3-endpoint", "S3_ENDPOINT", "custom S3 endpoint", text(func(c *Config) *string { return &c.S3.Endpoint })},
	{"s3-access-key", "S3_ACCESS_KEY", "S3 access key", text(func(c *Config) *string { return &c.S3.AccessKey })},
	{"s3-secret-key", "S3_SECRET_KEY", "S3 secret key", text(func(c *Config) *string { return &c.S3.SecretKey })},
	{"log-level", "LOG_LEVEL", "debug, info, warn or error", text(func(c *Config) *string { return &c.Log.Level })},
	{"log-format", "LOG_FMT", "text or json", text(func(c *Config) *string { return &c.Log.Format })},
	{"listen", "LISTEN", "server listen address", text(func(c *Config) *string { return &c.Server.Listen })},
	{"metrics", "METRICS", "address of the /metrics endpoint (disabled when empty)", text(func(c *Config) *string { return &c.Server.Metrics })},
	{"tls-cert", "TLS_CERT", "server TLS certificate", text(func(c *Config) *string { return &c.Server.TLSCert })},
	{"tls-key", "TLS_KEY", "server TLS key", text(func(c *Config) *string { return &c.Server.TLSKey })},
	{"jwt-secret", "JWT_SECRET", "HMAC secret for AUTH JWT", text(func(c *Config) *string { return &c.Server.JWTSecret })},
	{"jwt-issuer", "JWT_ISSUER", "required iss claim", text(func(c *Config) *string { return &c.Server.JWTIssuer })},
	{"jwt-audience", "JWT_AUDIENCE", "required aud claim", text(func(c *Config) *string { return &c.Server.JWTAudience })},
}

// Flags registers -config and one flag per setting on fs. Load applies
// what was set once the file and environment have been read.
type Flags struct {
	path    string
	pending []func(c *Config) error
}

func RegisterFlags(fs *flag.FlagSet) *Flags {
	flags := &Flags{}
	fs.StringVar(&flags.path, "config", "", "YAML configuration file")
	for _, k := range keys {
		fs.Func(k.flag, k.usage, func(value string) error {
			flags.pending = append(flags.pending, func(c *Config) error { return k.set(c, value) })
			return nil
		})
	}
	return flags
}

// Load layers defaults, the -config file, the environment and the parsed
// flags, then validates the result. flags may be nil.
func Load(flags *Flags, getenv func(string) (string, bool)) (Config, error) {
	cfg := Default()
	if flags != nil && flags.path != "" {
		if err := ReadFile(flags.path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if getenv == nil {
		getenv = os.LookupEnv
	}
	for _, k := range keys {
		value, ok := getenv(EnvPrefix + k.env)
		if !ok {
			continue
		}
		if err := k.set(&cfg, value); err != nil {
			return Config{}, fmt.Errorf("%s%s: %w", EnvPrefix, k.env, err)
		}
	}
	if flags != nil {
		for _, apply := range flags.pending {
			if err := apply(&cfg); err != nil {
				return Config{}, err
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadFile decodes a YAML file over cfg. Keys absent from the file keep
// their current values.
func ReadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return Decode(data, cfg)
}

func Decode(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}
	switch c.Backend {
	case GitBackend:
		if c.GitURL != "" && c.Dir == "" {
			return invalid("git_url needs dir")
		}
	case MongoBackend:
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			return invalid("the mongo backend needs mongo.uri and mongo.database")
		}
	default:
		return invalid("unknown backend %q", c.Backend)
	}
	if _, err := resolve.ParseDateOrder(c.DateOrder); err != nil {
		return invalid("%v", err)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return invalid("%v", err)
	}
	if _, err := ParseFormat(c.Log.Format); err != nil {
		return invalid("%v", err)
	}
	if c.Remote.URL != "" && c.Backend != GitBackend {
		return invalid("remote needs the git backend")
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return invalid("tls_cert and tls_key go together")
	}
	return nil
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", level)
}

func ParseFormat(format string) (string, error) {
	switch strings.ToLower(format) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unknown log format %q", format)
}

// Logger builds the slog logger described by the Log section.
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	format, err := ParseFormat(c.Log.Format)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func (c Config) CommitIdentity() core.Identity {
	return core.Identity{Name: c.Identity.Name, Email: c.Identity.Email}
}

// EngineOptions maps the settings onto db.Options.
func (c Config) EngineOptions(logger *slog.Logger) (db.Options, error) {
	order, err := resolve.ParseDateOrder(c.DateOrder)
	if err != nil {
		return db.Options{}, err
	}
	return db.Options{
		Resolve: resolve.Options{
			DateOrder:            order,
			DisableDateDetection: !c.DetectDates,
		},
		Logger: logger,
		S3: db.S3Config{
			AccessKey: c.S3.AccessKey,
			SecretKey: c.S3.SecretKey,
			Region:    c.S3.Region,
			Endpoint:  c.S3.Endpoint,
		},
	}, nil
}
