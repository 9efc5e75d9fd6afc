// Package config loads certsmith settings from YAML.
package config

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/jmcleod/certsmith/batch"
	"github.com/jmcleod/certsmith/certerr"
	"github.com/jmcleod/certsmith/internal/util"
	"github.com/jmcleod/certsmith/key"
	"github.com/jmcleod/certsmith/pki"
)

// FileName is the config file looked up in the working directory.
const FileName = "certsmith.yaml"

// Config is the complete configuration.
type Config struct {
	WorkingDir  string `yaml:"working_dir"`
	OutputDir   string `yaml:"output_dir"`
	CSRInputDir string `yaml:"csr_input_dir"`
	CAKeyPath   string `yaml:"ca_key_path"`
	CACertPath  string `yaml:"ca_cert_path"`
	LedgerPath  string `yaml:"ledger_path"`

	Defaults    Defaults    `yaml:"defaults"`
	Permissions Permissions `yaml:"permissions"`
	Batch       Batch       `yaml:"batch"`
	Output      Output      `yaml:"output"`
	Server      Server      `yaml:"server"`

	// Source is the file the configuration was read from, or "" for defaults.
	Source string `yaml:"-"`
}

// Defaults are applied to every issued certificate.
type Defaults struct {
	KeySize     int      `yaml:"key_size"`
	CertDays    int      `yaml:"cert_days"`
	ExtKeyUsage []string `yaml:"ext_key_usage"`
	// Owner and Group, when set, are applied to written files.
	Owner string `yaml:"owner"`
	Group string `yaml:"group"`
}

// Permissions are the modes of written files and directories.
type Permissions struct {
	PrivateKey  FileMode `yaml:"private_key"`
	Certificate FileMode `yaml:"certificate"`
	OutputDir   FileMode `yaml:"output_dir"`
}

// Batch controls the worker pool.
type Batch struct {
	Parallel   bool `yaml:"parallel"`
	MaxWorkers int  `yaml:"max_workers"`
}

// Output controls console rendering.
type Output struct {
	Colored bool `yaml:"colored"`
	Verbose bool `yaml:"verbose"`
	Quiet   bool `yaml:"quiet"`
}

// Server configures the HTTP API.
type Server struct {
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// Addr returns the listen address.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Bind, strconv.Itoa(s.Port))
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		WorkingDir:  "~/ca",
		OutputDir:   "~/ssl/pem-out",
		CSRInputDir: "~/ssl",
		CAKeyPath:   "~/ca/intermediate/private/intermediate.key.pem",
		CACertPath:  "~/ca/intermediate/certs/intermediate.cert.pem",
		LedgerPath:  "~/ca/intermediate/certsmith.db",
		Defaults: Defaults{
			KeySize:     int(key.DefaultSize),
			CertDays:    pki.DefaultValidityDays,
			ExtKeyUsage: []string{"server", "client"},
		},
		Permissions: Permissions{
			PrivateKey:  0o400,
			Certificate: 0o640,
			OutputDir:   0o755,
		},
		Batch:  Batch{Parallel: true, MaxWorkers: batch.DefaultMaxWorkers},
		Output: Output{Colored: true},
		Server: Server{Bind: "127.0.0.1", Port: 8443},
	}
}

// SearchPaths lists the files Load tries, in order, when no path is given.
func SearchPaths() []string {
	paths := []string{filepath.Join(".", FileName)}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "certsmith", "config.yaml"))
	}
	return append(paths, "/etc/certsmith/config.yaml")
}

// Load reads the configuration at path. With an empty path the first
// existing file from SearchPaths is used, falling back to Default.
func Load(path string) (*Config, error) {
	if path != "" {
		return LoadFile(path)
	}
	for _, p := range SearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return LoadFile(p)
		}
	}
	cfg := Default()
	cfg.expandPaths()
	return cfg, nil
}

// LoadFile reads and validates one YAML file. Keys missing from the file
// keep their default values; unknown keys are rejected.
func LoadFile(path string) (*Config, error) {
	const op = "config.Load"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, certerr.WithPath(certerr.FileReadFailed, op, path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		var e *certerr.Error
		if errors.As(err, &e) {
			e.Path = path
		}
		return nil, err
	}
	cfg.Source = path
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, certerr.New(certerr.InvalidConfig, "config.Parse", err)
	}
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML to path, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return certerr.WithPath(certerr.FileWriteFailed, "config.Save", path, err)
	}
	if err := util.WriteFileAtomic(path, data, 0o644); err != nil {
		return certerr.WithPath(certerr.FileWriteFailed, "config.Save", path, err)
	}
	return nil
}

// Marshal renders cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *Config) expandPaths() {
	for _, p := range []*string{
		&c.WorkingDir, &c.OutputDir, &c.CSRInputDir, &c.CAKeyPath, &c.CACertPath, &c.LedgerPath,
		&c.Server.TLSCert, &c.Server.TLSKey,
	} {
		*p = ExpandHome(*p)
	}
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// ExtKeyUsages converts the configured usage names.
func (d Defaults) ExtKeyUsages() ([]x509.ExtKeyUsage, error) {
	out := make([]x509.ExtKeyUsage, 0, len(d.ExtKeyUsage))
	for _, name := range d.ExtKeyUsage {
		u, ok := pki.ParseExtKeyUsage(name)
		if !ok {
			return nil, fmt.Errorf("unknown extended key usage %q", name)
		}
		out = append(out, u)
	}
	return out, nil
}

// BatchConfig maps the file configuration onto a batch.Config. Password
// providers, the ledger and the logger are left for the caller.
func (c *Config) BatchConfig() (batch.Config, error) {
	usages, err := c.Defaults.ExtKeyUsages()
	if err != nil {
		return batch.Config{}, certerr.New(certerr.InvalidConfig, "config.BatchConfig", err)
	}
	return batch.Config{
		CAKeyPath:    c.CAKeyPath,
		CACertPath:   c.CACertPath,
		OutputDir:    c.OutputDir,
		KeySize:      key.Size(c.Defaults.KeySize),
		ValidityDays: c.Defaults.CertDays,
		ExtKeyUsage:  usages,
		KeyMode:      os.FileMode(c.Permissions.PrivateKey),
		CertMode:     os.FileMode(c.Permissions.Certificate),
		DirMode:      os.FileMode(c.Permissions.OutputDir),
		Owner:        c.Defaults.Owner,
		Group:        c.Defaults.Group,
		Parallel:     c.Batch.Parallel,
		MaxWorkers:   c.Batch.MaxWorkers,
	}, nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks every section and reports failures as InvalidConfig.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.CAKeyPath, validation.Required),
		validation.Field(&c.CACertPath, validation.Required),
		validation.Field(&c.OutputDir, validation.Required),
		validation.Field(&c.Defaults),
		validation.Field(&c.Permissions),
		validation.Field(&c.Batch),
		validation.Field(&c.Server),
	)
	if err != nil {
		return certerr.WithDetail(certerr.InvalidConfig, "config.Validate", err.Error())
	}
	return nil
}

func (d Defaults) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.KeySize, validation.Required, validation.In(2048, 3072, 4096)),
		validation.Field(&d.CertDays, validation.Required, validation.Min(pki.MinValidityDays), validation.Max(pki.MaxValidityDays)),
		validation.Field(&d.ExtKeyUsage, validation.Each(validation.By(knownExtKeyUsage))),
	)
}

func (p Permissions) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.PrivateKey, validation.Required, validation.By(noExecuteBit)),
		validation.Field(&p.Certificate, validation.Required, validation.By(noExecuteBit)),
		validation.Field(&p.OutputDir, validation.Required),
	)
}

func (b Batch) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.MaxWorkers, validation.Required, validation.Min(1), validation.Max(256)),
	)
}

func (s Server) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Bind, validation.Required),
		validation.Field(&s.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&s.TLSKey, validation.Required.When(s.TLSCert != "").Error("is required with tls_cert")),
		validation.Field(&s.TLSCert, validation.Required.When(s.TLSKey != "").Error("is required with tls_key")),
	)
}

func knownExtKeyUsage(v any) error {
	name, _ := v.(string)
	if _, ok := pki.ParseExtKeyUsage(name); !ok {
		return fmt.Errorf("unknown usage %q", name)
	}
	return nil
}

func noExecuteBit(v any) error {
	if m, ok := v.(FileMode); ok && m&0o111 != 0 {
		return fmt.Errorf("mode %s must not be executable", m)
	}
	return nil
}

// ---------------------------------------------------------------------------
// FileMode
// ---------------------------------------------------------------------------

// FileMode is a permission value written as an octal string ("0640").
type FileMode os.FileMode

func (m FileMode) String() string {
	return fmt.Sprintf("%04o", uint32(m))
}

func (m FileMode) MarshalYAML() (any, error) {
	return m.String(), nil
}

func (m *FileMode) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseFileMode(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*m = v
	return nil
}

// ParseFileMode parses "0640", "640" or "0o640".
func ParseFileMode(s string) (FileMode, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0o"), "0O")
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil || n > 0o7777 {
		return 0, fmt.Errorf("invalid file mode %q", s)
	}
	return FileMode(n), nil
}
