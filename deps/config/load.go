package config

import (
	"bytes"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	logging "github.com/ipfs/go-log/v2"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"
)

var log = logging.Logger("cmtidx/config")

// EnvPrefix prefixes environment overrides, e.g. CMTIDX_CHAIN_RPCURL.
const EnvPrefix = "CMTIDX"

// FromFile loads config from a specified file overriding defaults. If the file does not
// exist the defaults are used, still subject to environment overrides.
func FromFile(path string) (*Config, error) {
	def := DefaultConfig()
	if path == "" {
		return def, finish(def)
	}
	p, err := homedir.Expand(path)
	if err != nil {
		return nil, xerrors.Errorf("expanding config path %s: %w", path, err)
	}

	file, err := os.Open(p)
	switch {
	case os.IsNotExist(err):
		log.Debugw("no config file, using defaults", "path", p)
		return def, finish(def)
	case err != nil:
		return nil, err
	}
	defer func() {
		_ = file.Close()
	}()
	return FromReader(file, def)
}

// FromReader decodes TOML from reader on top of def.
func FromReader(reader io.Reader, def *Config) (*Config, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, reader); err != nil {
		return nil, err
	}
	cfg := def
	md, err := toml.Decode(buf.String(), cfg)
	if err != nil {
		return nil, xerrors.Errorf("decoding config: %w", err)
	}
	if und := md.Undecoded(); len(und) > 0 {
		log.Warnw("unknown config keys", "keys", und)
	}
	return cfg, finish(cfg)
}

func finish(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return xerrors.Errorf("processing env vars overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return xerrors.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Store.Kind {
	case StoreLevelDB, StoreHarmonyDB:
	default:
		return xerrors.Errorf("unknown store kind %q", c.Store.Kind)
	}
	if c.Backfill.SignaturePageSize <= 0 || c.Backfill.SignaturePageSize > 1000 {
		return xerrors.Errorf("signature page size %d out of range (1..1000)", c.Backfill.SignaturePageSize)
	}
	if c.Repair.MaxAttempts <= 0 {
		return xerrors.New("repair needs at least one attempt")
	}
	if c.Backfill.RetryMaxBackoff < c.Backfill.RetryMinBackoff {
		return xerrors.New("retry max backoff is below the min backoff")
	}
	return nil
}

// ExpandedStoreDir returns Store.Dir with ~ resolved.
func (c *Config) ExpandedStoreDir() (string, error) {
	return homedir.Expand(c.Store.Dir)
}

var sectionRx = regexp.MustCompile(`^\[(.+)]$`)

// Encode renders cfg as TOML. With commentDefaults, every value equal to its default is
// commented out, so that only deliberate settings stay active.
func Encode(cfg *Config, commentDefaults bool) ([]byte, error) {
	cur, err := encode(cfg)
	if err != nil {
		return nil, xerrors.Errorf("encoding config: %w", err)
	}
	if !commentDefaults {
		return []byte(cur), nil
	}
	def, err := encode(DefaultConfig())
	if err != nil {
		return nil, xerrors.Errorf("encoding default config: %w", err)
	}

	defaults := map[string]struct{}{}
	walk(def, func(section, line string) {
		defaults[section+"."+line] = struct{}{}
	})

	var out []string
	var section string
	for _, line := range strings.Split(cur, "\n") {
		trimmed := strings.TrimSpace(line)
		if m := sectionRx.FindStringSubmatch(trimmed); m != nil {
			section = m[1]
			out = append(out, line)
			continue
		}
		if trimmed == "" || trimmed[0] == '#' {
			out = append(out, line)
			continue
		}
		if _, ok := defaults[section+"."+trimmed]; ok {
			pad := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
			line = pad + "#" + trimmed
		}
		out = append(out, line)
	}
	return []byte(strings.Join(out, "\n")), nil
}

func encode(cfg *Config) (string, error) {
	buf := new(bytes.Buffer)
	if err := toml.NewEncoder(buf).Encode(cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func walk(text string, f func(section, line string)) {
	var section string
	for _, line := range strings.Split(text, "\n") {
		l := strings.TrimSpace(line)
		if l == "" || l[0] == '#' {
			continue
		}
		if m := sectionRx.FindStringSubmatch(l); m != nil {
			section = m[1]
			continue
		}
		f(section, l)
	}
}
