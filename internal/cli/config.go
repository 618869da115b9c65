package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/ahimsalabs/forcestream-go/forcestream"
)

// config returns the defaults overlaid with the config file, then the
// SALESFORCE_* environment, then global flags.
func (a *app) config() (*forcestream.Config, error) {
	cfg, err := loadConfig(a.opts.Config, a.getenv)
	if err != nil {
		return nil, err
	}
	if a.opts.LoginURL != "" {
		cfg.LoginURL = a.opts.LoginURL
	}
	if a.opts.APIVersion != "" {
		cfg.APIVersion = a.opts.APIVersion
	}
	normalizeConfig(cfg)
	return cfg, nil
}

// loadConfig reads path, if set, and applies environment overrides. Files
// ending in .yaml or .yml are YAML; anything else is JSON, which may carry
// comments and trailing commas.
func loadConfig(path string, getenv func(string) string) (*forcestream.Config, error) {
	cfg := forcestream.DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if err := decodeConfig(path, data, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeConfig(path string, data []byte, cfg *forcestream.Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing yaml: %w", err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return fmt.Errorf("parsing json: %w", err)
		}
	}
	return nil
}

type envOverride struct {
	name string
	set  func(cfg *forcestream.Config, v string) error
}

var envOverrides = []envOverride{
	{"SALESFORCE_CLIENT_ID", func(c *forcestream.Config, v string) error { c.ClientID = v; return nil }},
	{"SALESFORCE_CLIENT_SECRET", func(c *forcestream.Config, v string) error { c.ClientSecret = v; return nil }},
	{"SALESFORCE_LOGIN_URL", func(c *forcestream.Config, v string) error { c.LoginURL = v; return nil }},
	{"SALESFORCE_REFRESH_TOKEN", func(c *forcestream.Config, v string) error { c.RefreshToken = v; return nil }},
	{"SALESFORCE_OAUTH_URI", func(c *forcestream.Config, v string) error { c.OAuthURI = v; return nil }},
	{"SALESFORCE_COMETD_URI", func(c *forcestream.Config, v string) error { c.CometDURI = v; return nil }},
	{"SALESFORCE_API_VERSION", func(c *forcestream.Config, v string) error { c.APIVersion = v; return nil }},
	{"SALESFORCE_TOKEN_EXPIRATION", func(c *forcestream.Config, v string) error { c.TokenExpiration = v; return nil }},
	{"SALESFORCE_RETRY", func(c *forcestream.Config, v string) (err error) {
		c.Retry, err = strconv.Atoi(v)
		return err
	}},
	{"SALESFORCE_BACKOFF_POWER", func(c *forcestream.Config, v string) (err error) {
		c.BackoffPower, err = strconv.ParseFloat(v, 64)
		return err
	}},
	{"SALESFORCE_READ_TIMEOUT", func(c *forcestream.Config, v string) (err error) {
		c.ReadTimeout, err = strconv.ParseInt(v, 10, 64)
		return err
	}},
	{"SALESFORCE_REQUESTS_PER_SECOND", func(c *forcestream.Config, v string) (err error) {
		c.RequestsPerSecond, err = strconv.ParseFloat(v, 64)
		return err
	}},
	{"SALESFORCE_REPLAY_ID", func(c *forcestream.Config, v string) (err error) {
		c.ReplayID, err = parseReplay(v)
		return err
	}},
	{"SALESFORCE_TOPICS", func(c *forcestream.Config, v string) error {
		c.Topics = splitList(v)
		return nil
	}},
}

func applyEnv(cfg *forcestream.Config, getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	for _, o := range envOverrides {
		v := strings.TrimSpace(getenv(o.name))
		if v == "" {
			continue
		}
		if err := o.set(cfg, v); err != nil {
			return fmt.Errorf("%s: %w", o.name, err)
		}
	}
	return nil
}

// normalizeConfig keeps the streaming endpoint on the configured API
// version unless it was set explicitly.
func normalizeConfig(cfg *forcestream.Config) {
	cfg.APIVersion = strings.TrimPrefix(cfg.APIVersion, "v")
	if cfg.CometDURI == forcestream.DefaultCometDURI && cfg.APIVersion != forcestream.DefaultAPIVersion {
		cfg.CometDURI = "/cometd/" + cfg.APIVersion
	}
}

// parseReplay accepts "new", "all" or a replay id.
func parseReplay(s string) (int64, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "new":
		return forcestream.NoReplay, nil
	case "all":
		return forcestream.ReplayAll, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("replay %q: want new, all or a replay id", s)
	}
	if n < forcestream.ReplayAll {
		return 0, fmt.Errorf("replay %d: must be >= %d", n, forcestream.ReplayAll)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
