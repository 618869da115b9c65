package forcestream

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the connection settings for a Salesforce org.
//
// # Zero Values
//
// DefaultConfig returns a Config with every optional field set. Callers
// that build a Config by hand get these defaults from the accessor methods:
//   - TokenTTL: 1h when TokenExpiration is empty or unparseable
//   - ReadTimeoutDuration: 120s when ReadTimeout is zero or negative
type Config struct {
	// ClientID is the consumer key of the connected app.
	ClientID string `yaml:"clientId" json:"clientId"`

	// ClientSecret is the consumer secret of the connected app.
	ClientSecret string `yaml:"clientSecret" json:"clientSecret"`

	// LoginURL is the authorization server, e.g. https://login.salesforce.com.
	LoginURL string `yaml:"loginUrl" json:"loginUrl"`

	// RefreshToken is exchanged for access tokens.
	RefreshToken string `yaml:"refreshToken" json:"refreshToken"`

	// OAuthURI is the token endpoint path appended to LoginURL.
	OAuthURI string `yaml:"oauthUri" json:"oauthUri"`

	// OAuthorizeURI is the authorization endpoint path appended to LoginURL.
	// Used only by the interactive token generator.
	OAuthorizeURI string `yaml:"oauthorizeUri" json:"oauthorizeUri"`

	// CometDURI is the streaming endpoint path on the instance, e.g. /cometd/44.0.
	CometDURI string `yaml:"cometdUri" json:"cometdUri"`

	// APIVersion is the REST API version without the leading "v".
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`

	// Retry is the number of retries for authentication and API calls.
	Retry int `yaml:"retry" json:"retry"`

	// BackoffPower is the base of the exponential backoff in seconds.
	BackoffPower float64 `yaml:"backoffPower" json:"backoffPower"`

	// TokenExpiration is how long an access token is trusted, as a Go
	// duration ("1h") or as "hh:mm:ss".
	TokenExpiration string `yaml:"tokenExpiration" json:"tokenExpiration"`

	// ReadTimeout is the long-poll timeout in milliseconds.
	ReadTimeout int64 `yaml:"readTimeout" json:"readTimeout"`

	// RequestsPerSecond limits REST calls. Zero means unlimited.
	RequestsPerSecond float64 `yaml:"requestsPerSecond" json:"requestsPerSecond"`

	// ReplayID is the cursor used for topics that have no stored cursor.
	ReplayID int64 `yaml:"replayId" json:"replayId"`

	// Topics are subscribed by the listen command.
	Topics []string `yaml:"topics" json:"topics"`
}

// Defaults applied by DefaultConfig.
const (
	DefaultLoginURL        = "https://login.salesforce.com"
	DefaultOAuthURI        = "/services/oauth2/token"
	DefaultOAuthorizeURI   = "/services/oauth2/authorize"
	DefaultAPIVersion      = "44.0"
	DefaultCometDURI       = "/cometd/" + DefaultAPIVersion
	DefaultRetry           = 3
	DefaultBackoffPower    = 2
	DefaultTokenExpiration = time.Hour
	DefaultReadTimeout     = 120 * time.Second
)

// DefaultConfig returns a Config with defaults for every optional field.
func DefaultConfig() Config {
	return Config{
		LoginURL:        DefaultLoginURL,
		OAuthURI:        DefaultOAuthURI,
		OAuthorizeURI:   DefaultOAuthorizeURI,
		CometDURI:       DefaultCometDURI,
		APIVersion:      DefaultAPIVersion,
		Retry:           DefaultRetry,
		BackoffPower:    DefaultBackoffPower,
		TokenExpiration: "01:00:00",
		ReadTimeout:     DefaultReadTimeout.Milliseconds(),
		ReplayID:        NoReplay,
	}
}

// Validate reports every missing or malformed field.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ClientID) == "" {
		errs = append(errs, errors.New("clientId is required"))
	}
	if strings.TrimSpace(c.RefreshToken) == "" {
		errs = append(errs, errors.New("refreshToken is required"))
	}
	if u, err := url.Parse(c.LoginURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("loginUrl %q is not an absolute URL", c.LoginURL))
	}
	if !strings.HasPrefix(c.OAuthURI, "/") {
		errs = append(errs, fmt.Errorf("oauthUri %q must start with /", c.OAuthURI))
	}
	if !strings.HasPrefix(c.CometDURI, "/") {
		errs = append(errs, fmt.Errorf("cometdUri %q must start with /", c.CometDURI))
	}
	if c.Retry < 0 {
		errs = append(errs, fmt.Errorf("retry must not be negative, got %d", c.Retry))
	}
	if c.BackoffPower < 1 {
		errs = append(errs, fmt.Errorf("backoffPower must be at least 1, got %v", c.BackoffPower))
	}
	if c.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("requestsPerSecond must not be negative, got %v", c.RequestsPerSecond))
	}
	if c.ReplayID < ReplayAll {
		errs = append(errs, fmt.Errorf("replayId must be >= %d, got %d", ReplayAll, c.ReplayID))
	}
	return errors.Join(errs...)
}

// TokenTTL returns the parsed TokenExpiration, or DefaultTokenExpiration
// when it is empty or unparseable.
func (c *Config) TokenTTL() time.Duration {
	if d, ok := parseTimeSpan(c.TokenExpiration); ok && d > 0 {
		return d
	}
	return DefaultTokenExpiration
}

// ReadTimeoutDuration returns ReadTimeout as a duration, or
// DefaultReadTimeout when it is not positive.
func (c *Config) ReadTimeoutDuration() time.Duration {
	if c.ReadTimeout <= 0 {
		return DefaultReadTimeout
	}
	return time.Duration(c.ReadTimeout) * time.Millisecond
}

// parseTimeSpan accepts Go durations and "[d.]hh:mm:ss[.fff]".
func parseTimeSpan(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, true
	}

	var days int64
	if dot := strings.Index(s, "."); dot >= 0 && dot < strings.Index(s, ":") {
		n, err := strconv.ParseInt(s[:dot], 10, 64)
		if err != nil {
			return 0, false
		}
		days, s = n, s[dot+1:]
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, false
	}
	hours, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || hours < 0 || hours > 23 {
		return 0, false
	}
	minutes, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || seconds < 0 || seconds >= 60 {
		return 0, false
	}

	d := time.Duration(days)*24*time.Hour +
		time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
	return d, true
}
