// Package config provides configuration structures for the capacity tester.
// The main Config struct ties together all captest components.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Errors returned by the config package.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("config: invalid configuration")
	// ErrConfigNotFound is returned when the config file is not found.
	ErrConfigNotFound = errors.New("config: configuration file not found")
)

// Run modes.
const (
	// ModeFlat runs a single stage at a fixed population.
	ModeFlat = "flat"
	// ModeRamp grows the population progressively until max or the stop rule.
	ModeRamp = "ramp"
)

// Config is the root configuration structure for the capacity tester.
type Config struct {
	// Name is a descriptive name for this configuration.
	Name string `yaml:"name" json:"name"`

	// Description provides additional context about the configuration.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Version is the configuration schema version.
	Version string `yaml:"version" json:"version"`

	// Target describes the backend under test.
	Target TargetConfig `yaml:"target" json:"target"`

	// Auth holds the provisioning API credentials.
	Auth AuthConfig `yaml:"auth" json:"auth"`

	// UserContext is the simulated user identity sent to the provisioning API.
	// Unset identity fields are synthesized at startup.
	UserContext UserContextConfig `yaml:"userContext,omitempty" json:"userContext,omitempty"`

	// Metadata is the client metadata bag sent to the provisioning API.
	Metadata MetadataConfig `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	// Message configures the outbound question payload.
	Message MessageConfig `yaml:"message,omitempty" json:"message,omitempty"`

	// Encryption configures the payload encryption layer.
	Encryption EncryptionConfig `yaml:"encryption,omitempty" json:"encryption,omitempty"`

	// Mode selects the run strategy: "flat" or "ramp".
	// Default: "ramp"
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`

	// Sessions is the population size for flat mode.
	// Default: 5
	Sessions int `yaml:"sessions,omitempty" json:"sessions,omitempty"`

	// Ramp configures the progressive ramp.
	Ramp RampConfig `yaml:"ramp,omitempty" json:"ramp,omitempty"`

	// Stage configures per-stage execution.
	Stage StageConfig `yaml:"stage,omitempty" json:"stage,omitempty"`

	// Stop configures the ramp stop rule and recommendation.
	Stop StopConfig `yaml:"stop,omitempty" json:"stop,omitempty"`

	// Monitor configures the periodic concurrency snapshot emitter.
	Monitor MonitorConfig `yaml:"monitor,omitempty" json:"monitor,omitempty"`

	// Courses defines the conversation plan: every session asks every
	// question of every course, in order.
	Courses []CourseConfig `yaml:"courses" json:"courses"`

	// Preflight configures the pre-run connectivity probe.
	Preflight PreflightConfig `yaml:"preflight,omitempty" json:"preflight,omitempty"`

	// Output configures reporting.
	Output OutputConfig `yaml:"output,omitempty" json:"output,omitempty"`

	// Prometheus configures the metrics endpoint.
	Prometheus PrometheusConfig `yaml:"prometheus,omitempty" json:"prometheus,omitempty"`
}

// TargetConfig holds backend endpoint configuration.
type TargetConfig struct {
	// APIBaseURL is the base URL of the provisioning API
	// (e.g., "https://api.example.com").
	APIBaseURL string `yaml:"apiBaseURL" json:"apiBaseURL"`

	// WebSocketURL is the chat WebSocket endpoint
	// (e.g., "wss://chat.example.com/v6/chatbot_websocket/default").
	WebSocketURL string `yaml:"websocketURL" json:"websocketURL"`

	// Origin is the Origin header sent with the WebSocket handshake.
	Origin string `yaml:"origin,omitempty" json:"origin,omitempty"`

	// HandshakeTimeout bounds the WebSocket handshake.
	// Default: 30s
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout,omitempty" json:"handshakeTimeout,omitempty"`

	// APITimeout bounds each provisioning HTTP call.
	// Default: 30s
	APITimeout time.Duration `yaml:"apiTimeout,omitempty" json:"apiTimeout,omitempty"`

	// TokenPath is the generate-token endpoint path.
	// Default: /nuc/v1/generate-token
	TokenPath string `yaml:"tokenPath,omitempty" json:"tokenPath,omitempty"`

	// CreateChatPath is the create-chat endpoint path.
	// Default: /nuc/v1/create-chat
	CreateChatPath string `yaml:"createChatPath,omitempty" json:"createChatPath,omitempty"`

	// Headers are additional headers for all provisioning API requests.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// AuthConfig holds provisioning API credentials.
type AuthConfig struct {
	// AccessKey is the API access key.
	AccessKey string `yaml:"accessKey" json:"accessKey"`

	// SecretKey is the API secret key.
	SecretKey string `yaml:"secretKey" json:"secretKey"`
}

// UserContextConfig is the simulated user identity.
type UserContextConfig struct {
	UserID            int    `yaml:"userID,omitempty" json:"userID,omitempty"`
	UserName          string `yaml:"userName,omitempty" json:"userName,omitempty"`
	UserEmail         string `yaml:"userEmail,omitempty" json:"userEmail,omitempty"`
	CourseID          int    `yaml:"courseID,omitempty" json:"courseID,omitempty"`
	CourseName        string `yaml:"courseName,omitempty" json:"courseName,omitempty"`
	CourseCatalogCode string `yaml:"courseCatalogCode,omitempty" json:"courseCatalogCode,omitempty"`
}

// MetadataConfig is the client metadata bag.
type MetadataConfig struct {
	Latitude  float64 `yaml:"latitude,omitempty" json:"latitude,omitempty"`
	Longitude float64 `yaml:"longitude,omitempty" json:"longitude,omitempty"`
	IPAddress string  `yaml:"ipAddress,omitempty" json:"ipAddress,omitempty"`
	Timezone  string  `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// MessageConfig configures the outbound question payload.
type MessageConfig struct {
	// RequestGreeting asks the backend to generate a greeting message.
	RequestGreeting bool `yaml:"requestGreeting,omitempty" json:"requestGreeting,omitempty"`

	// LanguageCode is the conversation language. Default: "en"
	LanguageCode string `yaml:"languageCode,omitempty" json:"languageCode,omitempty"`

	// UserTimezone is the reported user timezone. Default: "UTC"
	UserTimezone string `yaml:"userTimezone,omitempty" json:"userTimezone,omitempty"`
}

// EncryptionConfig configures the payload encryption layer.
type EncryptionConfig struct {
	// Disabled sends payloads as plaintext JSON (test servers only).
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// RampConfig configures the progressive ramp.
type RampConfig struct {
	// Start is the initial population size. Default: 10
	Start int `yaml:"start,omitempty" json:"start,omitempty"`

	// Increment is how many sessions each step adds. Default: 10
	Increment int `yaml:"increment,omitempty" json:"increment,omitempty"`

	// Max is the population ceiling; the final step lands on it exactly.
	// Default: 100
	Max int `yaml:"max,omitempty" json:"max,omitempty"`

	// Interval is the wait between stages. Default: 3m
	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`

	// Cumulative keeps earlier-stage sessions counted in later targets,
	// adding each increment on top (10, 60, 110...). When false, each stage
	// launches its full target population independently.
	// Default: true
	Cumulative *bool `yaml:"cumulative,omitempty" json:"cumulative,omitempty"`
}

// StageConfig configures per-stage execution.
type StageConfig struct {
	// Deadline bounds a stage's measurement window; sessions still running
	// when it expires are cancelled and counted as failures.
	// Default: 3m in ramp mode, 5m in flat mode.
	Deadline time.Duration `yaml:"deadline,omitempty" json:"deadline,omitempty"`

	// LaunchRate paces session launches within a stage, in sessions per
	// second. Zero launches all at once.
	LaunchRate float64 `yaml:"launchRate,omitempty" json:"launchRate,omitempty"`

	// Grace bounds the wait for cancelled sessions to finish tearing down.
	// Default: 10s
	Grace time.Duration `yaml:"grace,omitempty" json:"grace,omitempty"`
}

// StopConfig configures the ramp stop rule.
type StopConfig struct {
	// Threshold is the minimum per-stage success rate (0.0-1.0); a stage
	// below it stops the ramp. Default: 0.75
	Threshold float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`

	// SafetyFraction is applied to the recommended ceiling to produce the
	// recommended operating limit. Default: 0.8
	SafetyFraction float64 `yaml:"safetyFraction,omitempty" json:"safetyFraction,omitempty"`
}

// MonitorConfig configures the periodic snapshot emitter.
type MonitorConfig struct {
	// Interval is the snapshot cadence. Default: 5s
	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
}

// CourseConfig is one course and its ordered question pool.
type CourseConfig struct {
	// ID is the course catalog code (e.g., "MED1060").
	ID string `yaml:"id" json:"id"`

	// CourseID is the numeric backend identifier, when it differs from the
	// provisioning user context.
	CourseID int `yaml:"courseID,omitempty" json:"courseID,omitempty"`

	// Questions are asked in order; order is significant.
	Questions []string `yaml:"questions,omitempty" json:"questions,omitempty"`

	// Synthesize appends this many generated filler questions to the pool.
	Synthesize int `yaml:"synthesize,omitempty" json:"synthesize,omitempty"`
}

// PreflightConfig configures the pre-run probe.
type PreflightConfig struct {
	// Disabled skips the probe.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`

	// Timeout bounds the whole probe. Default: 30s
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// OutputConfig configures reporting.
type OutputConfig struct {
	// Type is the output type: "console", "json", or "console,json".
	// Default: "console"
	Type string `yaml:"type,omitempty" json:"type,omitempty"`

	// Path is the JSON report file path.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// Verbose enables per-session logging.
	Verbose bool `yaml:"verbose,omitempty" json:"verbose,omitempty"`
}

// PrometheusConfig configures the metrics endpoint.
type PrometheusConfig struct {
	// Enabled starts the /metrics HTTP server.
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Port is the HTTP port. Default: 9090
	Port int `yaml:"port,omitempty" json:"port,omitempty"`

	// Path is the metrics URL path. Default: /metrics
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}

	if c.Target.APIBaseURL == "" {
		return fmt.Errorf("%w: target.apiBaseURL is required", ErrInvalidConfig)
	}
	if c.Target.WebSocketURL == "" {
		return fmt.Errorf("%w: target.websocketURL is required", ErrInvalidConfig)
	}
	if !strings.HasPrefix(c.Target.WebSocketURL, "ws://") && !strings.HasPrefix(c.Target.WebSocketURL, "wss://") {
		return fmt.Errorf("%w: target.websocketURL must use ws:// or wss://", ErrInvalidConfig)
	}

	if c.Mode != "" && c.Mode != ModeFlat && c.Mode != ModeRamp {
		return fmt.Errorf("%w: mode must be %q or %q", ErrInvalidConfig, ModeFlat, ModeRamp)
	}

	if c.Sessions < 0 {
		return fmt.Errorf("%w: sessions must not be negative", ErrInvalidConfig)
	}
	if c.Ramp.Start < 0 || c.Ramp.Increment < 0 || c.Ramp.Max < 0 {
		return fmt.Errorf("%w: ramp values must not be negative", ErrInvalidConfig)
	}
	if c.Ramp.Max > 0 && c.Ramp.Start > c.Ramp.Max {
		return fmt.Errorf("%w: ramp.start must not exceed ramp.max", ErrInvalidConfig)
	}

	if c.Stop.Threshold < 0 || c.Stop.Threshold > 1 {
		return fmt.Errorf("%w: stop.threshold must be within [0, 1]", ErrInvalidConfig)
	}
	if c.Stop.SafetyFraction < 0 || c.Stop.SafetyFraction > 1 {
		return fmt.Errorf("%w: stop.safetyFraction must be within [0, 1]", ErrInvalidConfig)
	}

	if len(c.Courses) == 0 {
		return fmt.Errorf("%w: at least one course is required", ErrInvalidConfig)
	}
	ids := make(map[string]bool)
	for i, course := range c.Courses {
		if course.ID == "" {
			return fmt.Errorf("%w: courses[%d].id is required", ErrInvalidConfig, i)
		}
		if ids[course.ID] {
			return fmt.Errorf("%w: duplicate course id: %s", ErrInvalidConfig, course.ID)
		}
		ids[course.ID] = true
		if course.Synthesize < 0 {
			return fmt.Errorf("%w: courses[%d].synthesize must not be negative", ErrInvalidConfig, i)
		}
	}

	return nil
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}

	if c.Mode == "" {
		c.Mode = ModeRamp
	}
	if c.Sessions == 0 {
		c.Sessions = 5
	}

	if c.Target.HandshakeTimeout == 0 {
		c.Target.HandshakeTimeout = 30 * time.Second
	}
	if c.Target.APITimeout == 0 {
		c.Target.APITimeout = 30 * time.Second
	}
	if c.Target.TokenPath == "" {
		c.Target.TokenPath = "/nuc/v1/generate-token"
	}
	if c.Target.CreateChatPath == "" {
		c.Target.CreateChatPath = "/nuc/v1/create-chat"
	}

	if c.Message.LanguageCode == "" {
		c.Message.LanguageCode = "en"
	}
	if c.Message.UserTimezone == "" {
		c.Message.UserTimezone = "UTC"
	}

	if c.Ramp.Start == 0 {
		c.Ramp.Start = 10
	}
	if c.Ramp.Increment == 0 {
		c.Ramp.Increment = 10
	}
	if c.Ramp.Max == 0 {
		c.Ramp.Max = 100
	}
	if c.Ramp.Interval == 0 {
		c.Ramp.Interval = 3 * time.Minute
	}
	if c.Ramp.Cumulative == nil {
		cumulative := true
		c.Ramp.Cumulative = &cumulative
	}

	if c.Stage.Deadline == 0 {
		if c.Mode == ModeFlat {
			c.Stage.Deadline = 5 * time.Minute
		} else {
			c.Stage.Deadline = 3 * time.Minute
		}
	}
	if c.Stage.Grace == 0 {
		c.Stage.Grace = 10 * time.Second
	}

	if c.Stop.Threshold == 0 {
		c.Stop.Threshold = 0.75
	}
	if c.Stop.SafetyFraction == 0 {
		c.Stop.SafetyFraction = 0.8
	}

	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = 5 * time.Second
	}

	if c.Preflight.Timeout == 0 {
		c.Preflight.Timeout = 30 * time.Second
	}

	if c.Output.Type == "" {
		c.Output.Type = "console"
	}

	if c.Prometheus.Port == 0 {
		c.Prometheus.Port = 9090
	}
	if c.Prometheus.Path == "" {
		c.Prometheus.Path = "/metrics"
	}
}

// IsCumulative reports whether ramp stages accumulate sessions.
func (c *Config) IsCumulative() bool {
	return c.Ramp.Cumulative == nil || *c.Ramp.Cumulative
}

// GetCourseByID returns a course by its catalog code.
func (c *Config) GetCourseByID(id string) *CourseConfig {
	for i := range c.Courses {
		if c.Courses[i].ID == id {
			return &c.Courses[i]
		}
	}
	return nil
}

// QuestionsPerSession returns the total planned question count per session.
func (c *Config) QuestionsPerSession() int {
	total := 0
	for _, course := range c.Courses {
		total += len(course.Questions) + course.Synthesize
	}
	return total
}
