package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort        = "5000"
	defaultBaseURL     = "https://openrouter.ai/api/v1"
	defaultModel       = "google/gemini-2.5-flash-preview-05-20"
	defaultSiteURL     = "https://datadrape.com"
	defaultSiteName    = "DataDrape AI"
	defaultTimeout     = 120 * time.Second
	defaultMaxUpload   = 10 * 1024 * 1024
	defaultStagingDir  = "temp_uploads"
	defaultServiceName = "datadrape-ai"
)

// ErrMissingAPIKey is returned when a chat is requested without an upstream credential.
var ErrMissingAPIKey = errors.New("OpenRouter API key not configured")

// Config aggregates every setting of the service.
type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	Upload   UploadConfig
	CORS     CORSConfig
	Log      LogConfig
	Metrics  MetricsConfig
	OTel     OTelConfig
}

// Load reads the configuration from environment variables.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	upstream, err := loadUpstreamConfig()
	if err != nil {
		return nil, err
	}

	upload, err := loadUploadConfig()
	if err != nil {
		return nil, err
	}

	logCfg, err := loadLogConfig()
	if err != nil {
		return nil, err
	}

	metricsEnabled, err := parseBoolEnv("METRICS_ENABLED", true)
	if err != nil {
		return nil, err
	}

	otel, err := loadOTelConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		Upstream: upstream,
		Upload:   upload,
		CORS:     CORSConfig{AllowedOrigins: parseListEnv("ALLOWED_ORIGINS", []string{"*"})},
		Log:      logCfg,
		Metrics:  MetricsConfig{Enabled: metricsEnabled},
		OTel:     otel,
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr      string
	StaticDir string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = defaultPort
	}

	staticDir := getEnvOrDefault("STATIC_DIR", ".")

	if strings.Contains(port, ":") {
		// ":5000" and "127.0.0.1:5000" are used verbatim.
		return ServerConfig{Addr: port, StaticDir: staticDir}, nil
	}

	if _, err := strconv.Atoi(port); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, StaticDir: staticDir}, nil
}

// UpstreamConfig describes the model API the relay forwards to.
type UpstreamConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	SiteURL  string
	SiteName string
	Timeout  time.Duration
}

// Enabled reports whether a credential was supplied.
func (c UpstreamConfig) Enabled() bool {
	return c.APIKey != ""
}

// Validate returns ErrMissingAPIKey when no credential is configured.
func (c UpstreamConfig) Validate() error {
	if !c.Enabled() {
		return ErrMissingAPIKey
	}
	return nil
}

// CompletionsURL is the chat completions endpoint under BaseURL.
func (c UpstreamConfig) CompletionsURL() string {
	return strings.TrimRight(c.BaseURL, "/") + "/chat/completions"
}

func loadUpstreamConfig() (UpstreamConfig, error) {
	timeout, err := parseDurationEnv("UPSTREAM_TIMEOUT", defaultTimeout)
	if err != nil {
		return UpstreamConfig{}, err
	}
	if timeout <= 0 {
		return UpstreamConfig{}, fmt.Errorf("invalid UPSTREAM_TIMEOUT value %q: must be positive", os.Getenv("UPSTREAM_TIMEOUT"))
	}

	return UpstreamConfig{
		APIKey:   strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")),
		BaseURL:  getEnvOrDefault("OPENROUTER_BASE_URL", defaultBaseURL),
		Model:    getEnvOrDefault("OPENROUTER_MODEL", defaultModel),
		SiteURL:  getEnvOrDefault("SITE_URL", defaultSiteURL),
		SiteName: getEnvOrDefault("SITE_NAME", defaultSiteName),
		Timeout:  timeout,
	}, nil
}

// UploadConfig describes image upload limits and the staging location.
type UploadConfig struct {
	MaxBytes   int64
	StagingDir string
}

// ChatBodyLimit bounds a chat request body. It leaves room for a few
// images at the upload limit, base64 encoded as data URLs, plus 1MB of
// surrounding JSON.
func (c UploadConfig) ChatBodyLimit() int64 {
	const imagesPerRequest = 4
	return (c.MaxBytes+2)/3*4*imagesPerRequest + 1<<20
}

func loadUploadConfig() (UploadConfig, error) {
	maxBytes := int64(defaultMaxUpload)
	override, err := parseOptionalIntEnv("MAX_UPLOAD_BYTES")
	if err != nil {
		return UploadConfig{}, err
	}
	if override != nil {
		if *override <= 0 {
			return UploadConfig{}, fmt.Errorf("invalid MAX_UPLOAD_BYTES value %d: must be positive", *override)
		}
		maxBytes = int64(*override)
	}

	return UploadConfig{
		MaxBytes:   maxBytes,
		StagingDir: getEnvOrDefault("UPLOAD_STAGING_DIR", defaultStagingDir),
	}, nil
}

// CORSConfig lists the origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string
	Format string
}

func loadLogConfig() (LogConfig, error) {
	format := strings.ToLower(getEnvOrDefault("LOG_FORMAT", "text"))
	if format != "text" && format != "json" {
		return LogConfig{}, fmt.Errorf("invalid LOG_FORMAT value %q: expected text or json", format)
	}
	return LogConfig{
		Level:  strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Format: format,
	}, nil
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
}

// OTelConfig configures OTLP trace export.
type OTelConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
	Protocol    string
	Insecure    bool
	Headers     map[string]string
	SampleRatio float64
}

func loadOTelConfig() (OTelConfig, error) {
	enabled, err := parseBoolEnv("OTEL_ENABLED", false)
	if err != nil {
		return OTelConfig{}, err
	}

	endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	insecure, err := parseBoolEnv("OTEL_EXPORTER_OTLP_INSECURE", endpoint == "" || strings.HasPrefix(endpoint, "http://"))
	if err != nil {
		return OTelConfig{}, err
	}

	ratio := 1.0
	override, err := parseOptionalFloatEnv("OTEL_TRACES_SAMPLE_RATIO")
	if err != nil {
		return OTelConfig{}, err
	}
	if override != nil {
		ratio = min(max(*override, 0), 1)
	}

	return OTelConfig{
		Enabled:     enabled,
		ServiceName: getEnvOrDefault("OTEL_SERVICE_NAME", defaultServiceName),
		Endpoint:    endpoint,
		Protocol:    strings.ToLower(getEnvOrDefault("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
		Insecure:    insecure,
		Headers:     parseHeadersEnv("OTEL_EXPORTER_OTLP_HEADERS"),
		SampleRatio: ratio,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseListEnv(key string, defaultValue []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue
	}

	items := make([]string, 0, 4)
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}

// parseHeadersEnv reads "k1=v1,k2=v2" pairs; malformed pairs are ignored.
func parseHeadersEnv(key string) map[string]string {
	items := parseListEnv(key, nil)
	if len(items) == 0 {
		return nil
	}

	headers := make(map[string]string, len(items))
	for _, item := range items {
		name, value, ok := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	// Bare integers are seconds.
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
