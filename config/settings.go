package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Settings holds all configuration for the forecast submitter
type Settings struct {
	// Core Identity
	WorkerID string
	Wallet   string
	KeyName  string

	// Network Configuration
	ChainID    string
	APIBaseURL string // LCD REST endpoint
	NodeRPC    string // Tendermint RPC for the CLI
	CLIBinary  string

	// Transport Configuration
	SDKEndpoint   string // local SDK sidecar submit endpoint
	HelperCommand string // last-resort helper script
	HelperArgs    []string
	CLITimeout    time.Duration
	SDKTimeout    time.Duration
	HelperTimeout time.Duration

	// Topics & Forecasting
	TopicIDs        []uint64
	ForecastCommand string // model inference command, prints JSON to stdout
	ForecastArgs    []string
	ForecastTimeout time.Duration

	// Submission Cadence
	Cadence          time.Duration
	CompetitionStart time.Time
	CompetitionEnd   time.Time
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	Cooldown         time.Duration
	ForceSubmit      bool

	// Topic Evaluation
	MinStakeOverride  *float64
	ReputerPolicy     string
	DegradedThreshold int
	ProbeTimeout      time.Duration
	WindowParamsTTL   time.Duration

	// Loss Filter
	LossFilterEnabled    bool
	LossFilterQuantile   float64
	LossFilterWindow     int
	LossFilterMinSamples int

	// Ledger Configuration
	LedgerPath      string
	LockTimeout     time.Duration
	BackfillEnabled bool

	// Redis Configuration
	RedisURL       string
	CacheSize      int
	CacheTTL       time.Duration
	HeartbeatEvery time.Duration

	// API Configuration
	APIHost      string
	APIPort      int
	APIAuthToken string

	// Monitoring & Debugging
	MetricsEnabled bool
	MetricsPort    int
	LogLevel       string
	DebugMode      bool
}

var (
	// SettingsObj is the global settings instance
	SettingsObj *Settings
)

// LoadConfig loads configuration from the environment, reading a .env
// file first when one is present.
func LoadConfig() error {
	if err := godotenv.Load(); err == nil {
		log.Debug("Loaded environment from .env")
	}

	SettingsObj = &Settings{
		// Core Identity
		WorkerID: getEnv("WORKER_ID", "forge-worker-1"),
		Wallet:   getEnv("WALLET_ADDRESS", ""),
		KeyName:  getEnv("KEY_NAME", "worker"),

		// Network Configuration
		ChainID:    getEnv("CHAIN_ID", "allora-testnet-1"),
		APIBaseURL: strings.TrimRight(getEnv("API_BASE_URL", ""), "/"),
		NodeRPC:    getEnv("NODE_RPC", ""),
		CLIBinary:  getEnv("CLI_BINARY", "allorad"),

		// Transport Configuration
		SDKEndpoint:   getEnv("SDK_ENDPOINT", ""),
		HelperCommand: getEnv("HELPER_COMMAND", ""),
		CLITimeout:    time.Duration(getEnvAsInt("CLI_TIMEOUT_SECONDS", 30)) * time.Second,
		SDKTimeout:    time.Duration(getEnvAsInt("SDK_TIMEOUT_SECONDS", 20)) * time.Second,
		HelperTimeout: time.Duration(getEnvAsInt("HELPER_TIMEOUT_SECONDS", 60)) * time.Second,

		// Topics & Forecasting
		ForecastCommand: getEnv("FORECAST_COMMAND", ""),
		ForecastTimeout: time.Duration(getEnvAsInt("FORECAST_TIMEOUT_SECONDS", 120)) * time.Second,

		// Submission Cadence
		Cadence:     time.Duration(getEnvAsInt("SUBMISSION_CADENCE_SECONDS", 3600)) * time.Second,
		MaxAttempts: getEnvAsInt("MAX_ATTEMPTS", 3),
		BackoffBase: time.Duration(getEnvAsInt("BACKOFF_BASE_SECONDS", 5)) * time.Second,
		BackoffMax:  time.Duration(getEnvAsInt("BACKOFF_MAX_SECONDS", 120)) * time.Second,
		Cooldown:    time.Duration(getEnvAsInt("COOLDOWN_SECONDS", 0)) * time.Second,
		ForceSubmit: getBoolEnv("FORCE_SUBMIT", false),

		// Topic Evaluation
		ReputerPolicy:     getEnv("REPUTER_ESTIMATE_POLICY", "estimate_one"),
		DegradedThreshold: getEnvAsInt("DEGRADED_THRESHOLD", 3),
		ProbeTimeout:      time.Duration(getEnvAsInt("PROBE_TIMEOUT_SECONDS", 10)) * time.Second,
		WindowParamsTTL:   time.Duration(getEnvAsInt("WINDOW_PARAMS_TTL_SECONDS", 600)) * time.Second,

		// Loss Filter
		LossFilterEnabled:    getBoolEnv("LOSS_FILTER_ENABLED", true),
		LossFilterQuantile:   getEnvAsFloat("LOSS_FILTER_QUANTILE", 0.9),
		LossFilterWindow:     getEnvAsInt("LOSS_FILTER_WINDOW", 24),
		LossFilterMinSamples: getEnvAsInt("LOSS_FILTER_MIN_SAMPLES", 5),

		// Ledger Configuration
		LedgerPath:      getEnv("LEDGER_PATH", "./data/submissions.csv"),
		LockTimeout:     time.Duration(getEnvAsInt("LEDGER_LOCK_TIMEOUT_SECONDS", 10)) * time.Second,
		BackfillEnabled: getBoolEnv("BACKFILL_ENABLED", true),

		// Redis Configuration
		RedisURL:       getEnv("REDIS_URL", ""),
		CacheSize:      getEnvAsInt("CACHE_SIZE", 256),
		CacheTTL:       time.Duration(getEnvAsInt("CACHE_TTL_SECONDS", 86400)) * time.Second,
		HeartbeatEvery: time.Duration(getEnvAsInt("HEARTBEAT_SECONDS", 30)) * time.Second,

		// API Configuration
		APIHost:      getEnv("API_HOST", "0.0.0.0"),
		APIPort:      getEnvAsInt("API_PORT", 8080),
		APIAuthToken: getEnv("API_AUTH_TOKEN", ""),

		// Monitoring & Debugging
		MetricsEnabled: getBoolEnv("METRICS_ENABLED", true),
		MetricsPort:    getEnvAsInt("METRICS_PORT", 9090),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		DebugMode:      getBoolEnv("DEBUG_MODE", false),
	}

	if err := loadTopicIDs(); err != nil {
		return fmt.Errorf("failed to load topic IDs: %w", err)
	}
	loadHelperArgs()
	loadForecastArgs()
	loadCompetitionInterval()
	loadMinStakeOverride()

	configureLogging()

	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logConfigSummary()

	return nil
}

// loadTopicIDs parses TOPIC_IDS as comma-separated or JSON array
func loadTopicIDs() error {
	topicsStr := getEnv("TOPIC_IDS", "")
	if topicsStr == "" {
		return nil
	}

	var raw []string
	if strings.HasPrefix(topicsStr, "[") {
		if err := json.Unmarshal([]byte(topicsStr), &raw); err != nil {
			// Tolerate unquoted JSON arrays like [13,14]
			var nums []uint64
			if err2 := json.Unmarshal([]byte(topicsStr), &nums); err2 != nil {
				return fmt.Errorf("failed to parse TOPIC_IDS: %w", err)
			}
			SettingsObj.TopicIDs = nums
			return nil
		}
	} else {
		raw = strings.Split(topicsStr, ",")
	}

	for _, s := range raw {
		s = strings.TrimSpace(strings.Trim(s, "\""))
		if s == "" {
			continue
		}
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid topic ID %q: %w", s, err)
		}
		SettingsObj.TopicIDs = append(SettingsObj.TopicIDs, id)
	}
	return nil
}

func loadHelperArgs() {
	argsStr := getEnv("HELPER_ARGS", "")
	if argsStr == "" {
		return
	}
	if strings.HasPrefix(argsStr, "[") {
		json.Unmarshal([]byte(argsStr), &SettingsObj.HelperArgs)
		return
	}
	SettingsObj.HelperArgs = strings.Fields(argsStr)
}

func loadForecastArgs() {
	argsStr := getEnv("FORECAST_ARGS", "")
	if argsStr == "" {
		return
	}
	if strings.HasPrefix(argsStr, "[") {
		json.Unmarshal([]byte(argsStr), &SettingsObj.ForecastArgs)
		return
	}
	SettingsObj.ForecastArgs = strings.Fields(argsStr)
}

// loadCompetitionInterval parses the optional competition bounds as RFC3339
func loadCompetitionInterval() {
	if start := getEnv("COMPETITION_START", ""); start != "" {
		if ts, err := time.Parse(time.RFC3339, start); err == nil {
			SettingsObj.CompetitionStart = ts.UTC()
		} else {
			log.Warnf("Ignoring unparseable COMPETITION_START %q: %v", start, err)
		}
	}
	if end := getEnv("COMPETITION_END", ""); end != "" {
		if ts, err := time.Parse(time.RFC3339, end); err == nil {
			SettingsObj.CompetitionEnd = ts.UTC()
		} else {
			log.Warnf("Ignoring unparseable COMPETITION_END %q: %v", end, err)
		}
	}
}

func loadMinStakeOverride() {
	if raw := getEnv("MIN_STAKE_OVERRIDE", ""); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			SettingsObj.MinStakeOverride = &v
		} else {
			log.Warnf("Ignoring unparseable MIN_STAKE_OVERRIDE %q: %v", raw, err)
		}
	}
}

// configureLogging sets up the logger based on configuration
func configureLogging() {
	switch strings.ToLower(SettingsObj.LogLevel) {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	if SettingsObj.DebugMode {
		log.SetLevel(log.DebugLevel)
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		ForceColors:   true,
	})
}

// validateConfig validates the loaded configuration
func validateConfig() error {
	if SettingsObj.Wallet == "" {
		return fmt.Errorf("WALLET_ADDRESS is required")
	}
	if len(SettingsObj.TopicIDs) == 0 {
		return fmt.Errorf("TOPIC_IDS is required")
	}
	if SettingsObj.ForecastCommand == "" {
		return fmt.Errorf("FORECAST_COMMAND is required")
	}

	if SettingsObj.SDKEndpoint == "" && SettingsObj.CLIBinary == "" && SettingsObj.HelperCommand == "" {
		return fmt.Errorf("at least one transport must be configured (SDK_ENDPOINT, CLI_BINARY or HELPER_COMMAND)")
	}

	if SettingsObj.APIBaseURL == "" && SettingsObj.CLIBinary == "" {
		log.Warn("No API_BASE_URL or CLI_BINARY configured - topic evaluation will run blind")
	}

	policy := SettingsObj.ReputerPolicy
	if policy != "estimate_one" && policy != "strict_block" {
		return fmt.Errorf("invalid REPUTER_ESTIMATE_POLICY %q (want estimate_one or strict_block)", policy)
	}

	if !SettingsObj.CompetitionStart.IsZero() && !SettingsObj.CompetitionEnd.IsZero() &&
		SettingsObj.CompetitionEnd.Before(SettingsObj.CompetitionStart) {
		return fmt.Errorf("COMPETITION_END precedes COMPETITION_START")
	}

	return nil
}

// logConfigSummary logs a summary of the configuration
func logConfigSummary() {
	log.Info("=== Configuration Loaded ===")
	log.Infof("Worker ID: %s", SettingsObj.WorkerID)
	log.Infof("Wallet: %s", SettingsObj.Wallet)
	log.Infof("Chain: %s", SettingsObj.ChainID)
	log.Infof("Topics: %v", SettingsObj.TopicIDs)
	log.Infof("Cadence: %v, MaxAttempts: %d", SettingsObj.Cadence, SettingsObj.MaxAttempts)

	transports := []string{}
	if SettingsObj.SDKEndpoint != "" {
		transports = append(transports, "sdk")
	}
	if SettingsObj.CLIBinary != "" {
		transports = append(transports, "cli")
	}
	if SettingsObj.HelperCommand != "" {
		transports = append(transports, "helper")
	}
	log.Infof("Transports: %s", strings.Join(transports, " > "))

	log.Infof("Ledger: %s", SettingsObj.LedgerPath)
	if SettingsObj.RedisURL != "" {
		log.Info("Redis cache: enabled")
	}
	if SettingsObj.LossFilterEnabled {
		log.Infof("Loss filter: q=%.2f window=%d", SettingsObj.LossFilterQuantile, SettingsObj.LossFilterWindow)
	}
	if SettingsObj.ForceSubmit {
		log.Warn("FORCE_SUBMIT enabled - lifecycle and loss guards are bypassed")
	}
	log.Info("============================")
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		value = strings.ToLower(value)
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}
