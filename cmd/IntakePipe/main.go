package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/IntakePipe/internal/api"
	"github.com/BTreeMap/IntakePipe/internal/genai"
	"github.com/BTreeMap/IntakePipe/internal/store"
	"github.com/BTreeMap/IntakePipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for IntakePipe state data
	DefaultStateDir = "/var/lib/intakepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "intakepipe.db"
)

func main() {
	// Environment first so DEBUG can pick the log level.
	config := loadEnvironmentConfig()
	initializeLogger(config.Debug)

	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}

	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts, err := buildAPIOptions(flags)
	if err != nil {
		slog.Error("Failed to build API options", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping IntakePipe with configured modules")
	slog.Debug("Module options counts", "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", flags.StateDir, "dsn_set", flags.DBDSN != "", "api_addr", flags.APIAddr,
		"catalog_file", flags.CatalogFile, "redis_set", flags.RedisAddr != "")
	if err := api.Run(storeOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("IntakePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("IntakePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	DatabaseURL      string
	OpenAIKey        string
	OpenAIModel      string
	APIAddr          string
	CatalogFile      string
	RedisAddr        string
	SystemPromptFile string
	ActionTimeout    time.Duration
	Debug            bool
}

// Flags holds command line flag values
type Flags struct {
	StateDir         string
	DBDSN            string
	OpenAIKey        string
	OpenAIModel      string
	APIAddr          string
	CatalogFile      string
	RedisAddr        string
	SystemPromptFile string
	ActionTimeout    time.Duration
	Debug            bool
}

// initializeLogger sets up structured text logging on stdout.
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("INTAKEPIPE_STATE_DIR"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		APIAddr:          os.Getenv("API_ADDR"),
		CatalogFile:      os.Getenv("CATALOG_FILE"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		SystemPromptFile: os.Getenv("SYSTEM_PROMPT_FILE"),
		ActionTimeout:    util.ParseDurationEnv("ACTION_TIMEOUT", api.DefaultActionTimeout),
		Debug:            util.ParseBoolEnv("DEBUG", false),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No INTAKEPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"INTAKEPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"API_ADDR", config.APIAddr,
		"CATALOG_FILE", config.CatalogFile,
		"REDIS_ADDR_SET", config.RedisAddr != "",
		"ACTION_TIMEOUT", config.ActionTimeout,
		"DEBUG", config.Debug)

	return config
}

// parseCommandLineFlags parses args with environment defaults. Without an
// explicit DSN the SQLite database lives in the (possibly overridden) state directory.
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	var flags Flags
	fs := flag.NewFlagSet("intakepipe", flag.ContinueOnError)
	fs.StringVar(&flags.StateDir, "state-dir", config.StateDir, "state directory for IntakePipe data (overrides $INTAKEPIPE_STATE_DIR)")
	fs.StringVar(&flags.DBDSN, "db-dsn", config.DatabaseURL, "database DSN, PostgreSQL URL or SQLite path (overrides $DATABASE_URL)")
	fs.StringVar(&flags.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&flags.OpenAIModel, "openai-model", config.OpenAIModel, "chat model (overrides $OPENAI_MODEL)")
	fs.StringVar(&flags.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&flags.CatalogFile, "catalog", config.CatalogFile, "YAML question catalog to seed at start-up (overrides $CATALOG_FILE)")
	fs.StringVar(&flags.RedisAddr, "redis-addr", config.RedisAddr, "Redis address for shared session locks (overrides $REDIS_ADDR)")
	fs.StringVar(&flags.SystemPromptFile, "system-prompt-file", config.SystemPromptFile, "file with the assistant base prompt (overrides $SYSTEM_PROMPT_FILE)")
	fs.DurationVar(&flags.ActionTimeout, "action-timeout", config.ActionTimeout, "timeout for one action invocation (overrides $ACTION_TIMEOUT)")
	fs.BoolVar(&flags.Debug, "debug", config.Debug, "record language model calls under the state directory (overrides $DEBUG)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	if flags.DBDSN == "" {
		flags.DBDSN = filepath.Join(flags.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", flags.DBDSN)
	}
	slog.Debug("flags parsed",
		"stateDir", flags.StateDir,
		"dbDSN_set", flags.DBDSN != "",
		"openaiKeySet", flags.OpenAIKey != "",
		"apiAddr", flags.APIAddr,
		"catalog", flags.CatalogFile,
		"actionTimeout", flags.ActionTimeout)
	return flags, nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if flags.DBDSN == "" {
		return storeOpts
	}
	if store.DetectDSNType(flags.DBDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		storeOpts = append(storeOpts, store.WithPostgresDSN(flags.DBDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", flags.DBDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(flags.DBDSN))
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if flags.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(flags.OpenAIKey))
	}
	if flags.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(flags.OpenAIModel))
	}
	if flags.Debug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true), genai.WithStateDir(flags.StateDir))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) ([]api.Option, error) {
	apiOpts := []api.Option{api.WithStateDir(flags.StateDir), api.WithActionTimeout(flags.ActionTimeout)}
	if flags.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(flags.APIAddr))
	}
	if flags.CatalogFile != "" {
		apiOpts = append(apiOpts, api.WithCatalogFile(flags.CatalogFile))
	}
	if flags.RedisAddr != "" {
		apiOpts = append(apiOpts, api.WithRedisAddr(flags.RedisAddr))
	}
	if flags.SystemPromptFile != "" {
		data, err := os.ReadFile(flags.SystemPromptFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read system prompt file: %w", err)
		}
		apiOpts = append(apiOpts, api.WithSystemPrompt(strings.TrimSpace(string(data))))
	}
	return apiOpts, nil
}
