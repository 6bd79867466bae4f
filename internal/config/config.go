// Package config provides configuration management for codexbridge.
//
// Everything is environment-driven, with an optional .env file loaded first.
// Durations are given in seconds (fractional values allowed) to keep the
// variable surface simple.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the full bridge configuration.
type Config struct {
	// DataDir is the directory for persistent data (SQLite DB, lock file).
	DataDir string
	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string
	// LockPath is the advisory lock file guarding single-instance operation.
	LockPath string
	// ServerAddr is the address the HTTP status API listens on.
	ServerAddr string

	// CLICommand is the assistant binary to invoke.
	CLICommand string
	// CLIArgs are pass-through arguments appended to every invocation.
	CLIArgs []string
	// InputMode selects how the command text reaches the child: "stdin" or "arg".
	InputMode string
	// ApprovalsMode, when set, is injected as a /approvals directive in
	// interactive mode.
	ApprovalsMode string
	// SkipGitCheck passes --skip-git-repo-check in resume mode.
	SkipGitCheck bool
	// UsePTY allocates a pseudo-terminal for interactive invocations.
	UsePTY bool
	// AssistantHome overrides the assistant's session-log directory
	// (defaults to ~/.codex).
	AssistantHome string

	// Output batching.
	StreamFlushInterval  time.Duration
	StreamIncludeStderr  bool
	ProgressTickInterval time.Duration
	MessageChunkLimit    int

	// Watchdog bounds. Zero disables the corresponding watchdog.
	RunTimeout             time.Duration
	CompactionIdleTimeout  time.Duration
	NoOutputIdleTimeout    time.Duration
	FinalResultIdleTimeout time.Duration

	// Session-log sync.
	SyncInterval      time.Duration
	SyncStreamEvents  bool
	ReasoningMode     string // "hidden" or "summary"
	ReasoningInterval time.Duration

	// Slack integration (optional -- Socket Mode).
	SlackBotToken  string
	SlackAppToken  string
	SlackChannelID string
	SlackResumeID  string
	SlackWorkdir   string

	// Bots are the usable Telegram bot definitions.
	Bots []BotConfig
	// Warnings lists bot definitions that were skipped and why. A broken
	// bot never prevents the others from starting.
	Warnings []string
}

// BotConfig is one Telegram bot identity bridged to one assistant context.
type BotConfig struct {
	ID             string
	Token          string
	AllowedUserIDs map[int64]struct{}
	ResumeID       string
	Workdir        string
	ExtraArgs      []string // overrides Config.CLIArgs when non-nil
}

// Allowed reports whether the user may talk to this bot. An empty allow-list
// rejects everyone.
func (b *BotConfig) Allowed(userID int64) bool {
	_, ok := b.AllowedUserIDs[userID]
	return ok
}

// Load creates a Config from the environment, reading .env first. Bot
// definitions that are unusable are skipped with a warning; Load fails only
// on unusable global settings.
func Load() (*Config, error) {
	loadDotEnv(".env")

	dataDir := envOr("CODEXBRIDGE_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		DataDir:      dataDir,
		DatabasePath: filepath.Join(dataDir, "codexbridge.db"),
		LockPath:     filepath.Join(dataDir, "codexbridge.lock"),
		ServerAddr:   envOr("CODEXBRIDGE_ADDR", ":7171"),

		CLICommand:    envOr("CODEX_CLI_CMD", "codex"),
		CLIArgs:       strings.Fields(os.Getenv("CODEX_CLI_ARGS")),
		InputMode:     envOr("CODEX_CLI_INPUT_MODE", "stdin"),
		ApprovalsMode: envOr("CODEX_CLI_APPROVALS_MODE", "3"),
		SkipGitCheck:  envBool("CODEX_CLI_SKIP_GIT_CHECK", true),
		UsePTY:        envBool("CODEX_CLI_USE_PTY", false),
		AssistantHome: os.Getenv("CODEX_HOME"),

		StreamFlushInterval:  envSeconds("STREAM_FLUSH_INTERVAL", 1.5),
		StreamIncludeStderr:  envBool("STREAM_INCLUDE_STDERR", false),
		ProgressTickInterval: envSeconds("PROGRESS_TICK_INTERVAL", 15),
		MessageChunkLimit:    envInt("MESSAGE_CHUNK_LIMIT", 3500),

		RunTimeout:             envSeconds("RUN_TIMEOUT_SECONDS", 900),
		CompactionIdleTimeout:  envSeconds("CONTEXT_COMPACTION_IDLE_TIMEOUT_SECONDS", 60),
		NoOutputIdleTimeout:    envSeconds("NO_OUTPUT_IDLE_TIMEOUT_SECONDS", 900),
		FinalResultIdleTimeout: envSeconds("FINAL_RESULT_IDLE_TIMEOUT_SECONDS", 30),

		SyncInterval:      envSeconds("JSONL_SYNC_INTERVAL_SECONDS", 3),
		SyncStreamEvents:  envBool("CODEX_JSONL_STREAM_EVENTS", true),
		ReasoningMode:     envOr("CODEX_JSONL_REASONING_MODE", "hidden"),
		ReasoningInterval: envSeconds("CODEX_JSONL_REASONING_THROTTLE_SECONDS", 10),

		SlackBotToken:  os.Getenv("SLACK_BOT_TOKEN"),
		SlackAppToken:  os.Getenv("SLACK_APP_TOKEN"),
		SlackChannelID: os.Getenv("SLACK_CHANNEL_ID"),
		SlackResumeID:  envOr("SLACK_RESUME_ID", strings.TrimSpace(os.Getenv("CODEX_CLI_RESUME_ID"))),
		SlackWorkdir:   envOr("SLACK_WORKDIR", envOr("CODEX_WORKDIR", mustGetwd())),
	}

	switch cfg.InputMode {
	case "stdin", "arg":
	default:
		return nil, fmt.Errorf("CODEX_CLI_INPUT_MODE must be stdin or arg, got %q", cfg.InputMode)
	}
	switch cfg.ReasoningMode {
	case "hidden", "summary":
	default:
		return nil, fmt.Errorf("CODEX_JSONL_REASONING_MODE must be hidden or summary, got %q", cfg.ReasoningMode)
	}

	cfg.loadBots()
	return cfg, nil
}

// loadBots reads the bot roster. With CODEXBRIDGE_BOTS=alpha,beta each bot
// takes its settings from BOT_<ID>_* variables; without it a single default
// bot is assembled from the legacy TELEGRAM_* / CODEX_* variables.
func (c *Config) loadBots() {
	roster := strings.TrimSpace(os.Getenv("CODEXBRIDGE_BOTS"))
	if roster == "" {
		if os.Getenv("TELEGRAM_BOT_TOKEN") == "" {
			return
		}
		bot := BotConfig{
			ID:             "default",
			Token:          os.Getenv("TELEGRAM_BOT_TOKEN"),
			AllowedUserIDs: parseIDSet(os.Getenv("TELEGRAM_ALLOWED_USER_IDS")),
			ResumeID:       strings.TrimSpace(os.Getenv("CODEX_CLI_RESUME_ID")),
			Workdir:        envOr("CODEX_WORKDIR", mustGetwd()),
		}
		if reason := bot.unusable(); reason != "" {
			c.Warnings = append(c.Warnings, fmt.Sprintf("bot default skipped: %s", reason))
			return
		}
		c.Bots = append(c.Bots, bot)
		return
	}

	for _, id := range strings.Split(roster, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		prefix := "BOT_" + strings.ToUpper(id) + "_"
		bot := BotConfig{
			ID:             id,
			Token:          os.Getenv(prefix + "TOKEN"),
			AllowedUserIDs: parseIDSet(os.Getenv(prefix + "ALLOWED_USER_IDS")),
			ResumeID:       strings.TrimSpace(os.Getenv(prefix + "RESUME_ID")),
			Workdir:        envOr(prefix+"WORKDIR", mustGetwd()),
		}
		if raw, ok := os.LookupEnv(prefix + "CLI_ARGS"); ok {
			bot.ExtraArgs = strings.Fields(raw)
		}
		if reason := bot.unusable(); reason != "" {
			c.Warnings = append(c.Warnings, fmt.Sprintf("bot %s skipped: %s", id, reason))
			continue
		}
		c.Bots = append(c.Bots, bot)
	}
}

func (b *BotConfig) unusable() string {
	var missing []string
	if b.Token == "" {
		missing = append(missing, "token")
	}
	if len(b.AllowedUserIDs) == 0 {
		missing = append(missing, "allowed user ids")
	}
	if b.ResumeID == "" {
		missing = append(missing, "resume id")
	}
	if len(missing) > 0 {
		return "missing " + strings.Join(missing, ", ")
	}
	return ""
}

// Validate checks that at least one chat surface is configured.
func (c *Config) Validate() error {
	if len(c.Bots) == 0 && !c.SlackEnabled() {
		return fmt.Errorf("no usable bot configured: set TELEGRAM_BOT_TOKEN or CODEXBRIDGE_BOTS")
	}
	return nil
}

// SlackEnabled returns true if Slack Socket Mode is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

// loadDotEnv sets variables from a .env file without overriding the real
// environment. Missing file is fine.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" {
			continue
		}
		if len(value) >= 2 && (value[0] == '\'' || value[0] == '"') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
}

func parseIDSet(raw string) map[int64]struct{} {
	ids := make(map[int64]struct{})
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids[id] = struct{}{}
		}
	}
	return ids
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// envSeconds reads a fractional seconds value.
func envSeconds(key string, fallback float64) time.Duration {
	secs := fallback
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			secs = f
		}
	}
	return time.Duration(secs * float64(time.Second))
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codexbridge"
	}
	return filepath.Join(home, ".codexbridge")
}
