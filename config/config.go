package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const envPrefix = "ATM"

// Backends a migration can write into.
const (
	BackendIMAP  = "imap"
	BackendGraph = "graph"
)

// Mode selects which options a command needs.
type Mode int

const (
	ModeImport Mode = iota
	ModeList
	ModeAnalyze
	ModeTargetFolders
	ModeArchiveStats
	ModeServe
)

// Config captures all options of the migration commands.
type Config struct {
	StorageDir     string
	ArchiveFile    string
	SourceFolderID string
	TargetFolderID string
	Mailbox        string
	Backend        string

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	IMAPToken          string
	UseTLS             bool
	InsecureSkipVerify bool

	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string
	GraphBaseURL      string

	StateDir  string
	DryRun    bool
	LogLevel  string
	LogDir    string
	LogFormat string

	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string

	ContinueOnFolderError bool
	FoldersOnly           bool
	MaxAttachmentSize     int64
	MessageIDDomain       string

	Listen string
}

// RegisterFlags attaches all CLI flags to the provided command. The flags
// are persistent so subcommands share them.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Optional config file (yaml, toml or json)")
	flags.String("storage-dir", "storage", "Directory holding the mail archives")
	flags.String("archive", "", "Archive file in the storage directory")
	flags.String("source-folder", "0", "Positional id of the archive folder to import (see analyze)")
	flags.String("target-folder", "INBOX", "Id of the target folder in the mailbox")
	flags.String("mailbox", "", "Target mailbox (defaults to --imap-user for imap)")
	flags.String("backend", BackendIMAP, "Target backend: imap or graph")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.String("imap-token", "", "OAuth2 access token for OAUTHBEARER login instead of a password")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("graph-tenant", "", "Microsoft Entra tenant id")
	flags.String("graph-client-id", "", "Application (client) id")
	flags.String("graph-client-secret", "", "Client secret (falls back to GRAPH_CLIENT_SECRET env var)")
	flags.String("graph-base-url", "", "Override the Microsoft Graph base URL")
	flags.String("state-dir", defaultStateDir, "Directory for the import journals")
	flags.Bool("dry-run", false, "Walk the archive and emit stats without writing to the mailbox")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (optional)")
	flags.String("log-format", "text", "Log format: text or json")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	flags.Bool("continue-on-folder-error", false, "Skip a failing folder subtree instead of aborting the import")
	flags.Bool("folders-only", false, "Only create the folder structure")
	flags.Int64("max-attachment-size", 0, "Fail messages with an attachment larger than this many bytes (0 = unlimited)")
	flags.String("message-id-domain", "", "Domain of synthesized Internet message ids")
	flags.String("listen", "127.0.0.1:8080", "Listen address of the HTTP API (serve)")

	return nil
}

// LoadConfig merges flags, the optional config file and ATM_* environment
// variables into a Config and validates it for mode.
func LoadConfig(cmd *cobra.Command, mode Mode) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := Config{
		StorageDir:            v.GetString("storage-dir"),
		ArchiveFile:           v.GetString("archive"),
		SourceFolderID:        v.GetString("source-folder"),
		TargetFolderID:        v.GetString("target-folder"),
		Mailbox:               strings.TrimSpace(v.GetString("mailbox")),
		Backend:               strings.ToLower(v.GetString("backend")),
		IMAPHost:              v.GetString("imap-host"),
		IMAPPort:              v.GetInt("imap-port"),
		IMAPUser:              v.GetString("imap-user"),
		IMAPPass:              v.GetString("imap-pass"),
		IMAPToken:             v.GetString("imap-token"),
		UseTLS:                v.GetBool("use-tls"),
		InsecureSkipVerify:    v.GetBool("insecure-skip-verify"),
		GraphTenantID:         v.GetString("graph-tenant"),
		GraphClientID:         v.GetString("graph-client-id"),
		GraphClientSecret:     v.GetString("graph-client-secret"),
		GraphBaseURL:          v.GetString("graph-base-url"),
		StateDir:              v.GetString("state-dir"),
		DryRun:                v.GetBool("dry-run"),
		LogLevel:              strings.ToLower(v.GetString("log-level")),
		LogDir:                v.GetString("log-dir"),
		LogFormat:             strings.ToLower(v.GetString("log-format")),
		IncludeHeader:         v.GetStringSlice("include-header"),
		IncludeBody:           v.GetStringSlice("include-body"),
		ExcludeHeader:         v.GetStringSlice("exclude-header"),
		ExcludeBody:           v.GetStringSlice("exclude-body"),
		ContinueOnFolderError: v.GetBool("continue-on-folder-error"),
		FoldersOnly:           v.GetBool("folders-only"),
		MaxAttachmentSize:     v.GetInt64("max-attachment-size"),
		MessageIDDomain:       v.GetString("message-id-domain"),
		Listen:                v.GetString("listen"),
	}

	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}
	if cfg.GraphClientSecret == "" {
		cfg.GraphClientSecret = os.Getenv("GRAPH_CLIENT_SECRET")
	}
	if cfg.Mailbox == "" && cfg.Backend == BackendIMAP {
		cfg.Mailbox = cfg.IMAPUser
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return Config{}, err
		}
		cfg.StateDir = dir
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)
	if cfg.StorageDir != "" {
		cfg.StorageDir = filepath.Clean(cfg.StorageDir)
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if err := validateConfig(cfg, mode); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config, mode Mode) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid --log-format: %s", cfg.LogFormat)
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}
	if cfg.MaxAttachmentSize < 0 {
		return fmt.Errorf("--max-attachment-size must not be negative")
	}

	switch mode {
	case ModeList:
		return requireStorage(cfg)
	case ModeAnalyze, ModeArchiveStats:
		if err := requireStorage(cfg); err != nil {
			return err
		}
		return requireArchive(cfg)
	case ModeTargetFolders:
		return validateBackend(cfg)
	case ModeServe:
		if err := requireStorage(cfg); err != nil {
			return err
		}
		if cfg.Listen == "" {
			return fmt.Errorf("--listen is required")
		}
		return validateBackend(cfg)
	case ModeImport:
		if err := requireStorage(cfg); err != nil {
			return err
		}
		if err := requireArchive(cfg); err != nil {
			return err
		}
		if cfg.SourceFolderID == "" {
			return fmt.Errorf("--source-folder is required")
		}
		if cfg.TargetFolderID == "" {
			return fmt.Errorf("--target-folder is required")
		}
		return validateBackend(cfg)
	}
	return nil
}

func requireStorage(cfg Config) error {
	if cfg.StorageDir == "" {
		return fmt.Errorf("--storage-dir is required")
	}
	return nil
}

func requireArchive(cfg Config) error {
	if cfg.ArchiveFile == "" {
		return fmt.Errorf("--archive is required")
	}
	return nil
}

func validateBackend(cfg Config) error {
	switch cfg.Backend {
	case BackendIMAP:
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required")
		}
		if cfg.IMAPPass == "" && cfg.IMAPToken == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var, or a token via --imap-token")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	case BackendGraph:
		if cfg.GraphTenantID == "" {
			return fmt.Errorf("--graph-tenant is required")
		}
		if cfg.GraphClientID == "" {
			return fmt.Errorf("--graph-client-id is required")
		}
		if cfg.GraphClientSecret == "" {
			return fmt.Errorf("Graph client secret must be provided via --graph-client-secret or GRAPH_CLIENT_SECRET env var")
		}
		if cfg.Mailbox == "" {
			return fmt.Errorf("--mailbox is required for the graph backend")
		}
	default:
		return fmt.Errorf("invalid --backend: %s", cfg.Backend)
	}
	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".archive-to-mailbox", "state"), nil
}
