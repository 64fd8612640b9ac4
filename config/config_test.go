package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, mode Mode, args ...string) (Config, error) {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, RegisterFlags(cmd))
	require.NoError(t, cmd.ParseFlags(args))
	return LoadConfig(cmd, mode)
}

func TestLoadConfig_ImportIMAP(t *testing.T) {
	t.Setenv("IMAP_PASS", "from-env")
	cfg, err := load(t, ModeImport,
		"--storage-dir", "./data/",
		"--archive", "export.mbox",
		"--imap-host", "imap.example.com",
		"--imap-user", "bob@example.com",
		"--log-level", "WARNING",
		"--state-dir", t.TempDir(),
	)
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.StorageDir)
	assert.Equal(t, "export.mbox", cfg.ArchiveFile)
	assert.Equal(t, "0", cfg.SourceFolderID)
	assert.Equal(t, "INBOX", cfg.TargetFolderID)
	assert.Equal(t, BackendIMAP, cfg.Backend)
	assert.Equal(t, "from-env", cfg.IMAPPass)
	assert.Equal(t, "bob@example.com", cfg.Mailbox)
	assert.Equal(t, 993, cfg.IMAPPort)
	assert.True(t, cfg.UseTLS)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("ATM_BACKEND", "graph")
	t.Setenv("ATM_GRAPH_TENANT", "contoso")
	t.Setenv("ATM_GRAPH_CLIENT_ID", "client")
	t.Setenv("GRAPH_CLIENT_SECRET", "secret")
	t.Setenv("ATM_MAILBOX", "shared@contoso.com")

	cfg, err := load(t, ModeTargetFolders)
	require.NoError(t, err)
	assert.Equal(t, BackendGraph, cfg.Backend)
	assert.Equal(t, "contoso", cfg.GraphTenantID)
	assert.Equal(t, "secret", cfg.GraphClientSecret)
	assert.Equal(t, "shared@contoso.com", cfg.Mailbox)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atm.yaml")
	content := "backend: imap\nimap-host: mail.example.org\nimap-user: alice\nimap-pass: s3cret\nimap-port: 143\nuse-tls: false\nmax-attachment-size: 1048576\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := load(t, ModeTargetFolders, "--config", path, "--imap-port", "1143")
	require.NoError(t, err)
	assert.Equal(t, "mail.example.org", cfg.IMAPHost)
	assert.Equal(t, "s3cret", cfg.IMAPPass)
	assert.False(t, cfg.UseTLS)
	assert.Equal(t, int64(1048576), cfg.MaxAttachmentSize)
	assert.Equal(t, 1143, cfg.IMAPPort, "flags win over the config file")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := load(t, ModeList, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	valid := Config{
		StorageDir:     "storage",
		ArchiveFile:    "a.mbox",
		SourceFolderID: "0",
		TargetFolderID: "INBOX",
		Backend:        BackendIMAP,
		IMAPHost:       "imap.example.com",
		IMAPPort:       993,
		IMAPUser:       "bob",
		IMAPPass:       "pw",
		LogLevel:       "info",
		LogFormat:      "text",
		Listen:         ":8080",
	}

	tests := []struct {
		name    string
		mode    Mode
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid import", mode: ModeImport, mutate: func(*Config) {}},
		{name: "valid serve", mode: ModeServe, mutate: func(*Config) {}},
		{name: "list needs only storage", mode: ModeList, mutate: func(c *Config) { c.IMAPHost, c.ArchiveFile = "", "" }},
		{name: "analyze needs archive", mode: ModeAnalyze, mutate: func(c *Config) { c.ArchiveFile = "" }, wantErr: true},
		{name: "archive stats ignores backend", mode: ModeArchiveStats, mutate: func(c *Config) { c.Backend = "" }},
		{name: "missing storage", mode: ModeList, mutate: func(c *Config) { c.StorageDir = "" }, wantErr: true},
		{name: "missing password", mode: ModeImport, mutate: func(c *Config) { c.IMAPPass = "" }, wantErr: true},
		{name: "token instead of password", mode: ModeImport, mutate: func(c *Config) { c.IMAPPass, c.IMAPToken = "", "tok" }},
		{name: "bad port", mode: ModeTargetFolders, mutate: func(c *Config) { c.IMAPPort = 70000 }, wantErr: true},
		{name: "unknown backend", mode: ModeImport, mutate: func(c *Config) { c.Backend = "pop3" }, wantErr: true},
		{name: "graph without mailbox", mode: ModeImport, mutate: func(c *Config) {
			c.Backend, c.GraphTenantID, c.GraphClientID, c.GraphClientSecret = BackendGraph, "t", "c", "s"
		}, wantErr: true},
		{name: "graph", mode: ModeImport, mutate: func(c *Config) {
			c.Backend, c.GraphTenantID, c.GraphClientID, c.GraphClientSecret, c.Mailbox = BackendGraph, "t", "c", "s", "m@x"
		}},
		{name: "bad log level", mode: ModeList, mutate: func(c *Config) { c.LogLevel = "trace" }, wantErr: true},
		{name: "bad log format", mode: ModeList, mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: true},
		{name: "filters exclusive", mode: ModeList, mutate: func(c *Config) {
			c.IncludeHeader, c.ExcludeBody = []string{"a"}, []string{"b"}
		}, wantErr: true},
		{name: "negative attachment size", mode: ModeList, mutate: func(c *Config) { c.MaxAttachmentSize = -1 }, wantErr: true},
		{name: "empty source folder", mode: ModeImport, mutate: func(c *Config) { c.SourceFolderID = "" }, wantErr: true},
		{name: "serve without listen", mode: ModeServe, mutate: func(c *Config) { c.Listen = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := validateConfig(cfg, tt.mode)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
