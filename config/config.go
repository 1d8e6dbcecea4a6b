package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Config captures all command-line options required to run the converter.
type Config struct {
	// Inputs are the .chat/.ichat files or directories to convert.
	Inputs []string

	// Exactly one output mode is active: a directory of .eml files, a
	// single mbox file, an IMAP mailbox, or stdout when none is set.
	OutputDir string
	MboxPath  string

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string

	Timezone       string
	Location       *time.Location
	NoBackground   bool
	AttachOriginal bool

	StateDir string
	DryRun   bool
	LogLevel string
	LogDir   string

	IncludeParticipant []string
	IncludeText        []string
	ExcludeParticipant []string
	ExcludeText        []string
}

// IMAPActive reports whether output goes to an IMAP mailbox.
func (c Config) IMAPActive() bool {
	return c.IMAPHost != ""
}

// Stdout reports whether the rendered message goes to standard output.
func (c Config) Stdout() bool {
	return c.OutputDir == "" && c.MboxPath == "" && !c.IMAPActive()
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.StringP("output-dir", "o", "", "Directory to write one .eml file per chat log")
	flags.String("mbox", "", "Path of an mbox file to append the converted messages to")
	flags.String("imap-host", "", "IMAP server hostname to upload the converted messages to")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("target-folder", "INBOX", "Target IMAP folder for the converted mail")
	flags.String("timezone", "", "IANA timezone the chat logs were recorded in (default: local)")
	flags.Bool("no-background", false, "Drop message background colors from the HTML view")
	flags.Bool("attach-original", false, "Attach the unmodified source log to each message")
	flags.String("state-dir", defaultStateDir, "Directory for incremental conversion state files")
	flags.Bool("dry-run", false, "Convert and emit stats without writing any output")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (default: log to stdout only)")
	flags.StringArray("include-participant", nil, "Regex allow-list applied to participants (mutually exclusive with exclude flags)")
	flags.StringArray("include-text", nil, "Regex allow-list applied to message text (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-participant", nil, "Regex block-list applied to participants (mutually exclusive with include flags)")
	flags.StringArray("exclude-text", nil, "Regex block-list applied to message text (mutually exclusive with include flags)")

	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command, args []string) (Config, error) {
	flags := cmd.Flags()

	outputDir, err := flags.GetString("output-dir")
	if err != nil {
		return Config{}, err
	}
	mboxPath, err := flags.GetString("mbox")
	if err != nil {
		return Config{}, err
	}
	imapHost, err := flags.GetString("imap-host")
	if err != nil {
		return Config{}, err
	}
	imapPort, err := flags.GetInt("imap-port")
	if err != nil {
		return Config{}, err
	}
	imapUser, err := flags.GetString("imap-user")
	if err != nil {
		return Config{}, err
	}
	imapPass, err := flags.GetString("imap-pass")
	if err != nil {
		return Config{}, err
	}
	useTLS, err := flags.GetBool("use-tls")
	if err != nil {
		return Config{}, err
	}
	insecureSkipVerify, err := flags.GetBool("insecure-skip-verify")
	if err != nil {
		return Config{}, err
	}
	targetFolder, err := flags.GetString("target-folder")
	if err != nil {
		return Config{}, err
	}
	timezone, err := flags.GetString("timezone")
	if err != nil {
		return Config{}, err
	}
	noBackground, err := flags.GetBool("no-background")
	if err != nil {
		return Config{}, err
	}
	attachOriginal, err := flags.GetBool("attach-original")
	if err != nil {
		return Config{}, err
	}
	stateDir, err := flags.GetString("state-dir")
	if err != nil {
		return Config{}, err
	}
	dryRun, err := flags.GetBool("dry-run")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}
	includeParticipant, err := flags.GetStringArray("include-participant")
	if err != nil {
		return Config{}, err
	}
	includeText, err := flags.GetStringArray("include-text")
	if err != nil {
		return Config{}, err
	}
	excludeParticipant, err := flags.GetStringArray("exclude-participant")
	if err != nil {
		return Config{}, err
	}
	excludeText, err := flags.GetStringArray("exclude-text")
	if err != nil {
		return Config{}, err
	}

	if imapPass == "" {
		imapPass = os.Getenv("IMAP_PASS")
	}

	if stateDir == "" {
		stateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	location := time.Local
	if timezone != "" {
		location, err = time.LoadLocation(timezone)
		if err != nil {
			return Config{}, fmt.Errorf("invalid --timezone: %w", err)
		}
	}

	cfg := Config{
		Inputs:             args,
		OutputDir:          outputDir,
		MboxPath:           mboxPath,
		IMAPHost:           imapHost,
		IMAPPort:           imapPort,
		IMAPUser:           imapUser,
		IMAPPass:           imapPass,
		UseTLS:             useTLS,
		InsecureSkipVerify: insecureSkipVerify,
		TargetFolder:       targetFolder,
		Timezone:           timezone,
		Location:           location,
		NoBackground:       noBackground,
		AttachOriginal:     attachOriginal,
		StateDir:           filepath.Clean(stateDir),
		DryRun:             dryRun,
		LogLevel:           logLevel,
		LogDir:             logDir,
		IncludeParticipant: includeParticipant,
		IncludeText:        includeText,
		ExcludeParticipant: excludeParticipant,
		ExcludeText:        excludeText,
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if len(cfg.Inputs) == 0 {
		return fmt.Errorf("at least one .chat or .ichat file or directory is required")
	}

	modes := 0
	if cfg.OutputDir != "" {
		modes++
	}
	if cfg.MboxPath != "" {
		modes++
	}
	if cfg.IMAPActive() {
		modes++
	}
	if modes > 1 {
		return fmt.Errorf("--output-dir, --mbox and --imap-host are mutually exclusive")
	}

	if cfg.IMAPActive() {
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required with --imap-host")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}

	includeActive := len(cfg.IncludeParticipant) > 0 || len(cfg.IncludeText) > 0
	excludeActive := len(cfg.ExcludeParticipant) > 0 || len(cfg.ExcludeText) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ichat-to-eml", "state"), nil
}
