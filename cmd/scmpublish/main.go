package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/schaermu/scmpublish/internal/config"
	"github.com/schaermu/scmpublish/internal/credential"
	"github.com/schaermu/scmpublish/internal/publish"
	"github.com/schaermu/scmpublish/internal/scm"
)

// defaultConfigFile is read from the current directory when --config is not given
const defaultConfigFile = "scmpublish.yaml"

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

var rootCmd = &cobra.Command{
	Use:   "scmpublish",
	Short: "Publish a content folder into a Git or SVN repository",
	Long: `scmpublish publishes the files of a local content folder into a remote
Git or SVN repository as one step of an automated build.

It links a local working folder to the remote, merges the content folder into
it, adds new files, and commits and pushes the result. Nothing is deleted from
the remote and a diverged remote aborts the run.`,
	SilenceUsage: true,
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish the content folder to the configured repository",
	Long: `Publish runs one publish step: it prepares the working folder, checks out or
updates the remote repository into it, copies the content folder in (optionally
filtered by file extension), stages new files and commits and pushes.

Credentials are taken from SCM_PUBLISH_USERNAME / SCM_PUBLISH_PASSWORD, then from
the configuration or flags, and are prompted for on the terminal as a last
resort unless SCM_PUBLISH_NO_PROMPT=true. Set SCM_PUBLISH_DISABLE=true to skip
publishing entirely.`,
	RunE: runPublish,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "scmpublish %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

// publishFlags are layered over the configuration file
var publishFlags struct {
	workingFolder string
	contentFolder string
	extensions    []string
	commitMessage string
	scmType       string
	scmURL        string
	username      string
	password      string
	noPrompt      bool
	authorName    string
	authorEmail   string
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./"+defaultConfigFile+" if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	// Publish command flags
	addPublishFlags(publishCmd.Flags())

	// Add commands
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(versionCmd)
}

func addPublishFlags(f *pflag.FlagSet) {
	f.StringVar(&publishFlags.workingFolder, "working-folder", "", "local checkout of the remote (default "+config.DefaultWorkingFolder+")")
	f.StringVar(&publishFlags.contentFolder, "content-folder", "", "folder whose files are published")
	f.StringSliceVar(&publishFlags.extensions, "extensions", nil, "only publish files ending in one of these suffixes (case-insensitive)")
	f.StringVar(&publishFlags.commitMessage, "commit-message", "", "commit message (default "+config.DefaultCommitMessage+")")
	f.StringVar(&publishFlags.scmType, "scm-type", "", "repository type (GIT or SVN)")
	f.StringVar(&publishFlags.scmURL, "scm-url", "", "remote repository URL")
	f.StringVar(&publishFlags.username, "username", "", "remote username")
	f.StringVar(&publishFlags.password, "password", "", "remote password")
	f.BoolVar(&publishFlags.noPrompt, "no-prompt", false, "never prompt for credentials")
	f.StringVar(&publishFlags.authorName, "author-name", "", "commit author name (Git)")
	f.StringVar(&publishFlags.authorEmail, "author-email", "", "commit author email (Git)")
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	overrides, err := config.LoadOverrides(os.Getenv)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		if !overrides.Disable {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = &config.Config{}
	}

	store := credential.NewStore(
		cfg.Credentials(overrides),
		credential.NewTerminalPrompter(os.Stdin, os.Stderr),
		os.Stderr,
	)

	// Create publish engine
	engine := publish.NewEngine(store, nil, cfg.SCMOptions(), logger, overrides.Disable)

	res, err := engine.Run(ctx, cfg.Request())
	if err != nil {
		return err
	}

	if res.Skipped {
		fmt.Fprintf(cmd.OutOrStdout(), "publishing disabled by %s\n", config.EnvDisable)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %d file(s) to %s\n", res.FilesCopied, scm.Redact(cfg.SCM.URL))
	return nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

// loadConfig reads the configuration file, applies the publish flags that
// were set explicitly and validates the result. Without --config a missing
// default file is not an error.
func loadConfig(cmd *cobra.Command, logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	explicit := configPath != ""
	if !explicit {
		configPath = defaultConfigFile
	}

	cfg, err := config.Read(configPath)
	switch {
	case err == nil:
		logger.Info("loaded configuration", "path", configPath)
	case !explicit && errors.Is(err, fs.ErrNotExist):
		logger.Debug("no configuration file, using flags only", "path", configPath)
		cfg = &config.Config{}
	default:
		return nil, err
	}

	applyFlags(cmd, cfg)

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"working_folder", cfg.WorkingFolder,
		"content_folder", cfg.ContentFolder,
		"scm", cfg.SCM.Type,
		"url", scm.Redact(cfg.SCM.URL))

	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if f.Changed(name) {
			*dst = v
		}
	}

	set("working-folder", &cfg.WorkingFolder, publishFlags.workingFolder)
	set("content-folder", &cfg.ContentFolder, publishFlags.contentFolder)
	set("commit-message", &cfg.CommitMessage, publishFlags.commitMessage)
	set("scm-type", &cfg.SCM.Type, publishFlags.scmType)
	set("scm-url", &cfg.SCM.URL, publishFlags.scmURL)
	set("username", &cfg.Auth.Username, publishFlags.username)
	set("password", &cfg.Auth.Password, publishFlags.password)
	set("author-name", &cfg.Git.AuthorName, publishFlags.authorName)
	set("author-email", &cfg.Git.AuthorEmail, publishFlags.authorEmail)

	if f.Changed("extensions") {
		cfg.Extensions = publishFlags.extensions
	}
	if f.Changed("no-prompt") {
		cfg.Auth.NoPrompt = publishFlags.noPrompt
	}
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
