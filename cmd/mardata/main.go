package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/MegaGrindStone/mardata-chat/internal/chat"
	"github.com/MegaGrindStone/mardata-chat/internal/services"
	"github.com/spf13/cobra"
)

const errLoggerKey = "err"

type app struct {
	cfg     config
	logger  *slog.Logger
	session *services.Session
	api     services.API
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		verbose bool
		a       = &app{}
	)

	root := &cobra.Command{
		Use:           "mardata",
		Short:         "Chat with MarData notebooks from the terminal or through a local relay",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if cfgPath == "" {
				p, err := defaultConfigPath()
				if err != nil {
					return err
				}
				cfgPath = p
			}
			return a.init(cfgPath, verbose)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config.yaml (default <user config dir>/mardata/config.yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(a),
		newLoginCmd(a),
		newLogoutCmd(a),
		newNotebooksCmd(a),
		newDeleteCmd(a),
		newUploadCmd(a),
		newChatCmd(a),
		newHistoryCmd(a),
	)
	return root
}

func defaultConfigPath() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	cfgPath := filepath.Join(cfgDir, "mardata")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		return "", fmt.Errorf("error creating config directory: %w", err)
	}
	return filepath.Join(cfgPath, "config.yaml"), nil
}

func (a *app) init(cfgPath string, verbose bool) error {
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	session := services.NewSession(cfg.SessionFile)
	if err := session.Restore(); err != nil {
		logger.Warn("Failed to restore session", slog.String(errLoggerKey, err.Error()))
	}

	a.cfg = cfg
	a.logger = logger
	a.session = session
	a.api = services.NewAPI(cfg.BaseURL, session, &http.Client{}, logger)
	return nil
}

// synchronizer creates the transcript synchronizer for this process. archive may be nil.
func (a *app) synchronizer(archive chat.Archive) *chat.Synchronizer {
	dialer := services.NewStreamDialer(a.cfg.WSURL, a.session, a.logger)

	opts := []chat.Option{
		chat.WithMode(a.cfg.Mode),
		chat.WithLogger(a.logger),
	}
	if archive != nil {
		opts = append(opts, chat.WithArchive(archive))
	}

	s := chat.NewSynchronizer(a.api, chat.DialerFunc(func(ctx context.Context, notebookID string) (chat.Conn, error) {
		conn, err := dialer.Dial(ctx, notebookID)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}), opts...)

	// Signing out tears down whatever notebook is open.
	a.session.OnChange(func(authenticated bool) {
		if !authenticated {
			s.Clear()
		}
	})
	return s
}

// openArchive opens the local archive. A failure is logged and yields nil, since the archive is optional
// for every command but history.
func (a *app) openArchive() *services.BoltDB {
	db, err := services.NewBoltDB(a.cfg.ArchivePath)
	if err != nil {
		a.logger.Warn("Archive unavailable",
			slog.String("path", a.cfg.ArchivePath),
			slog.String(errLoggerKey, err.Error()))
		return nil
	}
	return &db
}
