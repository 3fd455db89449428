package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarcoPoloResearchLab/marginalia/internal/annotations"
	"github.com/MarcoPoloResearchLab/marginalia/internal/config"
	"github.com/MarcoPoloResearchLab/marginalia/internal/database"
	"github.com/MarcoPoloResearchLab/marginalia/internal/localstore"
	"github.com/MarcoPoloResearchLab/marginalia/internal/logging"
	"github.com/MarcoPoloResearchLab/marginalia/internal/replay"
	"github.com/MarcoPoloResearchLab/marginalia/internal/session"
	"github.com/MarcoPoloResearchLab/marginalia/internal/syncgw"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "marginalia-replay",
		Short:         "Headless client for the Marginalia annotation API",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newLoginCommand(),
		newLogoutCommand(),
		newFolderCommand(),
		newListCommand(),
		newProjectCommand(),
		newWatchCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("api-base-url", defaults.GetString("client.api_base_url"), "Annotation API base URL")
	cmd.PersistentFlags().String("state-path", defaults.GetString("client.state_path"), "Local state database path")
	cmd.PersistentFlags().Int("timeout-seconds", defaults.GetInt("client.timeout_seconds"), "HTTP request timeout in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "client.api_base_url", "api-base-url")
	bindFlag(cmd, "client.state_path", "state-path")
	bindFlag(cmd, "client.timeout_seconds", "timeout-seconds")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// clientRuntime bundles what every subcommand needs.
type clientRuntime struct {
	config  config.ClientConfig
	logger  *zap.Logger
	db      *gorm.DB
	session *session.Holder
	store   *localstore.Store
	client  *syncgw.Client
}

func openRuntime(ctx context.Context) (*clientRuntime, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewCLILogger(clientConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	db, err := database.OpenClientState(clientConfig.StatePath, logger)
	if err != nil {
		return nil, err
	}
	holder, err := session.NewHolder(session.Config{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	if _, err := holder.Load(ctx); err != nil && !errors.Is(err, session.ErrNoSession) {
		return nil, err
	}
	store, err := localstore.New(localstore.Config{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	client, err := syncgw.NewClient(syncgw.ClientConfig{
		BaseURL: clientConfig.APIBaseURL,
		Tokens:  holder,
		Timeout: clientConfig.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return &clientRuntime{
		config:  clientConfig,
		logger:  logger,
		db:      db,
		session: holder,
		store:   store,
		client:  client,
	}, nil
}

func (r *clientRuntime) close() {
	_ = r.logger.Sync()
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// folderFor prefers the explicit flag, then the session's active folder.
func (r *clientRuntime) folderFor(flagValue string) (string, error) {
	if folderID := strings.TrimSpace(flagValue); folderID != "" {
		return folderID, nil
	}
	if current, ok := r.session.Current(); ok && current.ActiveFolderID != "" {
		return current.ActiveFolderID, nil
	}
	return "", errors.New("no folder given and no active folder in the session")
}

func withRuntime(run func(ctx context.Context, cmd *cobra.Command, runtime *clientRuntime) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		runtime, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer runtime.close()
		return run(ctx, cmd, runtime)
	}
}

func newLoginCommand() *cobra.Command {
	var (
		token   string
		idToken string
		userID  string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an API token, or exchange a Google ID token for one",
		RunE: withRuntime(func(ctx context.Context, cmd *cobra.Command, runtime *clientRuntime) error {
			next := session.Session{Token: strings.TrimSpace(token), UserID: strings.TrimSpace(userID)}
			if strings.TrimSpace(idToken) != "" {
				result, err := runtime.client.SignIn(ctx, "google", idToken)
				if err != nil {
					return err
				}
				next = session.Session{Token: result.AccessToken, UserID: result.UserID}
			}
			if current, ok := runtime.session.Current(); ok && current.UserID == next.UserID {
				next.ActiveFolderID = current.ActiveFolderID
			} else if err := runtime.store.Clear(ctx); err != nil {
				return err
			}
			if err := runtime.session.Save(ctx, next); err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "signed in")
			return nil
		}),
	}
	cmd.Flags().StringVar(&token, "token", "", "API token issued by marginalia-api token")
	cmd.Flags().StringVar(&idToken, "id-token", "", "Google ID token to exchange at /auth/google")
	cmd.Flags().StringVar(&userID, "user-id", "", "User id the API token belongs to")
	cmd.MarkFlagsOneRequired("token", "id-token")
	cmd.MarkFlagsMutuallyExclusive("token", "id-token")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the session and the local annotation cache",
		RunE: withRuntime(func(ctx context.Context, cmd *cobra.Command, runtime *clientRuntime) error {
			if err := runtime.store.Clear(ctx); err != nil {
				return err
			}
			return runtime.session.Clear(ctx)
		}),
	}
}

func newFolderCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "folder <folder-id>",
		Short: "Set the active folder of the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, cmd *cobra.Command, runtime *clientRuntime) error {
				return runtime.session.SetActiveFolder(ctx, strings.TrimSpace(args[0]))
			})(cmd, args)
		},
	}
}

func newListCommand() *cobra.Command {
	var (
		folderID   string
		documentID string
		kind       string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List annotations of a folder, optionally narrowed to one document",
		RunE: withRuntime(func(ctx context.Context, cmd *cobra.Command, runtime *clientRuntime) error {
			folder, err := runtime.folderFor(folderID)
			if err != nil {
				return err
			}
			if strings.TrimSpace(documentID) == "" {
				all, err := runtime.client.ListAnnotations(ctx, folder)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), all)
			}

			gateway, err := syncgw.New(syncgw.Config{
				Remote: runtime.client,
				Store:  runtime.store,
				Logger: runtime.logger,
				Notifier: syncgw.NotifierFunc(func(notification syncgw.Notification) {
					runtime.logger.Warn(notification.Message, zap.Error(notification.Err))
				}),
			})
			if err != nil {
				return err
			}
			list, err := gateway.List(ctx, folder, documentID, annotations.AnchorKind(kind))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), list)
		}),
	}
	cmd.Flags().StringVar(&folderID, "folder", "", "Folder id (defaults to the session's active folder)")
	cmd.Flags().StringVar(&documentID, "document", "", "Document id to narrow to; cached locally")
	cmd.Flags().StringVar(&kind, "kind", string(annotations.AnchorKindPDF), "Anchor kind of the document (pdf or web)")
	return cmd
}

func newProjectCommand() *cobra.Command {
	var (
		folderID    string
		pdfSources  []string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Project stored PDF highlights onto local PDF pages",
		RunE: withRuntime(func(ctx context.Context, cmd *cobra.Command, runtime *clientRuntime) error {
			folder, err := runtime.folderFor(folderID)
			if err != nil {
				return err
			}
			sources := make([]replay.PDFSource, 0, len(pdfSources))
			for _, raw := range pdfSources {
				source, err := replay.ParsePDFSource(raw)
				if err != nil {
					return err
				}
				sources = append(sources, source)
			}
			results, err := replay.ProjectFolder(ctx, replay.HeadlessConfig{
				Lister:      runtime.client,
				Cache:       runtime.store,
				Concurrency: concurrency,
				Logger:      runtime.logger,
			}, folder, sources)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), results)
		}),
	}
	cmd.Flags().StringVar(&folderID, "folder", "", "Folder id (defaults to the session's active folder)")
	cmd.Flags().StringArrayVar(&pdfSources, "pdf", nil, "documentID=path of a local PDF (repeatable)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Documents processed in parallel")
	_ = cmd.MarkFlagRequired("pdf")
	return cmd
}

func newWatchCommand() *cobra.Command {
	var folderID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print annotation change events of a folder as JSON lines",
		RunE: withRuntime(func(ctx context.Context, cmd *cobra.Command, runtime *clientRuntime) error {
			folder, err := runtime.folderFor(folderID)
			if err != nil {
				return err
			}
			events, err := syncgw.Subscribe(ctx, runtime.config.APIBaseURL, runtime.session, runtime.logger)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			for event := range events {
				if event.FolderID != folder {
					continue
				}
				if err := encoder.Encode(event); err != nil {
					return err
				}
			}
			return nil
		}),
	}
	cmd.Flags().StringVar(&folderID, "folder", "", "Folder id (defaults to the session's active folder)")
	return cmd
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
