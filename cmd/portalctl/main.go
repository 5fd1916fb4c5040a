// Command portalctl is the command-line client for the CivicPulse portal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"civicpulse.org/internal/config"
	"civicpulse.org/internal/portal"
	"civicpulse.org/internal/session"
)

var version = "0.1.0"

// app holds what every subcommand needs once the root flags are parsed.
type app struct {
	configPath string
	verbose    bool

	cfg    config.Client
	store  *session.SQLiteStore
	client *portal.Client
	out    io.Writer
	errOut io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "portalctl",
		Short:         "Report and track civic complaints",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML config file overlaying CIVICPULSE_* variables")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log session activity to stderr")

	root.AddCommand(
		a.loginCmd(),
		a.registerCmd(),
		a.logoutCmd(),
		a.whoamiCmd(),
		a.submitCmd(),
		a.listCmd(),
		a.showCmd(),
		a.historyCmd(),
		a.assignCmd(),
		a.statusCmd(),
		a.rateCmd(),
		a.statsCmd(),
		a.heatmapCmd(),
		a.clusterCmd(),
		a.dashboardCmd(),
		a.watchCmd(),
	)
	return root
}

// streamingAnnotation marks commands whose responses stay open.
const streamingAnnotation = "streaming"

func (a *app) open(cmd *cobra.Command) error {
	a.out = cmd.OutOrStdout()
	a.errOut = cmd.ErrOrStderr()

	cfg, err := config.LoadClient(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	store, err := session.OpenSQLite(cfg.CredentialsPath)
	if err != nil {
		return err
	}
	a.store = store

	httpClient := &http.Client{Timeout: cfg.Timeout}
	if _, ok := cmd.Annotations[streamingAnnotation]; ok {
		httpClient.Timeout = 0
	}
	logger := zap.NewNop()
	if a.verbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
	}
	mgr, err := session.NewManager(cfg.BaseURL, store,
		session.WithHTTPClient(httpClient),
		session.WithLogger(logger),
		session.WithExpiryHook(func() {
			fmt.Fprintln(a.errOut, "Your session has expired. Run `portalctl login` to sign in again.")
		}),
	)
	if err != nil {
		return err
	}
	a.client = portal.New(mgr, portal.WithStatsTTL(cfg.StatsTTL))
	return nil
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
