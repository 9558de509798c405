package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tabbridge/tabbridge/internal/bridge"
	"github.com/tabbridge/tabbridge/internal/browser"
	"github.com/tabbridge/tabbridge/internal/groups"
	"github.com/tabbridge/tabbridge/internal/handlers"
	"github.com/tabbridge/tabbridge/internal/logging"
	"github.com/tabbridge/tabbridge/internal/notify"
	"github.com/tabbridge/tabbridge/internal/router"
	"github.com/tabbridge/tabbridge/internal/server"
	"github.com/tabbridge/tabbridge/internal/store"
)

// RunCmd creates the run command
func RunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bridge in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge()
		},
	}
}

func runBridge() error {
	cfg := loadConfig()
	logger := logging.Setup(verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	backend := browser.NewClient(cfg.Browser.CDPURL, cfg.Browser.Timeout.Std())
	defer backend.Close()
	if !browser.IsReachable(cfg.Browser.CDPURL, cfg.Browser.Timeout.Std()) {
		logger.Warn("browser DevTools endpoint not reachable yet, will attach on first command",
			"cdp_url", cfg.Browser.CDPURL)
	}

	coord := groups.NewCoordinator(st, cfg.Group.Name, cfg.Group.Color)

	svc := handlers.NewService(handlers.Deps{
		Backend:  backend,
		Store:    st,
		Groups:   coord,
		Notifier: notify.OS{},
		Version:  Version,
		Logger:   logger,
	})

	r := router.New()
	svc.Register(r)

	mgr := bridge.New(cfg.Gateway, r, svc.ResetSession, logger)
	defer mgr.Close()
	mgr.Connect(ctx)

	errCh := make(chan error, 1)
	if cfg.Status.Enabled {
		srv := server.New(cfg.Status.Addr, mgr, logger)
		go func() {
			if err := srv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("status server: %w", err)
			}
		}()
	}

	logger.Info("bridge started",
		"gateway", cfg.Gateway.URL,
		"cdp_url", cfg.Browser.CDPURL,
		"methods", len(r.Capabilities()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	fmt.Fprintln(os.Stderr, "shutting down")
	return nil
}
