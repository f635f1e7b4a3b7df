package app

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ipwarden/internal/app/bootstrap"
	"ipwarden/internal/app/server"
	"ipwarden/internal/blacklist"
	"ipwarden/internal/database"
	jobruntime "ipwarden/internal/jobs/runtime"
	"ipwarden/internal/support"
)

func newServeCommand(configPath *string) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and background routines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			if port == 0 {
				fallback := cfg.Server.Port
				if fallback == 0 {
					fallback = defaultBackendPort
				}
				port = resolvePort("BACKEND_PORT", "PORT", fallback)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			services, err := bootstrap.Setup(ctx, cfg)
			if err != nil {
				return err
			}
			defer services.Close()

			log.Info("Instance started", "id", jobruntime.InstanceID(), "blocked_ips", services.Blacklist.Size())

			g, gctx := errgroup.WithContext(ctx)
			services.StartRoutines(gctx, g)
			g.Go(func() error {
				defer stop()
				return server.New(services.ServerDependencies()).ListenAndServe(gctx, port, services.ShutdownTimeout())
			})

			return g.Wait()
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port for the HTTP server (overrides BACKEND_PORT and settings)")
	return cmd
}

func newDetectCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "detect",
		Short: "Run the suspicious-activity detector once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			store, err := bootstrap.OpenStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			result, err := bootstrap.NewDetector(store, cfg, nil).Run(cmd.Context())
			for _, flagged := range result.Flagged {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", flagged.IPAddress, flagged.Reason)
			}
			if err != nil {
				return fmt.Errorf("detection incomplete: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "flagged %d address(es)\n", len(result.Flagged))
			return nil
		},
	}
}

func newBlockCommand(configPath *string) *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "block <ip>...",
		Short: "Add addresses to the blocklist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ips, err := parseIPs(args)
			if err != nil {
				return err
			}
			return updateBlocklist(cmd, *configPath, "block", func(store *database.Store) error {
				for _, ip := range ips {
					added, err := store.BlockIP(cmd.Context(), ip, note)
					if err != nil {
						return fmt.Errorf("block %s: %w", ip, err)
					}
					if added {
						fmt.Fprintf(cmd.OutOrStdout(), "blocked %s\n", ip)
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "%s already blocked\n", ip)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "free-form note stored with the entry")
	return cmd
}

func newUnblockCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <ip>...",
		Short: "Remove addresses from the blocklist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ips, err := parseIPs(args)
			if err != nil {
				return err
			}
			return updateBlocklist(cmd, *configPath, "unblock", func(store *database.Store) error {
				for _, ip := range ips {
					removed, err := store.UnblockIP(cmd.Context(), ip)
					if err != nil {
						return fmt.Errorf("unblock %s: %w", ip, err)
					}
					if removed {
						fmt.Fprintf(cmd.OutOrStdout(), "unblocked %s\n", ip)
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "%s was not blocked\n", ip)
					}
				}
				return nil
			})
		},
	}
}

// updateBlocklist opens the store, applies change and tells running instances
// to reload their snapshot.
func updateBlocklist(cmd *cobra.Command, configPath, reason string, change func(*database.Store) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	store, err := bootstrap.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := change(store); err != nil {
		return err
	}

	client, err := bootstrap.OpenRedis(cmd.Context(), cfg)
	if err != nil {
		log.Warn("Blocklist saved but instances were not notified; they reload on their next refresh", "error", err)
		return nil
	}
	if client == nil {
		return nil
	}
	defer client.Close()

	if err := blacklist.PublishUpdate(cmd.Context(), client, reason); err != nil {
		log.Warn("Blocklist saved but instances were not notified; they reload on their next refresh", "error", err)
	}
	return nil
}

func parseIPs(args []string) ([]string, error) {
	ips := make([]string, 0, len(args))
	var errs []error
	for _, arg := range args {
		if net.ParseIP(arg) == nil {
			errs = append(errs, fmt.Errorf("invalid IP address %q", arg))
			continue
		}
		ips = append(ips, support.NormalizeIP(arg))
	}
	return ips, errors.Join(errs...)
}
