package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"campaignflow/auth"
	"campaignflow/campaign"
	"campaignflow/db"
	"campaignflow/workflow"
)

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "campaignflow",
		Short:         "Durable human-in-the-loop influencer campaign workflow",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a YAML config file (default ./config.yaml if present)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newWorkerCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newEnqueueCommand(opts))
	cmd.AddCommand(newOperatorCommand(opts))
	return cmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newServeCommand(root *rootOptions) *cobra.Command {
	var withWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, and the worker unless --worker=false",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := bootstrap(ctx, root.configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			g, ctx := errgroup.WithContext(ctx)

			var interrupter Interrupter
			if withWorker {
				w := a.newWorker()
				interrupter = w
				g.Go(func() error { return w.Run(ctx) })
			}

			server, err := a.newServer(interrupter)
			if err != nil {
				stop()
				_ = g.Wait()
				return err
			}
			httpServer := &http.Server{
				Addr:    a.cfg.Server.Address,
				Handler: server.Echo(),
			}

			g.Go(func() error {
				a.logger.Info("http server listening", "address", httpServer.Addr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
				defer cancel()
				a.logger.Info("http server shutting down")
				return httpServer.Shutdown(shutdownCtx)
			})

			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&withWorker, "worker", true, "run the job worker in this process")
	return cmd
}

func newWorkerCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Claim and run queued campaign jobs until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := bootstrap(ctx, root.configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			return a.newWorker().Run(ctx)
		},
	}
}

func newMigrateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), root.configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			return db.Migrate(cmd.Context(), a.pool, a.logger)
		},
	}
}

func readBrief(path string) (workflow.Brief, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return workflow.Brief{}, fmt.Errorf("read brief: %w", err)
	}
	var brief workflow.Brief
	if err := yaml.Unmarshal(raw, &brief); err != nil {
		return workflow.Brief{}, fmt.Errorf("parse brief %s: %w", path, err)
	}
	return brief, nil
}

func newEnqueueCommand(root *rootOptions) *cobra.Command {
	var briefPath string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Create a campaign from a YAML brief and queue it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			brief, err := readBrief(briefPath)
			if err != nil {
				return err
			}

			a, err := bootstrap(cmd.Context(), root.configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			svc := campaign.NewService(campaign.NewRepository(a.pool), a.jobQueue())
			c, job, err := svc.Launch(cmd.Context(), brief)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "campaign %s queued as job %s\n", c.ID, job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&briefPath, "brief", "", "path to the campaign brief (YAML)")
	_ = cmd.MarkFlagRequired("brief")
	return cmd
}

func newOperatorCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Manage operator accounts",
	}

	var req auth.RegisterRequest
	var role string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an operator who can decide approvals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(cmd.Context(), root.configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			req.Role = auth.Role(role)
			op, err := a.authService().Register(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "operator %s (%s) created with role %s\n", op.ID, op.Email, op.Role)
			return nil
		},
	}
	create.Flags().StringVar(&req.Email, "email", "", "operator email")
	create.Flags().StringVar(&req.FullName, "name", "", "operator full name")
	create.Flags().StringVar(&req.Password, "password", "", "operator password (at least 8 characters)")
	create.Flags().StringVar(&role, "role", string(auth.RoleReviewer), "admin or reviewer")
	for _, f := range []string{"email", "name", "password"} {
		_ = create.MarkFlagRequired(f)
	}

	cmd.AddCommand(create)
	return cmd
}
