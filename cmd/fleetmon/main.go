package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/fleetmon/pkg/template"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := buildRoot().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	g := &GlobalFlags{}
	root := createRootCommand(g)
	root.AddCommand(
		createServeCommand(g),
		createAggregatorCommand(),
		createServicesCommand(g),
		createAlertsCommand(g),
		createSnapshotCommand(g),
		createRecoveryCommand(g),
		createValidateCommand(g),
		createTokenCommand(),
		createInitCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "fleetmon",
		Short: "Fleet service health monitor",
		Long: `fleetmon probes a fleet of services, keeps rolling health and performance
windows, raises alerts and forwards them to a central aggregator.

Examples:
  fleetmon serve --config=fleetmon.toml
  fleetmon services list
  fleetmon alerts list --severity=critical --unacknowledged
  fleetmon alerts ack <alert-id>
  fleetmon aggregator --listen=:9090
  fleetmon init --type=api --id=checkout -o fleetmon.toml`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")
	pf.StringVar(&flags.APIUrl, "api-url", "http://127.0.0.1:8080/api", "fleetmon API base URL")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "API request timeout")
	pf.StringVar(&flags.Token, "token", os.Getenv("FLEETMON_TOKEN"), "bearer token for the API")
	return root
}

func createServeCommand(g *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the monitor and its HTTP API",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = g.ConfigPath
			if len(args) > 0 {
				f.ConfigPath = args[0]
			}
			return runServe(cmd.Context(), *f, nil)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "override [server].listen")
	return cmd
}

func createAggregatorCommand() *cobra.Command {
	f := &AggregatorFlags{}
	cmd := &cobra.Command{
		Use:   "aggregator",
		Short: "Run a central aggregation node that collects alerts from monitors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAggregator(cmd.Context(), *f, cmd.OutOrStdout(), nil)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", ":9090", "listen address")
	cmd.Flags().IntVar(&f.Capacity, "capacity", 0, "alerts kept in memory (0 = default)")
	return cmd
}

func createServicesCommand(g *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "services",
		Aliases: []string{"svc"},
		Short:   "Inspect and manage monitored services",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List services with their health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmdServicesList(cmd.Context(), newAPIClient(g), cmd.OutOrStdout())
		},
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one service as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdServiceGet(cmd.Context(), newAPIClient(g), args[0], cmd.OutOrStdout())
		},
	}

	rf := &RegisterFlags{}
	register := &cobra.Command{
		Use:   "register",
		Short: "Register or update a service",
		Example: `  fleetmon services register --id=api --endpoint=http://10.0.0.5:8080/health --env=prod --location=eu-west
  fleetmon services register --id=db --endpoint=10.0.0.9:5432 --probe=tcp --label team=data`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmdRegister(cmd.Context(), newAPIClient(g), *rf, cmd.OutOrStdout())
		},
	}
	register.Flags().StringVar(&rf.ID, "id", "", "service id")
	register.Flags().StringVar(&rf.Name, "name", "", "display name (defaults to id)")
	register.Flags().StringVar(&rf.Endpoint, "endpoint", "", "URL or host:port to probe")
	register.Flags().StringVar(&rf.Environment, "env", "", "environment")
	register.Flags().StringVar(&rf.Location, "location", "", "location")
	register.Flags().StringVar(&rf.Version, "version", "", "version")
	register.Flags().StringVar(&rf.ProbeType, "probe", "", "http or tcp (inferred from endpoint when empty)")
	register.Flags().StringArrayVar(&rf.Labels, "label", nil, "key=value label (repeatable)")

	deregister := &cobra.Command{
		Use:   "deregister <id>",
		Short: "Stop monitoring a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdDeregister(cmd.Context(), newAPIClient(g), args[0], cmd.OutOrStdout())
		},
	}

	probe := &cobra.Command{
		Use:   "probe <id>",
		Short: "Probe a service now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdProbe(cmd.Context(), newAPIClient(g), args[0], cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(list, get, register, deregister, probe)
	return cmd
}

func createAlertsCommand(g *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List, acknowledge and raise alerts",
	}

	af := &AlertsFlags{}
	list := &cobra.Command{
		Use:   "list",
		Short: "List alerts, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmdAlertsList(cmd.Context(), newAPIClient(g), *af, cmd.OutOrStdout())
		},
	}
	list.Flags().StringVar(&af.Severity, "severity", "", "critical, warning or info")
	list.Flags().BoolVar(&af.Unacknowledged, "unacknowledged", false, "only unacknowledged alerts")
	list.Flags().StringVar(&af.ServiceID, "service", "", "only alerts for this service id")
	list.Flags().IntVar(&af.Limit, "limit", 0, "maximum alerts to show")

	ack := &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmdAck(cmd.Context(), newAPIClient(g), args[0], cmd.OutOrStdout())
		},
	}

	rf := &RaiseFlags{}
	raise := &cobra.Command{
		Use:   "raise",
		Short: "Raise an operator alert for a service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmdRaise(cmd.Context(), newAPIClient(g), *rf, cmd.OutOrStdout())
		},
	}
	raise.Flags().StringVar(&rf.ServiceID, "service", "", "service id")
	raise.Flags().StringVar(&rf.Severity, "severity", "info", "critical, warning or info")
	raise.Flags().StringVar(&rf.Message, "message", "", "alert message")

	cmd.AddCommand(list, ack, raise)
	return cmd
}

func createSnapshotCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Print the full fleet snapshot as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmdSnapshot(cmd.Context(), newAPIClient(g), cmd.OutOrStdout())
		},
	}
}

func createRecoveryCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "recovery",
		Short: "List services whose uptime fell below the recovery threshold",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmdRecovery(cmd.Context(), newAPIClient(g), cmd.OutOrStdout())
		},
	}
}

func createValidateCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config.toml]",
		Short: "Check a config file without starting the monitor",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return cmdValidate(path, cmd.OutOrStdout())
		},
	}
}

func createTokenCommand() *cobra.Command {
	f := &TokenFlags{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmdToken(*f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.Secret, "secret", os.Getenv("FLEETMON_SERVER_JWT_SECRET"), "HMAC secret")
	cmd.Flags().StringVar(&f.Subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&f.TTL, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func createInitCommand() *cobra.Command {
	f := &InitFlags{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config for one service",
		Long: "Generate a starter config for one service.\n\nTypes: " +
			strings.Join(template.NewGenerator().SupportedKinds(), ", "),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmdInit(*f, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "api", "service type")
	cmd.Flags().StringVar(&f.ID, "id", "", "service id")
	cmd.Flags().StringVarP(&f.Output, "output", "o", "", "file to write (stdout when empty)")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing file")
	return cmd
}
