package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/loykin/fleetmon/internal/config"
	"github.com/loykin/fleetmon/internal/server"
	"github.com/loykin/fleetmon/pkg/client"
	"github.com/loykin/fleetmon/pkg/template"
)

func cmdServicesList(ctx context.Context, c *client.Client, w io.Writer) error {
	svcs, err := c.ListServices(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tSCORE\tUPTIME\tRESPONSE\tFAILURES\tENDPOINT")
	for _, s := range svcs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%.1f\t%dms\t%d\t%s\n",
			s.ID, s.Health.Status, s.HealthScore, s.Uptime, s.ResponseTimeMs, s.Health.ConsecutiveFailures, s.Endpoint)
	}
	return tw.Flush()
}

func cmdServiceGet(ctx context.Context, c *client.Client, id string, w io.Writer) error {
	s, err := c.GetService(ctx, id)
	if err != nil {
		return notFound(err, "service", id)
	}
	return printJSON(w, s)
}

func cmdRegister(ctx context.Context, c *client.Client, f RegisterFlags, w io.Writer) error {
	if f.ID == "" || f.Endpoint == "" {
		return errors.New("--id and --endpoint are required")
	}
	labels, err := parseLabels(f.Labels)
	if err != nil {
		return err
	}
	s, err := c.RegisterService(ctx, client.RegisterRequest{
		ID:          f.ID,
		Name:        f.Name,
		Endpoint:    f.Endpoint,
		Environment: f.Environment,
		Location:    f.Location,
		Version:     f.Version,
		ProbeType:   f.ProbeType,
		Labels:      labels,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "registered %s (%s)\n", s.ID, s.Endpoint)
	return err
}

func cmdDeregister(ctx context.Context, c *client.Client, id string, w io.Writer) error {
	removed, err := c.DeregisterService(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		_, err = fmt.Fprintf(w, "%s was not registered\n", id)
		return err
	}
	_, err = fmt.Fprintf(w, "deregistered %s\n", id)
	return err
}

func cmdProbe(ctx context.Context, c *client.Client, id string, w io.Writer) error {
	s, err := c.ProbeService(ctx, id)
	if err != nil {
		return notFound(err, "service", id)
	}
	_, err = fmt.Fprintf(w, "%s: %s score=%d response=%dms failures=%d\n",
		s.ID, s.Health.Status, s.HealthScore, s.ResponseTimeMs, s.Health.ConsecutiveFailures)
	return err
}

func cmdAlertsList(ctx context.Context, c *client.Client, f AlertsFlags, w io.Writer) error {
	alerts, err := c.ListAlerts(ctx, client.AlertQuery{
		Severity:       f.Severity,
		Unacknowledged: f.Unacknowledged,
		ServiceID:      f.ServiceID,
		Limit:          f.Limit,
	})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSEVERITY\tCATEGORY\tSERVICE\tACK\tCREATED\tMESSAGE")
	for _, a := range alerts {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
			a.ID, a.Severity, a.Category, a.ServiceID, a.Acknowledged, a.CreatedAt.Format(time.RFC3339), a.Message)
	}
	return tw.Flush()
}

func cmdAck(ctx context.Context, c *client.Client, id string, w io.Writer) error {
	if err := c.Acknowledge(ctx, id); err != nil {
		return notFound(err, "alert", id)
	}
	_, err := fmt.Fprintf(w, "acknowledged %s\n", id)
	return err
}

func cmdRaise(ctx context.Context, c *client.Client, f RaiseFlags, w io.Writer) error {
	if f.ServiceID == "" || f.Message == "" {
		return errors.New("--service and --message are required")
	}
	a, err := c.RaiseAlert(ctx, f.ServiceID, f.Severity, f.Message)
	if err != nil {
		return notFound(err, "service", f.ServiceID)
	}
	_, err = fmt.Fprintf(w, "raised %s [%s/%s]\n", a.ID, a.Severity, a.Category)
	return err
}

func cmdSnapshot(ctx context.Context, c *client.Client, w io.Writer) error {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return err
	}
	return printJSON(w, snap)
}

func cmdRecovery(ctx context.Context, c *client.Client, w io.Writer) error {
	ids, err := c.RecoveryCandidates(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := fmt.Fprintln(w, id); err != nil {
			return err
		}
	}
	return nil
}

// cmdValidate loads a config file and reports every problem found.
func cmdValidate(path string, w io.Writer) error {
	if path == "" {
		return errors.New("--config is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		var ce *config.ConfigurationError
		if errors.As(err, &ce) {
			for _, p := range ce.Problems {
				_, _ = fmt.Fprintln(w, "  -", p)
			}
		}
		return err
	}
	_, err = fmt.Fprintf(w, "config ok: %d services, listen %s\n", len(cfg.Services), cfg.Server.Listen)
	return err
}

func cmdToken(f TokenFlags, w io.Writer) error {
	if f.Secret == "" {
		return errors.New("--secret is required (the server's [server].jwt_secret)")
	}
	tok, err := server.IssueToken([]byte(f.Secret), f.Subject, f.TTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, tok)
	return err
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, client.ErrNotFound) {
		return fmt.Errorf("%s %q not found", kind, id)
	}
	return err
}

func cmdInit(f InitFlags, w io.Writer) error {
	if f.ID == "" {
		return errors.New("--id is required")
	}
	b, err := template.NewGenerator().GenerateTOML(template.Kind(f.Type), f.ID)
	if err != nil {
		return err
	}
	if f.Output == "" || f.Output == "-" {
		_, err = w.Write(b)
		return err
	}
	flag := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if f.Force {
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	out, err := os.OpenFile(f.Output, flag, 0o644)
	if err != nil {
		return fmt.Errorf("write %s: %w", f.Output, err)
	}
	if _, err := out.Write(b); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "wrote %s (%s template for %s)\n", f.Output, f.Type, f.ID)
	return err
}
