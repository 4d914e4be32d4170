package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Alerts prints recent alerts, or resolves one when a resolve id is given.
func (a *App) Alerts(ctx context.Context, opts AlertsOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot list alerts")
	}
	defer closeStore()

	if opts.ResolveID > 0 {
		if err := store.ResolveAlert(ctx, opts.ResolveID); err != nil {
			return fmt.Errorf("resolve alert %d: %w", opts.ResolveID, err)
		}
		fmt.Fprintf(os.Stdout, "alert %d resolved\n", opts.ResolveID)
		return nil
	}

	alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTime (UTC)\tMachine\tSeverity\tResolved\tMessage")

	for _, alert := range alerts {
		resolved := "no"
		if alert.Resolved {
			resolved = "yes"
		}
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%s\n",
			alert.ID,
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.MachineID,
			alert.Severity,
			resolved,
			sanitizeInline(alert.Message),
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
