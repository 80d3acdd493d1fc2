package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Show prints recent alert records.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	repo, closeStore, err := a.openRepo()
	if err != nil {
		return err
	}
	defer closeStore()

	alerts, err := repo.ListRecent(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Sent (UTC)\tSymbol\tMove%\tDirection\tInterval\tCandle Open (UTC)")

	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.Symbol,
			alert.MovePct,
			alert.Direction,
			alert.Interval,
			time.UnixMilli(alert.OpenTime).UTC().Format(time.RFC3339),
		)
	}

	writer.Flush()
	return nil
}
