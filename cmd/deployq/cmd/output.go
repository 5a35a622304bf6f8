package cmd

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/deployq/deployq/internal/deployq/domain"
	"github.com/deployq/deployq/internal/deployq/scheduling"
)

func newTable(out io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(out, 1, 1, 2, ' ', 0)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func writeCapacity(out io.Writer, clusterId string, capacity *domain.ClusterCapacity) error {
	w := newTable(out)
	fmt.Fprintf(w, "Cluster:\t%s\n", clusterId)
	fmt.Fprintf(w, "Resource\tAvailable\tTotal\n")
	for _, kind := range domain.ResourceKinds {
		fmt.Fprintf(w, "%s\t%s\t%s\n", kind,
			formatAmount(capacity.Available.Get(kind)),
			formatAmount(capacity.Total.Get(kind)))
	}
	return w.Flush()
}

func formatAmount(scaled int64) string {
	return fmt.Sprintf("%.3f", float64(scaled)/domain.ResourceScale)
}

func writeStatus(out io.Writer, view *scheduling.DeploymentStatusView) error {
	d := view.Deployment
	w := newTable(out)
	fmt.Fprintf(w, "Id:\t%s\n", d.Id)
	if d.Name != "" {
		fmt.Fprintf(w, "Name:\t%s\n", d.Name)
	}
	fmt.Fprintf(w, "Cluster:\t%s\n", d.ClusterId)
	fmt.Fprintf(w, "Status:\t%s\n", d.Status)
	fmt.Fprintf(w, "Priority:\t%d\n", d.Priority)
	fmt.Fprintf(w, "Required:\t%s\n", d.Required)
	fmt.Fprintf(w, "Created:\t%s\n", formatTime(&d.Created))
	fmt.Fprintf(w, "Started:\t%s\n", formatTime(d.Started))
	fmt.Fprintf(w, "Completed:\t%s\n", formatTime(d.Completed))
	if view.Queued {
		fmt.Fprintf(w, "Queue position:\t%d\n", view.QueuePosition)
		fmt.Fprintf(w, "Effective priority:\t%d\n", view.EffectivePriority)
		fmt.Fprintf(w, "Score:\t%s\n", view.Score)
	}
	keys := make([]string, 0, len(d.CompletionDetails))
	for k := range d.CompletionDetails {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "Detail %s:\t%s\n", k, d.CompletionDetails[k])
	}
	return w.Flush()
}

func writeQueueMetrics(out io.Writer, m *domain.QueueMetrics) error {
	w := newTable(out)
	fmt.Fprintf(w, "Pending:\t%d\n", m.TotalPending)
	for _, band := range domain.PriorityBands {
		fmt.Fprintf(w, "Band %s:\t%d\n", band, m.Bands[band])
	}
	if m.TotalPending > 0 {
		fmt.Fprintf(w, "Highest priority:\t%d\n", m.HighestPriority)
	}
	if m.OldestDeployment != nil {
		fmt.Fprintf(w, "Oldest deployment:\t%s (created %s)\n", m.OldestDeployment.Id, formatTime(&m.OldestDeployment.Created))
	}
	return w.Flush()
}

func writeStarted(out io.Writer, started []*domain.Deployment) {
	for _, d := range started {
		fmt.Fprintf(out, "Started deployment %s on cluster %s\n", d.Id, d.ClusterId)
	}
}
