package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/payrecon/internal/domain"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	Outcome           string
	PaymentID         string
	ExternalReference string
	Failed            bool
	Limit             int
}

// EventList is the events command payload.
type EventList struct {
	Events []domain.PaymentEvent `json:"events"`
	Count  int                   `json:"count"`
}

// String renders one line per event.
func (l EventList) String() string {
	if len(l.Events) == 0 {
		return "No events."
	}
	var b strings.Builder
	for i, e := range l.Events {
		if i > 0 {
			b.WriteString("\n")
		}
		outcome := string(e.Outcome)
		if outcome == "" {
			outcome = "pending"
		}
		fmt.Fprintf(&b, "%s  %s  %-7s  %-9s", e.ID, e.ReceivedAt.UTC().Format(time.RFC3339), e.Source, outcome)
		if e.PaymentID != "" {
			fmt.Fprintf(&b, "  payment=%s", e.PaymentID)
		}
		if e.ResultStatus != "" {
			fmt.Fprintf(&b, "  status=%s", e.ResultStatus)
		}
		if e.ErrorCode != "" {
			fmt.Fprintf(&b, "  error=%s", e.ErrorCode)
		}
		if e.Attempt > 1 {
			fmt.Fprintf(&b, "  attempt=%d", e.Attempt)
		}
	}
	return b.String()
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List recorded payment events",
		Long: `List payment events from the append-only log, newest first.

Example:
  payrecon events --failed
  payrecon events --outcome orphan --limit 20
  payrecon events --payment-id 1234567890 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Outcome, "outcome", "", "filter by outcome (applied, duplicate, orphan, rejected, ignored)")
	cmd.Flags().StringVar(&opts.PaymentID, "payment-id", "", "filter by payment ID")
	cmd.Flags().StringVar(&opts.ExternalReference, "ref", "", "filter by order external reference")
	cmd.Flags().BoolVar(&opts.Failed, "failed", false, "only rejected events that will not be retried")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum events to list")

	return cmd
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	f := newFormatter(cmd, opts.RootOptions)

	outcome := domain.Outcome(opts.Outcome)
	if outcome != "" && !outcome.Valid() {
		return f.Fail(ExitCommandError, CodeInvalid, fmt.Sprintf("unknown outcome %q", opts.Outcome), nil)
	}
	if opts.Limit <= 0 {
		return f.Fail(ExitCommandError, CodeInvalid, "--limit must be positive", nil)
	}

	ctx := commandContext(cmd)
	a, err := newApp(ctx, cmd, opts.RootOptions, needStore)
	if err != nil {
		return f.Fail(GetExitCode(err), CodeConfig, "configuration error", err)
	}
	defer a.Close()

	events, err := a.repo.ListEvents(ctx, domain.EventFilter{
		Outcome:           outcome,
		PaymentID:         opts.PaymentID,
		ExternalReference: opts.ExternalReference,
		FailedOnly:        opts.Failed,
		Limit:             opts.Limit,
	})
	if err != nil {
		return f.Fail(ExitFailure, CodeStore, "list events failed", err)
	}
	return f.Success(EventList{Events: events, Count: len(events)})
}
