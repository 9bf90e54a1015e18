package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/payrecon/internal/poller"
)

// PollOptions holds flags for the poll command.
type PollOptions struct {
	*RootOptions
	Retries bool // also run the due-retry sweep
}

// PollResult reports the sweeps a poll run performed.
type PollResult struct {
	Cycle   poller.CycleReport  `json:"cycle"`
	Retries *poller.CycleReport `json:"retries,omitempty"`
}

// String renders the result for text output.
func (r PollResult) String() string {
	var b strings.Builder
	writeReport(&b, "cycle", r.Cycle)
	if r.Retries != nil {
		b.WriteString("\n")
		writeReport(&b, "retries", *r.Retries)
	}
	return b.String()
}

func writeReport(b *strings.Builder, kind string, r poller.CycleReport) {
	if r.Skipped {
		fmt.Fprintf(b, "%s: skipped (already running)", kind)
		return
	}
	fmt.Fprintf(b, "%s: recovered=%d stale=%d searched=%d orphans=%d retried=%d in_flight=%d errors=%d",
		kind, r.Recovered, r.Stale, r.Searched, r.Orphans, r.Retried, r.InFlight, r.Errors)
	if len(r.Outcomes) == 0 {
		return
	}
	outcomes := make([]string, 0, len(r.Outcomes))
	for o, n := range r.Outcomes {
		outcomes = append(outcomes, fmt.Sprintf("%s=%d", o, n))
	}
	sort.Strings(outcomes)
	fmt.Fprintf(b, "\n  outcomes: %s", strings.Join(outcomes, " "))
}

// NewPollCommand creates the poll command.
func NewPollCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PollOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run one reconciliation cycle",
		Long: `Run a single reconciliation cycle against the store: recover unprocessed
events, poll stale non-terminal orders and re-drive orphan payments.

Exit codes:
  0 - Cycle completed without item errors
  1 - One or more items failed
  2 - Command error (configuration, store)

Example:
  payrecon poll --db ./payrecon.db
  payrecon poll --retries --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPoll(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Retries, "retries", false, "also run due retries")

	return cmd
}

func runPoll(opts *PollOptions, cmd *cobra.Command) error {
	f := newFormatter(cmd, opts.RootOptions)
	ctx := commandContext(cmd)

	a, err := newApp(ctx, cmd, opts.RootOptions, needStore|needProcessor)
	if err != nil {
		return f.Fail(GetExitCode(err), CodeConfig, "configuration error", err)
	}
	defer a.Close()

	p := a.newPoller()
	result := PollResult{Cycle: p.RunCycle(ctx)}
	errs := result.Cycle.Errors
	if opts.Retries {
		r := p.RunRetries(ctx)
		result.Retries = &r
		errs += r.Errors
	}

	if err := f.Success(result); err != nil {
		return err
	}
	if errs > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d item(s) failed", errs))
	}
	return nil
}
