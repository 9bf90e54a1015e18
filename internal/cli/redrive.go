package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/payrecon/internal/domain"
	"github.com/roach88/payrecon/internal/engine"
)

// RedriveResult is the redrive command payload.
type RedriveResult struct {
	Redriven  string             `json:"redriven"`
	EventID   string             `json:"event_id"`
	Outcome   domain.Outcome     `json:"outcome"`
	Status    domain.OrderStatus `json:"status,omitempty"`
	ErrorCode string             `json:"error_code,omitempty"`
	Deferred  bool               `json:"deferred"`
}

// String renders the result for text output.
func (r RedriveResult) String() string {
	s := fmt.Sprintf("redrove %s as %s: %s", r.Redriven, r.EventID, r.Outcome)
	if r.Status != "" {
		s += fmt.Sprintf(" (order %s)", r.Status)
	}
	if r.ErrorCode != "" {
		s += " error=" + r.ErrorCode
	}
	if r.Deferred {
		s += " (retry scheduled)"
	}
	return s
}

// NewRedriveCommand creates the redrive command.
func NewRedriveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "redrive <event-id>",
		Short: "Re-drive a recorded event",
		Long: `Process a recorded event again. An event that was never processed is
recovered in place; a processed one is recorded again as a new event that
references it, with a fresh retry budget.

Example:
  payrecon redrive 01927c1e-8f4a-7b3c-9d2e-4f5a6b7c8d9e`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRedrive(rootOpts, args[0], cmd)
		},
	}
}

func runRedrive(opts *RootOptions, eventID string, cmd *cobra.Command) error {
	f := newFormatter(cmd, opts)
	ctx := commandContext(cmd)

	a, err := newApp(ctx, cmd, opts, needStore|needProcessor)
	if err != nil {
		return f.Fail(GetExitCode(err), CodeConfig, "configuration error", err)
	}
	defer a.Close()

	res, err := a.engine.Redrive(ctx, eventID)
	switch {
	case errors.Is(err, domain.ErrEventNotFound):
		return f.Fail(ExitFailure, CodeNotFound, "event not found: "+eventID, err)
	case engine.IsMalformed(err):
		return f.Fail(ExitFailure, CodeInvalid, "event payload is malformed", err)
	case err != nil:
		return f.Fail(ExitFailure, CodeStore, "redrive failed", err)
	}

	return f.Success(RedriveResult{
		Redriven:  eventID,
		EventID:   res.EventID,
		Outcome:   res.Outcome,
		Status:    res.Status,
		ErrorCode: res.ErrorCode,
		Deferred:  res.Deferred,
	})
}
