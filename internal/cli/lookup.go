package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/payrecon/internal/engine"
	"github.com/roach88/payrecon/internal/processor"
)

// NewLookupCommand creates the lookup command.
func NewLookupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <payment-id>",
		Short: "Ask the processor about a payment",
		Long: `Fetch a payment from the processor and show the order status it maps to.
Stored state is neither read nor changed.

Example:
  payrecon lookup 1234567890
  payrecon lookup 1234567890 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLookup(rootOpts, args[0], cmd)
		},
	}
}

func runLookup(opts *RootOptions, paymentID string, cmd *cobra.Command) error {
	f := newFormatter(cmd, opts)
	ctx := commandContext(cmd)

	a, err := newApp(ctx, cmd, opts, needProcessor)
	if err != nil {
		return f.Fail(GetExitCode(err), CodeConfig, "configuration error", err)
	}
	defer a.Close()

	f.VerboseLog("Looking up payment %s at %s", paymentID, a.client)
	d, err := engine.Lookup(ctx, a.client, a.resolver, paymentID)
	switch {
	case processor.IsNotFound(err):
		return f.Fail(ExitFailure, CodeNotFound, "payment not found: "+paymentID, err)
	case err != nil:
		return f.Fail(ExitFailure, CodeProcessor, "processor lookup failed", err)
	}
	return f.Success(d)
}
