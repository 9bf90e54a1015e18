package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/roach88/payrecon/internal/domain"
	"github.com/roach88/payrecon/internal/engine"
)

// OrderView renders an order for text output.
type OrderView struct {
	domain.Order
}

// String renders the order.
func (v OrderView) String() string {
	o := v.Order
	var b strings.Builder
	fmt.Fprintf(&b, "order %s (%s)\n", o.ExternalReference, o.ID)
	fmt.Fprintf(&b, "status: %s\n", o.Status)
	fmt.Fprintf(&b, "amount: %s %s\n", o.Amount.StringFixed(2), o.Currency)
	if o.PaymentID != "" {
		fmt.Fprintf(&b, "payment: %s\n", o.PaymentID)
	}
	if o.LastEventID != "" {
		fmt.Fprintf(&b, "last event: %s\n", o.LastEventID)
	}
	fmt.Fprintf(&b, "version: %d\n", o.Version)
	fmt.Fprintf(&b, "updated: %s", o.UpdatedAt.UTC().Format(time.RFC3339))
	if o.LastPolledAt != nil {
		fmt.Fprintf(&b, "\nlast polled: %s", o.LastPolledAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// OrdersAddOptions holds flags for orders add.
type OrdersAddOptions struct {
	*RootOptions
	Amount    string
	Currency  string
	PaymentID string
}

// NewOrdersCommand creates the orders command group.
func NewOrdersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Create and inspect orders",
	}
	cmd.AddCommand(newOrdersAddCommand(rootOpts))
	cmd.AddCommand(newOrdersShowCommand(rootOpts))
	return cmd
}

func newOrdersAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OrdersAddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add <external-reference>",
		Short: "Register a pending order",
		Long: `Register an order so payment events for its external reference can be
reconciled. The order starts pending.

Example:
  payrecon orders add order-42 --amount 150.00 --currency BRL`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrdersAdd(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Amount, "amount", "", "order amount (required)")
	cmd.Flags().StringVar(&opts.Currency, "currency", "BRL", "ISO 4217 currency")
	cmd.Flags().StringVar(&opts.PaymentID, "payment-id", "", "processor payment ID, when already known")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func runOrdersAdd(opts *OrdersAddOptions, ref string, cmd *cobra.Command) error {
	f := newFormatter(cmd, opts.RootOptions)

	amount, err := decimal.NewFromString(opts.Amount)
	if err != nil {
		return f.Fail(ExitCommandError, CodeInvalid, fmt.Sprintf("invalid amount %q", opts.Amount), err)
	}
	if amount.IsNegative() {
		return f.Fail(ExitCommandError, CodeInvalid, "amount must not be negative", nil)
	}

	ctx := commandContext(cmd)
	a, err := newApp(ctx, cmd, opts.RootOptions, needStore)
	if err != nil {
		return f.Fail(GetExitCode(err), CodeConfig, "configuration error", err)
	}
	defer a.Close()

	now := time.Now().UTC()
	order := domain.Order{
		ID:                engine.UUIDv7Generator{}.Generate(),
		ExternalReference: ref,
		Status:            domain.StatusPending,
		PaymentID:         opts.PaymentID,
		Amount:            amount,
		Currency:          strings.ToUpper(opts.Currency),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	err = a.repo.CreateOrder(ctx, order)
	switch {
	case errors.Is(err, domain.ErrOrderExists):
		return f.Fail(ExitFailure, CodeInvalid, "order already exists: "+ref, err)
	case err != nil:
		return f.Fail(ExitFailure, CodeStore, "create order failed", err)
	}

	created, err := a.repo.GetOrderByExternalReference(ctx, ref)
	if err != nil {
		return f.Fail(ExitFailure, CodeStore, "read order failed", err)
	}
	return f.Success(OrderView{created})
}

func newOrdersShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <external-reference>",
		Short:         "Show an order",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrdersShow(rootOpts, args[0], cmd)
		},
	}
}

func runOrdersShow(opts *RootOptions, ref string, cmd *cobra.Command) error {
	f := newFormatter(cmd, opts)
	ctx := commandContext(cmd)

	a, err := newApp(ctx, cmd, opts, needStore)
	if err != nil {
		return f.Fail(GetExitCode(err), CodeConfig, "configuration error", err)
	}
	defer a.Close()

	order, err := a.repo.GetOrderByExternalReference(ctx, ref)
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		return f.Fail(ExitFailure, CodeNotFound, "order not found: "+ref, err)
	case err != nil:
		return f.Fail(ExitFailure, CodeStore, "get order failed", err)
	}
	return f.Success(OrderView{order})
}
