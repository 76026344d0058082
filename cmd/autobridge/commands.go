package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/althea-net/auto-bridge/internal/amm"
	"github.com/althea-net/auto-bridge/internal/bridge"
	"github.com/althea-net/auto-bridge/internal/chain"
	"github.com/althea-net/auto-bridge/internal/convert"
	"github.com/althea-net/auto-bridge/internal/units"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chain heads, health, balances and the signer session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			a.monitor.Poll(ctx)
			out := map[string]any{"account": a.account.Address.Hex()}
			for _, c := range []*chain.Client{a.foreign, a.home} {
				view := map[string]any{
					"chain_id": c.ChainID().String(),
					"healthy":  a.monitor.Healthy(c.Endpoint()),
				}
				if b, err := c.LatestBlock(ctx); err == nil {
					view["head"] = b.Number
				}
				if bal, err := c.Balance(ctx, a.account.Address); err == nil {
					view["balance"] = units.FormatWei(bal)
				}
				out[c.Endpoint().String()] = view
			}
			if a.remote != nil {
				st, err := a.remote.Status(ctx)
				if err != nil {
					return err
				}
				out["signer"] = map[string]any{
					"active":     st.Active,
					"ttl":        st.TTLRemaining.String(),
					"value_used": units.FormatWei(st.ValueUsed),
				}
			}
			return printJSON(cmd.OutOrStdout(), out)
		})
	},
}

var quoteCmd = &cobra.Command{
	Use:   "quote <coin-to-token|token-to-coin> <amount>",
	Short: "Quote a trade against the current pool reserves",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := parseDirection(args[0])
		if err != nil {
			return err
		}
		amount, err := units.ParseCoin(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			q, err := a.oracle.Quote(ctx, dir, amount)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"direction":      q.Direction.String(),
				"input":          units.FormatWei(q.Input),
				"output":         units.FormatWei(q.Output),
				"min_output":     units.FormatWei(amm.MinOutput(q.Output)),
				"input_reserve":  units.FormatWei(q.InputReserve),
				"output_reserve": units.FormatWei(q.OutputReserve),
			})
		})
	},
}

var swapCmd = &cobra.Command{
	Use:   "swap <coin-to-token|token-to-coin> <amount>",
	Short: "Trade on the exchange with a 2.5% slippage guard",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := parseDirection(args[0])
		if err != nil {
			return err
		}
		amount, err := units.ParseCoin(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.waitHealthy(ctx, healthTimeout); err != nil {
				return err
			}
			s, err := a.executor.Swap(ctx, dir, amount, a.cfg.Conversion.SwapDeadline())
			if err != nil {
				return reportPending(a, err)
			}
			return printJSON(cmd.OutOrStdout(), swapView(s))
		})
	},
}

var depositCmd = &cobra.Command{
	Use:   "deposit <amount>",
	Short: "Send tokens from the foreign chain to the home chain",
	Long: `Send tokens from the foreign chain to the home chain. A random tag of at
most nonce_range-1 wei is added to the amount so the credit can be recognized.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBridge(cmd, args[0], bridge.Deposit)
	},
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw <amount>",
	Short: "Send home coin back to the foreign chain as tokens",
	Long: `Send home coin back to the foreign chain as tokens. A random tag of at
most nonce_range-1 wei is added to the amount so the credit can be recognized.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBridge(cmd, args[0], bridge.Withdraw)
	},
}

func runBridge(cmd *cobra.Command, rawAmount string, dir bridge.Direction) error {
	amount, err := units.ParseCoin(rawAmount)
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.waitHealthy(ctx, healthTimeout); err != nil {
			return err
		}
		var res *bridge.Result
		if dir == bridge.Deposit {
			res, err = a.bridge.Deposit(ctx, amount)
		} else {
			res, err = a.bridge.Withdraw(ctx, amount)
		}
		if err != nil {
			return reportPending(a, err)
		}
		return printJSON(cmd.OutOrStdout(), bridgeView(res))
	})
}

var convertCmd = &cobra.Command{
	Use:   "convert <coin-to-bridged-coin|bridged-coin-to-coin> <amount>",
	Short: "Swap and bridge in one conversion",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(args[0])
		if err != nil {
			return err
		}
		amount, err := units.ParseCoin(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.waitHealthy(ctx, healthTimeout); err != nil {
				return err
			}
			var res *convert.Result
			if kind == convert.CoinToBridgedCoin {
				res, err = a.coordinator.CoinToBridgedCoin(ctx, amount)
			} else {
				res, err = a.coordinator.BridgedCoinToCoin(ctx, amount)
			}
			if err != nil {
				return reportPartial(a, err)
			}
			return printJSON(cmd.OutOrStdout(), resultView(res))
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <coin-to-bridged-coin|bridged-coin-to-coin> <tokens>",
	Short: "Run the second leg of a partial conversion for tokens already held",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(args[0])
		if err != nil {
			return err
		}
		tokens, err := units.ParseCoin(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.waitHealthy(ctx, healthTimeout); err != nil {
				return err
			}
			var res *convert.Result
			if kind == convert.CoinToBridgedCoin {
				res, err = a.coordinator.ResumeDeposit(ctx, tokens)
			} else {
				res, err = a.coordinator.ResumeSwap(ctx, tokens)
			}
			if err != nil {
				return reportPartial(a, err)
			}
			return printJSON(cmd.OutOrStdout(), resultView(res))
		})
	},
}

func parseDirection(s string) (amm.Direction, error) {
	for _, d := range []amm.Direction{amm.CoinToToken, amm.TokenToCoin} {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", amm.ErrInvalidDirection, s)
}

func parseKind(s string) (convert.Kind, error) {
	for _, k := range []convert.Kind{convert.CoinToBridgedCoin, convert.BridgedCoinToCoin} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", convert.ErrInvalidKind, s)
}

// reportPending logs the transaction hash of an unresolved submission so
// the operator can look it up.
func reportPending(a *app, err error) error {
	var pending *chain.PendingError
	if errors.As(err, &pending) {
		a.log.Error("outcome unknown, check the transaction before retrying",
			"endpoint", pending.Endpoint.String(), "tx", pending.TxHash.Hex())
	}
	return err
}

// reportPartial logs how to finish a conversion whose first leg landed.
func reportPartial(a *app, err error) error {
	var partial *convert.PartialConversionError
	if errors.As(err, &partial) {
		a.log.Error("conversion stopped after its first leg",
			"id", partial.ID,
			"kind", partial.Kind.String(),
			"held", units.FormatWei(partial.Intermediate),
			"resume", fmt.Sprintf("autobridge resume %s %swei", partial.Kind, nonNil(partial.Intermediate)),
		)
		return err
	}
	return reportPending(a, err)
}

func swapView(s *amm.Swap) map[string]any {
	return map[string]any{
		"direction":  s.Quote.Direction.String(),
		"input":      units.FormatWei(s.Quote.Input),
		"quoted":     units.FormatWei(s.Quote.Output),
		"min_output": units.FormatWei(s.MinOutput),
		"realized":   units.FormatWei(s.Realized),
		"tx":         s.TxHash.Hex(),
	}
}

func bridgeView(r *bridge.Result) map[string]any {
	view := map[string]any{
		"direction": r.Direction.String(),
		"amount":    units.FormatWei(r.Amount()),
		"tag":       r.Tag.String(),
		"tx":        r.TxHash.Hex(),
		"confirmed": r.Confirmed,
	}
	if r.Credit != nil {
		view["credit_tx"] = r.Credit.TxHash.Hex()
	}
	return view
}

func resultView(r *convert.Result) map[string]any {
	view := map[string]any{
		"id":        r.ID,
		"kind":      r.Kind.String(),
		"input":     units.FormatWei(r.Input),
		"output":    units.FormatWei(r.Output),
		"confirmed": r.Confirmed,
	}
	if r.Swap != nil {
		view["swap"] = swapView(r.Swap)
	}
	if r.Bridge != nil {
		view["bridge"] = bridgeView(r.Bridge)
	}
	return view
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
