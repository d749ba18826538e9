package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	cl "shopsys/internal/cli"
	"shopsys/internal/config"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const requestTimeout = 30 * time.Second

// env carries what every command needs to reach a node.
type env struct {
	apiFlag string
	profile cl.Profile
	cfg     config.CLIConfig
}

func (e *env) client() *cl.Client {
	base := strings.TrimSpace(e.apiFlag)
	if base == "" {
		base = e.profile.APIBaseURL
	}
	if base == "" {
		base = e.cfg.APIBaseURL
	}
	return cl.NewClient(base, e.profile.AdminToken)
}

func main() {
	e := &env{cfg: config.LoadCLIFromEnv()}

	root := &cobra.Command{
		Use:          "shopctl",
		Short:        "Shop network CLI",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			p, err := cl.LoadProfile()
			if err != nil {
				return err
			}
			e.profile = p
			return nil
		},
	}
	root.PersistentFlags().StringVar(&e.apiFlag, "api", "", "node API base URL (overrides the saved profile)")

	root.AddCommand(
		newLoginCmd(e),
		newLogoutCmd(),
		newBalanceCmd(e),
		newPayCmd(e),
		newBaltopCmd(e),
		newHistoryCmd(e),
		newEcoCmd(e),
		newItemsCmd(e),
		newPriceCmd(e),
		newTradeCmd(e, "buy"),
		newTradeCmd(e, "sell"),
		newPopularCmd(e),
		newPriceHistoryCmd(e),
		newAdminCmd(e),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout)
}

func newLoginCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Save the node URL, your account id and an optional admin token",
		RunE: func(cmd *cobra.Command, args []string) error {
			defaultURL := e.profile.APIBaseURL
			if strings.TrimSpace(e.apiFlag) != "" {
				defaultURL = e.apiFlag
			}
			if defaultURL == "" {
				defaultURL = e.cfg.APIBaseURL
			}
			apiURL, err := promptOptional("Node API URL", defaultURL)
			if err != nil {
				return err
			}
			account, err := promptAccount("Account id", e.profile.Account)
			if err != nil {
				return err
			}
			token, err := promptSecret("Admin token (optional)")
			if err != nil {
				return err
			}

			p := cl.Profile{APIBaseURL: strings.TrimRight(apiURL, "/"), Account: account, AdminToken: token}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			if _, err := cl.NewClient(p.APIBaseURL, p.AdminToken).Health(ctx); err != nil {
				printWarn(fmt.Sprintf("Node not reachable yet: %v", err))
			}
			if err := cl.SaveProfile(p); err != nil {
				return err
			}
			printSuccess("Profile saved.")
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearProfile(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

// accountArg returns args[idx] when present, else the profile account.
func accountArg(e *env, args []string, idx int) (string, error) {
	if len(args) > idx {
		id := strings.TrimSpace(args[idx])
		if _, err := uuid.Parse(id); err != nil {
			return "", fmt.Errorf("invalid account id %q", id)
		}
		return id, nil
	}
	return e.profile.RequireAccount()
}

func newBalanceCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:     "balance [account]",
		Short:   "Show an account balance",
		Aliases: []string{"bal"},
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := accountArg(e, args, 0)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := e.client().Balance(ctx, account)
			if err != nil {
				return err
			}
			return renderBalance(out)
		},
	}
}

func newPayCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "pay <account> <amount>",
		Short: "Transfer money to another account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := e.profile.RequireAccount()
			if err != nil {
				return err
			}
			to, err := accountArg(e, args, 0)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := e.client().Transfer(ctx, from, to, strings.TrimSpace(args[1]))
			if err != nil {
				return err
			}
			formatted, _ := out["formatted"].(string)
			printSuccess(fmt.Sprintf("Sent %s to %s.", formatted, to))
			return nil
		},
	}
}

func newBaltopCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "baltop [page]",
		Short: "Show the richest accounts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := intArg(args, 0, "page", 1)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := e.client().Top(ctx, page)
			if err != nil {
				return err
			}
			return renderTop(out)
		},
	}
}

func newHistoryCmd(e *env) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [account]",
		Short: "Show recent transactions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := accountArg(e, args, 0)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := e.client().Entries(ctx, account, limit)
			if err != nil {
				return err
			}
			return renderEntries(out)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of entries")
	return cmd
}

func newEcoCmd(e *env) *cobra.Command {
	eco := &cobra.Command{
		Use:   "eco",
		Short: "Operator balance commands",
	}
	ops := []struct {
		use, op, short string
	}{
		{"give", "deposit", "Add money to an account"},
		{"take", "withdraw", "Remove money from an account"},
		{"set", "set", "Set an account balance"},
	}
	for _, o := range ops {
		eco.AddCommand(&cobra.Command{
			Use:   o.use + " <account> <amount>",
			Short: o.short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				account, err := accountArg(e, args, 0)
				if err != nil {
					return err
				}
				ctx, cancel := withTimeout(cmd)
				defer cancel()
				out, err := e.client().Adjust(ctx, o.op, account, strings.TrimSpace(args[1]))
				if err != nil {
					return err
				}
				return renderBalance(out)
			},
		})
	}
	return eco
}

func newItemsCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "items",
		Short: "List shop items with current prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := e.client().Items(ctx)
			if err != nil {
				return err
			}
			return renderItems(out)
		},
	}
}

func newPriceCmd(e *env) *cobra.Command {
	price := &cobra.Command{
		Use:   "price <item>",
		Short: "Show one item's prices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := e.client().Item(ctx, strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			return renderQuote(out)
		},
	}
	price.AddCommand(&cobra.Command{
		Use:   "set <item> <buy> <sell>",
		Short: "Override an item's prices on every node",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := e.client().SetPrice(ctx, strings.TrimSpace(args[0]), strings.TrimSpace(args[1]), strings.TrimSpace(args[2]))
			if err != nil {
				return err
			}
			if delivered, _ := out["delivered"].(bool); !delivered {
				printWarn("Price set locally; no relay carrier was connected.")
			}
			item, _ := out["item"].(map[string]any)
			return renderQuote(item)
		},
	})
	return price
}

func newTradeCmd(e *env, side string) *cobra.Command {
	short := "Buy items from the shop"
	if side == "sell" {
		short = "Sell items to the shop"
	}
	return &cobra.Command{
		Use:   side + " <item> [units]",
		Short: short,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := e.profile.RequireAccount()
			if err != nil {
				return err
			}
			units, err := intArg(args, 1, "units", 1)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := e.client().Trade(ctx, account, strings.TrimSpace(args[0]), side, units)
			if err != nil {
				return err
			}
			return renderTrade(out, side)
		},
	}
}

func newPopularCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "popular [limit]",
		Short: "Show the most traded items",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := intArg(args, 0, "limit", 10)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := e.client().Popular(ctx, limit)
			if err != nil {
				return err
			}
			return renderPopular(out)
		},
	}
}

func newPriceHistoryCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "price-history <item> [limit]",
		Short: "Show recorded price changes of an item",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := intArg(args, 1, "limit", 10)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()
			out, err := e.client().PriceHistory(ctx, strings.TrimSpace(args[0]), limit)
			if err != nil {
				return err
			}
			return renderPriceHistory(out)
		},
	}
}

func newAdminCmd(e *env) *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Node maintenance commands",
	}
	actions := []struct {
		name, short string
	}{
		{"decay", "Run one decay pass now"},
		{"reload", "Reload the catalog from disk"},
		{"sync", "Ask the relay for the current catalog"},
		{"global-reload", "Push the relay catalog to every node"},
	}
	for _, a := range actions {
		admin.AddCommand(&cobra.Command{
			Use:   a.name,
			Short: a.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := withTimeout(cmd)
				defer cancel()
				out, err := e.client().Admin(ctx, a.name)
				if err != nil {
					return err
				}
				if delivered, ok := out["delivered"].(bool); ok && !delivered {
					printWarn("No relay carrier was connected; nothing was sent.")
					return nil
				}
				printSuccess(a.name + " done.")
				return renderJSON(out)
			},
		})
	}
	return admin
}
