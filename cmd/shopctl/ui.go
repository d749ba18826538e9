package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/term"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

type balancePayload struct {
	Account   string          `json:"account"`
	Balance   decimal.Decimal `json:"balance"`
	Formatted string          `json:"formatted"`
}

type entriesPayload struct {
	Entries []struct {
		Kind        string          `json:"kind"`
		Amount      decimal.Decimal `json:"amount"`
		Credit      bool            `json:"credit"`
		Description string          `json:"description"`
		CreatedAt   time.Time       `json:"created_at"`
	} `json:"entries"`
}

type topPayload struct {
	Page     int `json:"page"`
	Accounts []struct {
		Rank int `json:"rank"`
		balancePayload
	} `json:"accounts"`
}

type quoteView struct {
	ItemID   string          `json:"item_id"`
	Name     string          `json:"name"`
	Category string          `json:"category"`
	BaseBuy  decimal.Decimal `json:"base_buy"`
	BaseSell decimal.Decimal `json:"base_sell"`
	Buy      decimal.Decimal `json:"buy"`
	Sell     decimal.Decimal `json:"sell"`
	Dynamic  bool            `json:"dynamic"`
	OneTime  bool            `json:"one_time"`
}

type itemsPayload struct {
	Items []quoteView `json:"items"`
}

type tradePayload struct {
	Receipt struct {
		ItemID    string          `json:"item_id"`
		Units     int             `json:"units"`
		UnitPrice decimal.Decimal `json:"unit_price"`
		Balance   decimal.Decimal `json:"balance"`
		Price     quoteView       `json:"price"`
	} `json:"receipt"`
	Formatted string `json:"formatted"`
}

type popularPayload struct {
	Items []struct {
		ItemID     string `json:"item_id"`
		WriteCount int64  `json:"write_count"`
	} `json:"items"`
}

type historyPayload struct {
	ItemID  string `json:"item_id"`
	History []struct {
		Price     decimal.Decimal `json:"price"`
		ChangedBy string          `json:"changed_by"`
		Reason    string          `json:"reason"`
		CreatedAt time.Time       `json:"created_at"`
	} `json:"history"`
}

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptOptional(label, defaultValue string) (string, error) {
	if defaultValue != "" {
		fmt.Printf("%s [%s]: ", label, defaultValue)
	} else {
		fmt.Printf("%s: ", label)
	}
	text, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return defaultValue, nil
	}
	return text, nil
}

func promptAccount(label, defaultValue string) (string, error) {
	for {
		text, err := promptOptional(label, defaultValue)
		if err != nil {
			return "", err
		}
		if _, err := uuid.Parse(text); err != nil {
			printWarn("Enter a valid account id (UUID).")
			continue
		}
		return text, nil
	}
}

// promptSecret reads without echo when stdin is a terminal.
func promptSecret(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptOptional(label, "")
	}
	fmt.Printf("%s: ", label)
	raw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func renderBalance(raw map[string]any) error {
	out, err := decodeInto[balancePayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== BALANCE ==\n")
	fmt.Printf("Account: %s\n", out.Account)
	fmt.Printf("Balance: %s\n\n", out.Formatted)
	return nil
}

func renderEntries(raw map[string]any) error {
	out, err := decodeInto[entriesPayload](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== TRANSACTIONS ==")
	if len(out.Entries) == 0 {
		printInfo("No transactions yet.")
		return nil
	}
	fmt.Printf("%-17s %-9s %14s  %s\n", "TIME", "KIND", "AMOUNT", "DESCRIPTION")
	for _, e := range out.Entries {
		amount := e.Amount
		if !e.Credit {
			amount = amount.Neg()
		}
		fmt.Printf("%-17s %-9s %14s  %s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04"),
			e.Kind,
			colorizeAmount(amount),
			truncate(e.Description, 40),
		)
	}
	fmt.Println()
	return nil
}

func renderTop(raw map[string]any) error {
	out, err := decodeInto[topPayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== TOP BALANCES (page %d) ==\n", out.Page)
	if len(out.Accounts) == 0 {
		printInfo("No accounts on this page.")
		return nil
	}
	fmt.Printf("%-6s %-36s %20s\n", "RANK", "ACCOUNT", "BALANCE")
	for _, a := range out.Accounts {
		fmt.Printf("%-6d %-36s %20s\n", a.Rank, a.Account, a.Formatted)
	}
	fmt.Println()
	return nil
}

func renderItems(raw map[string]any) error {
	out, err := decodeInto[itemsPayload](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== SHOP ==")
	if len(out.Items) == 0 {
		printInfo("No items in the catalog.")
		return nil
	}
	fmt.Printf("%-12s %-20s %12s %9s %12s %9s  %s\n", "CATEGORY", "ITEM", "BUY", "", "SELL", "", "FLAGS")
	for _, q := range out.Items {
		fmt.Printf("%-12s %-20s %12s %9s %12s %9s  %s\n",
			truncate(q.Category, 12),
			truncate(q.ItemID, 20),
			q.Buy.StringFixed(2),
			colorizeChange(q.Buy, q.BaseBuy),
			q.Sell.StringFixed(2),
			colorizeChange(q.Sell, q.BaseSell),
			flags(q),
		)
	}
	fmt.Println()
	return nil
}

func renderQuote(raw map[string]any) error {
	q, err := decodeInto[quoteView](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== %s (%s) ==\n", q.Name, q.ItemID)
	fmt.Printf("Category: %s\n", q.Category)
	fmt.Printf("Buy:  %12s  base %s  %s\n", q.Buy.StringFixed(2), q.BaseBuy.StringFixed(2), colorizeChange(q.Buy, q.BaseBuy))
	fmt.Printf("Sell: %12s  base %s  %s\n", q.Sell.StringFixed(2), q.BaseSell.StringFixed(2), colorizeChange(q.Sell, q.BaseSell))
	if f := flags(q); f != "" {
		fmt.Printf("Flags: %s\n", f)
	}
	fmt.Println()
	return nil
}

func renderTrade(raw map[string]any, side string) error {
	out, err := decodeInto[tradePayload](raw)
	if err != nil {
		return err
	}
	r := out.Receipt
	verb := "Bought"
	next := r.Price.Buy
	if side == "sell" {
		verb = "Sold"
		next = r.Price.Sell
	}
	printSuccess(fmt.Sprintf("%s %d x %s at %s for %s.", verb, r.Units, r.ItemID, r.UnitPrice.StringFixed(2), out.Formatted))
	fmt.Printf("Balance: %s\n", r.Balance.StringFixed(2))
	fmt.Printf("Next %s price: %s\n\n", side, next.StringFixed(2))
	return nil
}

func renderPopular(raw map[string]any) error {
	out, err := decodeInto[popularPayload](raw)
	if err != nil {
		return err
	}
	accent.Println("\n== POPULAR ITEMS ==")
	if len(out.Items) == 0 {
		printInfo("No price activity yet.")
		return nil
	}
	fmt.Printf("%-6s %-24s %10s\n", "RANK", "ITEM", "WRITES")
	for i, it := range out.Items {
		fmt.Printf("%-6d %-24s %10d\n", i+1, truncate(it.ItemID, 24), it.WriteCount)
	}
	fmt.Println()
	return nil
}

func renderPriceHistory(raw map[string]any) error {
	out, err := decodeInto[historyPayload](raw)
	if err != nil {
		return err
	}
	accent.Printf("\n== PRICE HISTORY: %s ==\n", out.ItemID)
	if len(out.History) == 0 {
		printInfo("No recorded price changes.")
		return nil
	}
	fmt.Printf("%-17s %12s %-14s %s\n", "TIME", "PRICE", "BY", "REASON")
	for _, h := range out.History {
		fmt.Printf("%-17s %12s %-14s %s\n",
			h.CreatedAt.Local().Format("2006-01-02 15:04"),
			h.Price.StringFixed(2),
			truncate(h.ChangedBy, 14),
			truncate(h.Reason, 32),
		)
	}
	fmt.Println()
	return nil
}

func renderJSON(raw map[string]any) error {
	body, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func decodeInto[T any](in any) (T, error) {
	var out T
	raw, err := json.Marshal(in)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func flags(q quoteView) string {
	var parts []string
	if q.Dynamic {
		parts = append(parts, "dynamic")
	}
	if q.OneTime {
		parts = append(parts, "one-time")
	}
	return strings.Join(parts, ",")
}

func colorizeAmount(v decimal.Decimal) string {
	text := v.StringFixed(2)
	switch v.Sign() {
	case 1:
		return success.Sprint("+" + text)
	case -1:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

// colorizeChange renders the move of price away from base in percent.
func colorizeChange(price, base decimal.Decimal) string {
	if base.IsZero() {
		return ""
	}
	pct, _ := price.Sub(base).Div(base).Mul(decimal.NewFromInt(100)).Float64()
	text := fmt.Sprintf("%+.2f%%", pct)
	switch {
	case pct > 0:
		return success.Sprint(text)
	case pct < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func intArg(args []string, idx int, label string, fallback int) (int, error) {
	if len(args) <= idx {
		return fallback, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(args[idx]))
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s %q", label, args[idx])
	}
	return v, nil
}
