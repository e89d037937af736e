package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"papertrade/pkg/papertrade"
)

const version = "0.1.0"

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: papertrade-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version                Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  account                Show the account snapshot\n")
		fmt.Fprintf(os.Stderr, "  positions              List open positions\n")
		fmt.Fprintf(os.Stderr, "  orders                 List orders (-view open|closed|all)\n")
		fmt.Fprintf(os.Stderr, "  submit                 Submit an order (-symbol -qty -side [-limit -tp -sl])\n")
		fmt.Fprintf(os.Stderr, "  trailing               Place a trailing stop (-symbol -qty -side -percent|-price)\n")
		fmt.Fprintf(os.Stderr, "  cancel <order-id>      Cancel an open order\n")
		fmt.Fprintf(os.Stderr, "  liquidate <symbol>     Cancel open orders and close the position\n")
		fmt.Fprintf(os.Stderr, "\nServer URL comes from PAPERTRADE_URL (default http://localhost:8080).\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("PAPERTRADE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	client := papertrade.NewClient(baseURL)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("papertrade-cli %s\n", version)

	case "account":
		err = runAccount(ctx, client)

	case "positions":
		err = runPositions(ctx, client)

	case "orders":
		err = runOrders(ctx, client, os.Args[2:])

	case "submit":
		err = runSubmit(ctx, client, os.Args[2:])

	case "trailing":
		err = runTrailing(ctx, client, os.Args[2:])

	case "cancel":
		if len(os.Args) < 3 {
			err = fmt.Errorf("usage: papertrade-cli cancel <order-id>")
			break
		}
		err = runCancel(ctx, client, os.Args[2])

	case "liquidate":
		if len(os.Args) < 3 {
			err = fmt.Errorf("usage: papertrade-cli liquidate <symbol>")
			break
		}
		err = runLiquidate(ctx, client, os.Args[2])

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runAccount(ctx context.Context, client *papertrade.Client) error {
	acct, err := client.GetAccount(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("cash:    %.2f %s\n", acct.Cash, acct.Currency)
	fmt.Printf("equity:  %.2f %s\n", acct.Equity, acct.Currency)
	fmt.Printf("status:  %s\n", acct.Status)
	return nil
}

func runPositions(ctx context.Context, client *papertrade.Client) error {
	positions, err := client.GetPositions(ctx)
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		fmt.Println("no open positions")
		return nil
	}
	for _, p := range positions {
		fmt.Printf("%-8s %5s %10.2f @ %.2f  now %.2f  pl %+.2f (%+.2f%%)\n",
			p.Symbol, p.Side, p.Qty, p.AvgEntryPrice, p.CurrentPrice, p.UnrealizedPL, p.UnrealizedPLPct)
	}
	return nil
}

func runOrders(ctx context.Context, client *papertrade.Client, args []string) error {
	fs := flag.NewFlagSet("orders", flag.ExitOnError)
	view := fs.String("view", "open", "order view: open, closed, or all")
	symbol := fs.String("symbol", "", "filter by symbol")
	fs.Parse(args)

	orders, err := client.GetOrders(ctx, *view, *symbol)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		fmt.Println("no orders")
		return nil
	}
	for _, o := range orders {
		price := "market"
		if o.LimitPrice != nil {
			price = fmt.Sprintf("limit %.2f", *o.LimitPrice)
		} else if o.StopPrice != nil {
			price = fmt.Sprintf("stop %.2f", *o.StopPrice)
		}
		fmt.Printf("%s  %-8s %4s %8.2f  %-12s %s\n", o.ID, o.Symbol, o.Side, o.Qty, price, o.Status)
	}
	return nil
}

func runSubmit(ctx context.Context, client *papertrade.Client, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	symbol := fs.String("symbol", "", "symbol to trade")
	qty := fs.Float64("qty", 0, "quantity")
	side := fs.String("side", "buy", "buy or sell")
	limit := fs.Float64("limit", 0, "limit price (0 for market)")
	tp := fs.Float64("tp", 0, "take-profit price")
	sl := fs.Float64("sl", 0, "stop-loss price")
	fs.Parse(args)

	req := papertrade.SubmitOrderRequest{
		Symbol: *symbol,
		Qty:    *qty,
		Side:   *side,
	}
	if *limit > 0 {
		req.LimitPrice = limit
	}
	if *tp > 0 {
		req.TakeProfit = tp
	}
	if *sl > 0 {
		req.StopLoss = sl
	}

	res, err := client.SubmitOrder(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runTrailing(ctx context.Context, client *papertrade.Client, args []string) error {
	fs := flag.NewFlagSet("trailing", flag.ExitOnError)
	symbol := fs.String("symbol", "", "symbol to trade")
	qty := fs.Float64("qty", 0, "quantity")
	side := fs.String("side", "sell", "buy or sell")
	percent := fs.Float64("percent", 0, "trail percent")
	price := fs.Float64("price", 0, "trail price offset")
	fs.Parse(args)

	req := papertrade.TrailingStopRequest{
		Symbol: *symbol,
		Qty:    *qty,
		Side:   *side,
	}
	if *percent > 0 {
		req.TrailPercent = percent
	}
	if *price > 0 {
		req.TrailPrice = price
	}

	res, err := client.PlaceTrailingStop(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func runCancel(ctx context.Context, client *papertrade.Client, orderID string) error {
	res, err := client.CancelOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if res.Canceled {
		fmt.Printf("order %s canceled\n", res.OrderID)
	} else {
		fmt.Printf("order %s not canceled, ended %s\n", res.OrderID, res.Status)
	}
	return nil
}

func runLiquidate(ctx context.Context, client *papertrade.Client, symbol string) error {
	res, err := client.LiquidatePosition(ctx, symbol)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
