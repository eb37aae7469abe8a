package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/elnosh/nutcustody/wallet"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var nutw *wallet.Wallet

func walletConfig() wallet.Config {
	path := setWalletPath()
	// default config
	config := wallet.Config{WalletPath: path, CurrentMintURL: "http://127.0.0.1:3338"}

	envPath := filepath.Join(path, ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			envPath = ""
		} else {
			envPath = filepath.Join(wd, ".env")
		}
	}

	if len(envPath) > 0 {
		// variables already set in the environment take precedence
		godotenv.Load(envPath)
	}

	config.CurrentMintURL = getMintURL(config.CurrentMintURL)

	switch strings.ToLower(os.Getenv("WALLET_LOG_LEVEL")) {
	case "debug":
		config.LogLevel = wallet.Debug
	case "disable":
		config.LogLevel = wallet.Disable
	default:
		config.LogLevel = wallet.Info
	}

	if interval, err := time.ParseDuration(os.Getenv("WALLET_MONITOR_INTERVAL")); err == nil {
		config.MonitorInterval = interval
	}
	if maxConcurrent, err := strconv.Atoi(os.Getenv("WALLET_MONITOR_MAX_CONCURRENT")); err == nil {
		config.MonitorMaxConcurrent = maxConcurrent
	}
	if interval, err := time.ParseDuration(os.Getenv("WALLET_SETTLEMENT_CHECK_INTERVAL")); err == nil {
		config.SettlementCheckInterval = interval
	}
	if attempts, err := strconv.Atoi(os.Getenv("WALLET_SETTLEMENT_CHECK_ATTEMPTS")); err == nil {
		config.SettlementCheckAttempts = attempts
	}

	return config
}

func setWalletPath() string {
	if path := os.Getenv("WALLET_PATH"); len(path) > 0 {
		return path
	}

	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}
	return filepath.Join(homedir, ".nutcustody", "wallet")
}

func getMintURL(defaultURL string) string {
	mintUrl := os.Getenv("MINT_URL")
	if len(mintUrl) > 0 {
		return mintUrl
	}

	mintHost := os.Getenv("MINT_HOST")
	mintPort := os.Getenv("MINT_PORT")
	if len(mintHost) == 0 || len(mintPort) == 0 {
		return defaultURL
	}

	url := &url.URL{
		Scheme: "http",
		Host:   mintHost + ":" + mintPort,
	}
	return url.String()
}

func setupWallet(ctx *cli.Context) error {
	config := walletConfig()

	var err error
	nutw, err = wallet.LoadWallet(config)
	if err != nil {
		printErr(err)
	}
	return nil
}

func shutdownWallet(ctx *cli.Context) error {
	if nutw != nil {
		return nutw.Shutdown()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "nutw",
		Usage: "custodial cashu wallet",
		Commands: []*cli.Command{
			balanceCmd,
			mintCmd,
			checkCmd,
			redeemCmd,
			sendCmd,
			receiveCmd,
			payCmd,
			cleanCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Usage:  "Wallet balance",
	Before: setupWallet,
	After:  shutdownWallet,
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	balance, err := nutw.GetBalance(ctx.Context)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("Mint: %v\n", nutw.MintURL())
	fmt.Printf("Ready: %v sats\n", balance.Ready)
	fmt.Printf("Pending: %v sats\n", balance.Pending)
	fmt.Printf("Total: %v sats\n", balance.Total)
	return nil
}

const waitFlag = "wait"

var mintCmd = &cli.Command{
	Name:      "mint",
	Usage:     "Request an invoice to mint ecash",
	ArgsUsage: "[AMOUNT]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  waitFlag,
			Usage: "Wait for the invoice to be paid and mint the ecash",
		},
	},
	Action: mint,
}

func mint(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to mint"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	quote, err := nutw.CreateMintQuote(ctx.Context, amount)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("invoice: %v\n\n", quote.Invoice)
	if !ctx.Bool(waitFlag) {
		fmt.Printf("after paying the invoice you can redeem the ecash with 'nutw redeem %v %v'\n", quote.QuoteId, quote.Amount)
		return nil
	}

	fmt.Println("waiting for the invoice to be paid...")
	waitCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt)
	defer stop()
	if err := waitForMint(waitCtx, quote); err != nil {
		printErr(err)
	}
	fmt.Printf("%v sats successfully minted\n", quote.Amount)
	return nil
}

// waitForMint blocks until the quote monitor has minted the quote.
func waitForMint(ctx context.Context, quote *wallet.MintQuoteResult) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("stopped waiting, redeem later with 'nutw redeem %v %v'", quote.QuoteId, quote.Amount)
		case <-ticker.C:
			if slices.Contains(nutw.TrackedQuotes(), quote.QuoteId) {
				continue
			}
			status, err := nutw.CheckMintQuote(ctx, quote.QuoteId)
			if err != nil {
				return err
			}
			if !status.IsIssued {
				return errors.New("quote expired before it was paid")
			}
			return nil
		}
	}
}

var checkCmd = &cli.Command{
	Name:      "check",
	Usage:     "Check the state of a mint quote",
	ArgsUsage: "[QUOTE ID]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Action:    check,
}

func check(ctx *cli.Context) error {
	status, err := nutw.CheckMintQuote(ctx.Context, ctx.Args().First())
	if err != nil {
		printErr(err)
	}

	fmt.Printf("quote: %v\n", status.QuoteId)
	fmt.Printf("state: %v\n", status.State)
	fmt.Printf("amount: %v sats\n", status.Amount)
	fmt.Printf("can mint: %v\n", status.CanMint)
	return nil
}

var redeemCmd = &cli.Command{
	Name:      "redeem",
	Usage:     "Mint ecash for a paid quote",
	ArgsUsage: "[QUOTE ID] [AMOUNT]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Action:    redeem,
}

func redeem(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 2 {
		printErr(errors.New("specify the quote id and amount"))
	}
	amount, err := strconv.ParseUint(args.Get(1), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	minted, err := nutw.MintProofs(ctx.Context, args.First(), amount)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("%v sats successfully minted\n", minted)
	return nil
}

const mintFlag = "mint"

var sendCmd = &cli.Command{
	Name:      "send",
	Usage:     "Generate token to be sent",
	ArgsUsage: "[AMOUNT]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  mintFlag,
			Usage: "Mint to send the ecash from",
		},
	},
	Action: send,
}

func send(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to send"))
	}
	sendAmount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(err)
	}

	result, err := nutw.SendEcash(ctx.Context, sendAmount, ctx.String(mintFlag))
	if err != nil {
		printErr(err)
	}

	if result.Fee > 0 {
		fmt.Printf("fee: %v sats\n", result.Fee)
	}
	fmt.Printf("%v\n", result.Token)
	return nil
}

var receiveCmd = &cli.Command{
	Name:      "receive",
	Usage:     "Receive token",
	ArgsUsage: "[TOKEN]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Action:    receive,
}

func receive(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("cashu token not provided"))
	}

	received, err := nutw.ReceiveEcash(ctx.Context, args.First())
	if err != nil {
		printErr(err)
	}

	fmt.Printf("%v sats received\n", received)
	return nil
}

var payCmd = &cli.Command{
	Name:      "pay",
	Usage:     "Pay a lightning invoice",
	ArgsUsage: "[INVOICE]",
	Before:    setupWallet,
	After:     shutdownWallet,
	Action:    pay,
}

func pay(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a lightning invoice to pay"))
	}

	result, err := nutw.PayInvoice(ctx.Context, args.First())
	if err != nil {
		printErr(err)
	}

	fmt.Printf("payment state: %v\n", result.State)
	if result.Preimage != "" {
		fmt.Printf("preimage: %v\n", result.Preimage)
	} else {
		fmt.Println("payment not settled yet, check your balance later")
	}
	if result.Change > 0 {
		fmt.Printf("%v sats of fee reserve returned\n", result.Change)
	}
	return nil
}

var cleanCmd = &cli.Command{
	Name:   "clean",
	Usage:  "Check pending proofs with the mint and remove the spent ones",
	Before: setupWallet,
	After:  shutdownWallet,
	Action: clean,
}

func clean(ctx *cli.Context) error {
	result := nutw.CleanPendingProofs(ctx.Context)
	fmt.Printf("checked %v pending proofs, %v spent, %v still pending\n", result.Checked, result.Cleaned, result.Remaining)
	if result.Reclaimed > 0 {
		fmt.Printf("%v sats from failed payments returned to the balance\n", result.Reclaimed)
	}
	return nil
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(0)
}
