package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"time"

	"github.com/fastlane-go/tpuclient/pkg/config"
	"github.com/fastlane-go/tpuclient/pkg/fastlane"
	"github.com/fastlane-go/tpuclient/pkg/slog"
)

func main() {
	slog.Init()
	logger := slog.Get()
	ctx := context.Background()

	txPath := flag.String("tx-file", "", "Path to a raw signed transaction; '-' or omitted reads stdin")
	confirm := flag.Bool("confirm", false, "Resend until the transaction's signature confirms, instead of a single shot")
	confirmTimeout := flag.Duration("confirm-timeout", 30*time.Second, "Deadline for -confirm")

	cfg, err := config.NewClientConfigFromCLI()
	if err != nil {
		logger.Fatal(err)
	}

	client, err := fastlane.NewClient(ctx, cfg)
	if err != nil {
		logger.Fatal(err)
	}
	defer client.Shutdown()

	if err := client.WaitReady(ctx); err != nil {
		logger.Fatal(err)
	}

	tx, err := readTransaction(*txPath)
	if err != nil {
		logger.Fatal(err)
	}

	if *confirm {
		result, err := client.SendUntilConfirmed(ctx, tx, *confirmTimeout)
		if err != nil {
			logger.Fatal(err)
		}
		printJSON(result)
		return
	}

	result, err := client.SendTransaction(ctx, tx)
	if err != nil {
		logger.Fatal(err)
	}
	printJSON(result)
}

func readTransaction(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
