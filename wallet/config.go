package wallet

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

type LogLevel int

const (
	Info LogLevel = iota
	Debug
	Disable
)

const (
	DefaultMonitorInterval         = 10 * time.Second
	DefaultMonitorMaxConcurrent    = 5
	DefaultSettlementCheckInterval = 5 * time.Second
	DefaultSettlementCheckAttempts = 1
)

type Config struct {
	WalletPath     string
	CurrentMintURL string

	// how often the quote monitor polls tracked mint quotes
	// and how many of them it checks per tick.
	MonitorInterval      time.Duration
	MonitorMaxConcurrent int

	// after paying an invoice, the melt quote is re-checked this many
	// times, waiting SettlementCheckInterval before each check.
	SettlementCheckInterval time.Duration
	SettlementCheckAttempts int

	LogLevel LogLevel
}

func (c *Config) setDefaults() {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.MonitorMaxConcurrent <= 0 {
		c.MonitorMaxConcurrent = DefaultMonitorMaxConcurrent
	}
	if c.SettlementCheckInterval <= 0 {
		c.SettlementCheckInterval = DefaultSettlementCheckInterval
	}
	if c.SettlementCheckAttempts <= 0 {
		c.SettlementCheckAttempts = DefaultSettlementCheckAttempts
	}
}

// setupLogger writes logs to wallet.log inside the wallet directory.
func setupLogger(walletPath string, level LogLevel) (*slog.Logger, io.Closer, error) {
	if level == Disable {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil, nil
	}

	logFile, err := os.OpenFile(filepath.Join(walletPath, "wallet.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening log file: %v", err)
	}

	slogLevel := slog.LevelInfo
	if level == Debug {
		slogLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slogLevel}))
	return logger, logFile, nil
}
