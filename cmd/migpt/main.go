package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wangyuan292/migpt-next"
	"github.com/wangyuan292/migpt-next/internal/config"
	"github.com/wangyuan292/migpt-next/internal/logger"
	"github.com/wangyuan292/migpt-next/internal/version"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	flags := flag.NewFlagSet("migpt", flag.ContinueOnError)
	flags.StringVar(&cfg.Device, "device", cfg.Device, "target speaker (name, alias, device id, or MAC)")
	flags.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "delay between conversation poll ticks")
	flags.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable verbose logging")
	showVersion := flags.Bool("version", false, "print version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println("migpt", version.RichVersion())
		return nil
	}
	if cfg.Debug {
		logger.SetLevel(logger.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := migpt.Connect(ctx, migpt.Config{
		UserID:    cfg.UserID,
		Password:  cfg.Password,
		PassToken: cfg.PassToken,
		Device:    cfg.Device,
		Timeout:   cfg.Timeout,
		StateFile: cfg.StateFile(),
	})
	if err != nil {
		return err
	}

	logger.Infof("listening for conversations (heartbeat %s), press Ctrl+C to stop", cfg.Heartbeat)
	messages := client.Messages()
	for {
		msg, err := messages.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			logger.Warnf("poll tick failed: %v", err)
		}
		if msg != nil {
			ts := time.UnixMilli(msg.Timestamp).Format("15:04:05")
			fmt.Printf("[%s] %s\n", ts, msg.Text)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.Heartbeat):
		}
	}
}
