package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/errors"

	"github.com/abihf/framewatch"
	"github.com/abihf/framewatch/capture"
	"github.com/abihf/framewatch/config"
	"github.com/abihf/framewatch/history"
)

var (
	configPath = flag.String("config", config.DefaultPath, "configuration file")
	driver     = flag.String("driver", "", "camera driver (v4l or sim), overrides the configuration")
	duration   = flag.Duration("duration", 0, "capture duration, overrides the configuration")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	conf, err := config.Load(*configPath)
	if err != nil {
		return errors.Wrap(err, "Invalid configuration")
	}
	if *driver != "" {
		conf.Driver = *driver
	}
	if *duration > 0 {
		conf.DurationSec = int((*duration + time.Second - 1) / time.Second)
	}
	if err := conf.Validate(); err != nil {
		return errors.Wrap(err, "Invalid configuration")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: conf.Level()}))
	slog.SetDefault(logger)

	if conf.PidFile != "" {
		if isAlreadyRun(conf.PidFile) {
			return errors.New("Already run")
		}
		if err := writeLockFile(conf.PidFile); err != nil {
			return errors.Wrap(err, "Can not write pid file")
		}
		defer os.Remove(conf.PidFile)
	}

	opts := []framewatch.Option{
		framewatch.WithReady(func(s *capture.Session) {
			daemon.SdNotify(false, daemon.SdNotifyReady)
			logger.Info("Capturing", "session", s.ID(), "duration", conf.Duration())
		}),
	}
	if conf.HistoryDB != "" {
		store, err := history.Open(conf.HistoryDB, logger)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, framewatch.WithHistory(store))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sum, err := framewatch.Run(ctx, conf, logger, opts...)
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		return err
	}

	fmt.Printf("%d frames in %v: %.2f FPS\n", sum.Frames, sum.Elapsed.Round(time.Millisecond), sum.FPS)
	return nil
}

func isAlreadyRun(path string) bool {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false
	}

	pidStr, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Can not read pid file", "error", err)
		return false
	}
	pid, err := strconv.Atoi(string(pidStr))
	if err != nil {
		slog.Warn("Invalid existing pid file", "error", err)
		return false
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		slog.Warn("Can not find current process", "error", err)
		return false
	}

	return proc.Signal(syscall.Signal(0)) == nil
}

func writeLockFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	fmt.Fprintf(f, "%d", os.Getpid())
	return f.Close()
}
