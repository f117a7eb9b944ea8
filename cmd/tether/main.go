// Package main is the tether diagnostic CLI. It attaches a kernel process,
// streams its status and out-of-band events, and optionally runs a
// handshake RPC against the data explorer backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/statlab/tether/internal/config"
	"github.com/statlab/tether/internal/explorer"
	"github.com/statlab/tether/internal/kernel"
	"github.com/statlab/tether/internal/logging"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		connection  string
		handshake   bool
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&connection, "connection", "", "Connection descriptor to bind the kernel to")
	flag.BoolVar(&handshake, "handshake", false, "Open a data explorer comm and run suggest_code_syntax")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("tether %s (%s)\n", version, commit)
		return 0
	}
	if connection == "" {
		fmt.Fprintln(os.Stderr, "Error: -connection is required")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log := logging.New(os.Stderr, cfg.LogLevel)

	k := kernel.New(kernel.Config{
		Command: cfg.Kernel.Command,
		Args:    cfg.Kernel.Args,
		Env:     cfg.Kernel.Env,
		WorkDir: cfg.Kernel.WorkDir,
	}, logging.WithComponent(log, "kernel"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := k.Attach(ctx, connection); err != nil {
		fmt.Fprintf(os.Stderr, "Error: attach kernel: %v\n", err)
		return 1
	}
	defer k.Stop(context.Background())

	session := kernel.NewSession(k, log)

	oob, cancelOOB := k.Router().SubscribeOutOfBand()
	defer cancelOOB()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-oob:
				if !ok {
					return nil
				}
				printEvent(ev)
				if ev.Tag == kernel.EventKernelStatus && ev.Status == kernel.StatusExited {
					return kernel.ErrKernelExited
				}
			}
		}
	})

	if handshake {
		group.Go(func() error {
			comm, err := session.DataExplorerComm(ctx)
			if err != nil {
				return fmt.Errorf("open data explorer comm: %w", err)
			}
			client := explorer.NewClient(comm)

			callCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
			defer cancel()
			syntax, err := client.SuggestCodeSyntax(callCtx)
			if err != nil {
				return fmt.Errorf("suggest_code_syntax: %w", err)
			}
			fmt.Printf("kernel suggests code syntax: %s\n", syntax.CodeSyntaxName)
			return nil
		})
	}

	group.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case err := <-k.ExitChannel():
			return err
		}
	})

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// printEvent writes a one-line summary of an out-of-band event.
func printEvent(ev kernel.Event) {
	switch ev.Tag {
	case kernel.EventKernelStatus:
		fmt.Printf("status: %s\n", ev.Status)
	case kernel.EventError:
		fmt.Printf("kernel error: %s\n", ev.Message)
	case kernel.EventShowHTMLFile:
		fmt.Printf("show html: %s\n", ev.URL)
	case kernel.EventShowHelp:
		fmt.Printf("show help: %s\n", ev.URL)
	default:
		fmt.Printf("event: %s\n", ev.Tag)
	}
}
