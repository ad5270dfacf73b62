package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/paulschiretz/pgl-mirror/cmd"
	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// run encapsulates the main application logic and returns an error if something
// goes wrong, allowing the main function to handle exit codes.
func run(ctx context.Context, args []string) error {
	command, flagMap, err := flagparse.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	switch command {
	case flagparse.None:
		return nil
	case flagparse.Version:
		return cmd.RunVersion(os.Stdout, buildinfo.Name, buildinfo.Version)
	}

	plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "command", command.String(), "pid", os.Getpid())

	switch command {
	case flagparse.Run:
		return cmd.RunMirror(ctx, flagMap)
	case flagparse.Diff:
		return cmd.RunDiff(ctx, flagMap)
	case flagparse.Sync:
		return cmd.RunSync(ctx, flagMap)
	case flagparse.Init:
		return cmd.RunInit(ctx, flagMap)
	default:
		return fmt.Errorf("internal error: unknown command %s", command)
	}
}

func main() {
	// Set up a context that is canceled when an interrupt signal is received.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		plog.Info("Interrupt received, shutting down")
		cancel()
	}()

	if err := run(ctx, os.Args[1:]); err != nil {
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(1)
	}
}
