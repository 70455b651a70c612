package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lucasnoah/qualitygate/internal/cli"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	ctx, cancel := context.WithCancelCause(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		cancel(fmt.Errorf("received %s", sig))
		// A second signal skips the grace period.
		<-sigs
		os.Exit(130)
	}()

	cli.SetVersion(Version)
	err := cli.Execute(ctx)
	var ee *cli.ExitError
	if err != nil && (!errors.As(err, &ee) || ee.Err != nil) {
		fmt.Fprintln(os.Stderr, "qgate:", err)
	}
	os.Exit(cli.ExitCode(err))
}
