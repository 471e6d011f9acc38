package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/sensorcast/sensorcast/cmd/sensorcast/subcmd"
	"github.com/sensorcast/sensorcast/internal/config"
	"github.com/sensorcast/sensorcast/log2"
)

var BuildVersion = "unknown" // set by ldflags -X

// arguments after command name
var commandArgs []string

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	nodeMod,
	gatewayMod,
	keygenMod,
}

func main() {
	flagset := flag.NewFlagSet("sensorcast", flag.ContinueOnError)
	flagConfig := flagset.String("config", "sensorcast.hcl", "")
	flagset.Usage = func() {
		fmt.Fprintf(flagset.Output(), "Usage: sensorcast [option...] command\n\nOptions:\n")
		flagset.PrintDefaults()
		fmt.Fprintf(flagset.Output(), "\nCommands:\n")
		for _, m := range modules {
			fmt.Fprintf(flagset.Output(), "  %s\n", m.Name)
		}
	}
	if err := flagset.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			flagset.Usage()
			os.Exit(0)
		}
		log.Fatal(err)
	}

	mod, err := subcmd.Parse(flagset.Arg(0), modules)
	if err != nil {
		log.Error(err)
		flagset.Usage()
		os.Exit(1)
	}
	if flagset.NArg() > 1 {
		commandArgs = flagset.Args()[1:]
	}

	if subcmd.SdNotify("start") {
		// under systemd, journal adds timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	}
	log.Infof("sensorcast version=%s command=%s", BuildVersion, mod.Name)

	var cfg *config.Config
	if !mod.NoConfig {
		fs, err := config.NewOsFullReader(".")
		if err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
		cfg = config.MustReadConfig(log, fs, *flagConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx = context.WithValue(ctx, log2.ContextKey, log)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Infof("signal=%v stopping", sig)
		cancel()
	}()

	if err := mod.Main(ctx, cfg); err != nil {
		log.Error(errors.ErrorStack(err))
		// delay restart by service manager, no bursts during reset loops
		delay := config.DefaultRestartDelay
		if cfg != nil {
			delay = cfg.RestartDelay()
		}
		subcmd.SdNotify(fmt.Sprintf("STATUS=fatal, exit after %v", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		os.Exit(1)
	}
	subcmd.SdNotify(daemon.SdNotifyStopping)
}
