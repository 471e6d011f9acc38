package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"os"

	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/cmd/sensorcast/subcmd"
	"github.com/sensorcast/sensorcast/helpers"
	"github.com/sensorcast/sensorcast/internal/config"
	"github.com/sensorcast/sensorcast/internal/frame"
	"github.com/sensorcast/sensorcast/log2"
)

var keygenMod = subcmd.Mod{Name: "keygen", Main: keygenMain, NoConfig: true}

// keygen [-hex] [path], writes new key to path or stdout.
func keygenMain(ctx context.Context, _ *config.Config) error {
	log := log2.ContextValueLogger(ctx)
	flagset := flag.NewFlagSet("keygen", flag.ContinueOnError)
	flagHex := flagset.Bool("hex", true, "write key as hex text")
	if err := flagset.Parse(commandArgs); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}

	key, err := frame.GenerateKey(rand.Reader)
	if err != nil {
		return errors.Annotate(err, "keygen")
	}
	b := key
	if *flagHex {
		b = []byte(hex.EncodeToString(key) + "\n")
	}

	path := flagset.Arg(0)
	if path == "" {
		return helpers.WriteAll(os.Stdout, b)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return errors.Annotate(err, "keygen")
	}
	if err = helpers.WriteAll(f, b); err != nil {
		f.Close()
		return errors.Annotatef(err, "keygen write path=%s", path)
	}
	if err = f.Close(); err != nil {
		return errors.Annotatef(err, "keygen path=%s", path)
	}
	log.Infof("keygen wrote path=%s", path)
	return nil
}
