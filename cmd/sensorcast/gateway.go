package main

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/cmd/sensorcast/subcmd"
	"github.com/sensorcast/sensorcast/hardware/serial"
	"github.com/sensorcast/sensorcast/internal/config"
	"github.com/sensorcast/sensorcast/internal/frame"
	"github.com/sensorcast/sensorcast/internal/gateway"
	"github.com/sensorcast/sensorcast/internal/settings"
	"github.com/sensorcast/sensorcast/log2"
	"github.com/sensorcast/sensorcast/tele"
)

var gatewayMod = subcmd.Mod{Name: "gateway", Main: gatewayMain}

func gatewayMain(ctx context.Context, cfg *config.Config) error {
	log := log2.ContextValueLogger(ctx)
	glog := log.CloneDebug(cfg.Gateway.LogDebug)

	if cfg.Persist.Root == "" {
		return errors.NotValidf("config: persist.root=empty")
	}
	store, err := settings.NewFileStore(cfg.Persist.Root, log)
	if err != nil {
		return errors.Annotate(err, "settings store")
	}
	if cfg.Node.KeyFile == "" {
		return errors.NotValidf("config: node.key_file=empty")
	}
	key, err := frame.LoadKey(cfg.Node.KeyFile)
	if err != nil {
		return errors.Annotate(err, "gateway key")
	}
	aead, err := frame.NewChaCha20Poly1305(key)
	if err != nil {
		return errors.Annotate(err, "gateway key")
	}
	layout, err := cfg.GatewayLayout()
	if err != nil {
		return err
	}
	codec, err := frame.NewCodec(aead, nil, layout)
	if err != nil {
		return errors.Annotate(err, "codec")
	}

	t, err := tele.NewTransport(ctx, cfg.Tele, log.CloneDebug(cfg.Tele.LogDebug))
	if err != nil {
		return errors.Annotate(err, "tele")
	}
	defer t.Close()

	queuePath := cfg.Gateway.QueuePath
	if queuePath == "" {
		queuePath = filepath.Join(cfg.Persist.Root, "gateway-queue")
	}
	g, err := gateway.New(gateway.Config{QueuePath: queuePath}, codec, store, t, glog)
	if err != nil {
		return errors.Annotate(err, "gateway")
	}
	defer g.Close()
	go g.Run()

	var r io.ReadCloser
	if cfg.Gateway.Baud > 0 {
		r, err = serial.Open(cfg.Gateway.Device, cfg.Gateway.Baud)
	} else {
		r, err = os.Open(cfg.Gateway.Device)
	}
	if err != nil {
		return errors.Annotatef(err, "gateway device=%s", cfg.Gateway.Device)
	}
	go func() {
		<-ctx.Done()
		r.Close()
	}()

	subcmd.SdNotify(daemon.SdNotifyReady)
	log.Infof("gateway init complete, reading device=%s", cfg.Gateway.Device)
	err = g.ReadLoop(r)
	published, failed := t.Stat()
	log.Infof("gateway stat=%+v mqtt published=%d failed=%d", g.Stat(), published, failed)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil {
		err = errors.Errorf("gateway device=%s closed", cfg.Gateway.Device)
	}
	return err
}
