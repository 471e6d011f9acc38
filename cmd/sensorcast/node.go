package main

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/cmd/sensorcast/subcmd"
	"github.com/sensorcast/sensorcast/internal/config"
	"github.com/sensorcast/sensorcast/internal/node"
	"github.com/sensorcast/sensorcast/log2"
)

var nodeMod = subcmd.Mod{Name: "node", Main: nodeMain}

func nodeMain(ctx context.Context, cfg *config.Config) error {
	log := log2.ContextValueLogger(ctx)
	n := node.New(cfg, log.CloneDebug(cfg.Node.LogDebug))
	defer n.Close()
	if err := n.Init(ctx); err != nil {
		return errors.Annotate(err, "node init")
	}

	subcmd.SdNotify(daemon.SdNotifyReady)
	log.Infof("node init complete, running")
	return n.Run(ctx)
}
