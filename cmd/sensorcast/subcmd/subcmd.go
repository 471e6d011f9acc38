// Support sub-commands in sensorcast application.
// It's simple but fine so far.
package subcmd

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/sensorcast/sensorcast/internal/config"
	"github.com/sensorcast/sensorcast/log2"
)

type Mod struct {
	Name string
	// Main returns error which requires process restart.
	Main func(context.Context, *config.Config) error
	// Config is optional for this module, e.g. keygen.
	NoConfig bool
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("unknown command='%s'", command)
	}
	return found, nil
}

func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log2.NewStderr(log2.LError).Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
