package frontend

import (
	"fmt"

	"github.com/guseggert/appdrive/rpc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Injector applies load commands to a Host.
type Injector struct {
	log  *zap.SugaredLogger
	host Host
}

func NewInjector(log *zap.SugaredLogger, host Host) *Injector {
	return &Injector{log: log.Named("injector"), host: host}
}

// Apply injects the command's resources in order, using the contents the backend sent.
// An element already injected from the same location is removed first, so repeating
// a command replaces its elements rather than duplicating them.
func (i *Injector) Apply(cmd rpc.Command) error {
	switch cmd.Kind {
	case rpc.KindLoadJS, rpc.KindLoadCSS:
	default:
		return fmt.Errorf("cannot apply %s", cmd.Kind)
	}

	var errs error
	for _, res := range cmd.Resources {
		i.host.Remove(res.Location)
		err := i.host.Append(Element{Kind: cmd.Kind, Location: res.Location, Contents: res.Contents})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("injecting %s: %w", res.Location, err))
		}
	}
	i.log.Debugw("applied command", "Command", cmd.Kind, "Resources", len(cmd.Resources), "Error", errs)
	return errs
}
