package backend

import (
	"os"

	"github.com/guseggert/appdrive/internal/files"
	"github.com/guseggert/appdrive/rpc"
	"go.uber.org/zap"
)

// LoadCommand reads each path and inlines its contents, in order. Paths that are not
// regular files or cannot be read are left out.
func LoadCommand(log *zap.SugaredLogger, kind rpc.Kind, paths []string) rpc.Command {
	cmd := rpc.Command{Kind: kind, Resources: []rpc.Resource{}}
	for _, p := range paths {
		if !files.IsFile(p) {
			log.Debugw("skipping missing resource", "Path", p)
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			log.Warnw("unable to read resource", "Path", p, "Error", err)
			continue
		}
		cmd.Resources = append(cmd.Resources, rpc.Resource{Location: p, Contents: string(b)})
	}
	return cmd
}
