package lifecycle

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zulandar/nodeyard/internal/config"
	"github.com/zulandar/nodeyard/internal/models"
	"github.com/zulandar/nodeyard/internal/supervisor"
)

// workloadSpec expands the configured command line for n listening on port.
func (o *Orchestrator) workloadSpec(n *models.Node, port int) supervisor.Spec {
	r := strings.NewReplacer(
		"{overlay}", n.OverlayPath,
		"{port}", strconv.Itoa(port),
		"{display}", strconv.Itoa(port-config.VNCBasePort),
		"{name}", n.Name,
	)
	args := make([]string, len(o.workload.Args))
	for i, a := range o.workload.Args {
		args[i] = r.Replace(a)
	}
	spec := supervisor.Spec{
		Name:    n.Name,
		Command: o.workload.Command,
		Args:    args,
	}
	if o.workload.LogDir != "" {
		spec.LogPath = filepath.Join(o.workload.LogDir, n.Name+".log")
	}
	return spec
}
