package tunnel

import (
	"github.com/mstiles/tunnelpanel/internal/appconfig"
	"github.com/mstiles/tunnelpanel/internal/model"
)

// ResumeSet computes which clients to start on manager startup: when
// remembering is enabled, every stored spec that was running when the
// process last exited plus every spec flagged auto-start; when disabled,
// none. Names in lastRunning without a stored spec are dropped. Pure
// function, store order preserved.
func ResumeSet(specs []model.ClientSpec, settings appconfig.Settings, lastRunning []string) []string {
	if !settings.RememberClientState {
		return nil
	}
	wasRunning := make(map[string]bool, len(lastRunning))
	for _, name := range lastRunning {
		wasRunning[name] = true
	}
	var out []string
	for _, spec := range specs {
		if spec.AutoStart || wasRunning[spec.Name] {
			out = append(out, spec.Name)
		}
	}
	return out
}
