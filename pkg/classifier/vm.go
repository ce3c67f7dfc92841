package classifier

import (
	"strings"

	"github.com/hubblo-org/scaphandre/pkg/topology"
)

// VM classifies a process as a hypervisor worker when its command line
// exposes QEMU's documented `-name guest=<name>,...` argument (spec §4.4
// "a name field in a documented format"; spec §4.5 uses the same signature
// to identify a VM's hypervisor process for the Bridge).
type VM struct{}

// Classify returns {vm_name: <name>} if meta's command line identifies a
// QEMU guest worker, or nil otherwise.
func (VM) Classify(pid int, meta topology.ProcessMetadata) []topology.Label {
	if !strings.Contains(meta.ExeBasename, "qemu-system") {
		return nil
	}
	name, ok := parseQEMUGuestName(meta.CmdLine)
	if !ok {
		return nil
	}
	return []topology.Label{{Key: "vm_name", Value: name}}
}

// parseQEMUGuestName extracts <name> from a `-name guest=<name>,debug-threads=on`
// style argument pair inside a sanitized (space-separated) QEMU command
// line. Only the first comma-separated field of the guest= value is taken,
// since QEMU appends its own sub-properties after it.
func parseQEMUGuestName(cmdLine string) (string, bool) {
	args := strings.Fields(cmdLine)
	for i, a := range args {
		if a != "-name" || i+1 >= len(args) {
			continue
		}
		val := args[i+1]
		for _, field := range strings.Split(val, ",") {
			if rest, ok := strings.CutPrefix(field, "guest="); ok {
				return rest, true
			}
		}
	}
	return "", false
}
