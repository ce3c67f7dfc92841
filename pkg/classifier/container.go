//go:build linux

package classifier

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/hubblo-org/scaphandre/pkg/topology"
)

// Container classifies a process as belonging to a container or pod by
// reading /proc/<pid>/cgroup and matching the path conventions the major
// container runtimes and Kubernetes use, grounded on the teacher's
// bufio.Scanner-based mountinfo parsing (pkg/system/cgroup/cgroup.go)
// applied to a different pseudo-file with the same per-line structure.
type Container struct {
	// ProcRoot overrides "/proc" for tests.
	ProcRoot string
}

func (c Container) procPath(pid int) string {
	root := c.ProcRoot
	if root == "" {
		root = "/proc"
	}
	return fmt.Sprintf("%s/%d/cgroup", root, pid)
}

// Classify returns container and, where detectable, pod identity labels,
// or nil if the process's cgroup path matches no known runtime
// convention (i.e. it is a bare host process).
func (c Container) Classify(pid int, meta topology.ProcessMetadata) []topology.Label {
	f, err := os.Open(c.procPath(pid))
	if err != nil {
		return nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// cgroup v2 unified lines look like "0::/kubepods/besteffort/pod<uid>/<container-id>"
		// cgroup v1 lines look like "5:cpu,cpuacct:/docker/<container-id>"
		line := sc.Text()
		i := strings.LastIndex(line, ":")
		if i < 0 {
			continue
		}
		path := line[i+1:]

		if labels, ok := containerLabelsFromPath(path); ok {
			return labels
		}
	}
	return nil
}

func containerLabelsFromPath(path string) ([]topology.Label, bool) {
	segments := strings.Split(strings.Trim(path, "/"), "/")

	var podUID, containerID, runtime string
	for _, seg := range segments {
		switch {
		case strings.HasPrefix(seg, "pod"):
			podUID = strings.TrimPrefix(seg, "pod")
		case strings.HasPrefix(seg, "docker-") && strings.HasSuffix(seg, ".scope"):
			containerID = strings.TrimSuffix(strings.TrimPrefix(seg, "docker-"), ".scope")
			runtime = "docker"
		case strings.HasPrefix(seg, "cri-containerd-") && strings.HasSuffix(seg, ".scope"):
			containerID = strings.TrimSuffix(strings.TrimPrefix(seg, "cri-containerd-"), ".scope")
			runtime = "containerd"
		case seg == "docker" || seg == "kubepods" || strings.HasPrefix(seg, "kubepods"):
			if runtime == "" {
				runtime = seg
			}
		}
		if len(seg) == 64 && isHex(seg) && containerID == "" {
			containerID = seg
		}
	}

	if containerID == "" && podUID == "" {
		return nil, false
	}

	var labels []topology.Label
	if containerID != "" {
		labels = append(labels, topology.Label{Key: "container_id", Value: containerID})
	}
	if podUID != "" {
		labels = append(labels, topology.Label{Key: "pod_uid", Value: podUID})
	}
	if runtime != "" {
		labels = append(labels, topology.Label{Key: "runtime", Value: runtime})
	}
	return labels, true
}

func isHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}
