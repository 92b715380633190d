package engine

import (
	"fmt"

	"github.com/openfroyo/gridlab/pkg/scheduler"
)

// ResourceSpec is the per-trial demand handed to the scheduler.
type ResourceSpec = scheduler.Resources

// ComputeResources derives the per-trial demand of a distributed launch.
// A CPU launch asks for one CPU when local devices are started; a GPU launch
// asks for devicesPerTrial GPUs, capped by the local device count.
func ComputeResources(selfHost int, cpuOnly bool, devicesPerTrial int) ResourceSpec {
	var res ResourceSpec
	if selfHost > 0 && cpuOnly {
		res.CPU = 1
	}
	if !cpuOnly {
		res.GPU = min(devicesPerTrial, selfHost)
	}
	return res
}

// clusterFor describes the cluster a launch starts or attaches to.
func clusterFor(selfHost int, cpuOnly bool, port int) scheduler.Cluster {
	switch {
	case selfHost == 0:
		return scheduler.Cluster{Address: fmt.Sprintf("127.0.0.1:%d", port)}
	case cpuOnly:
		return scheduler.Cluster{CPUs: selfHost}
	default:
		return scheduler.Cluster{GPUs: selfHost}
	}
}
