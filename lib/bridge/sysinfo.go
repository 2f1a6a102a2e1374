/*
Copyright 2024 Patze, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bridge

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"

	"github.com/patzehq/patze/lib/telemetry"
)

// SamplerFunc probes host resources for a heartbeat.
type SamplerFunc func(ctx context.Context) *telemetry.Resource

// sampleHostResources reads CPU, memory, disk and network counters
// through gopsutil. Each probe fails independently and leaves its
// fields zero, so a heartbeat goes out even on a host where some of
// the instrumentation is unavailable.
func sampleHostResources(ctx context.Context) *telemetry.Resource {
	res := &telemetry.Resource{}
	// interval 0 measures against the previous call instead of blocking
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		res.CPUPct = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		res.MemoryBytes = vm.Used
		res.MemoryPct = vm.UsedPercent
	}
	if usage, err := disk.UsageWithContext(ctx, "/"); err == nil {
		res.DiskUsedBytes = usage.Used
		res.DiskTotalBytes = usage.Total
		res.DiskPct = usage.UsedPercent
	}
	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		res.NetRx = counters[0].BytesRecv
		res.NetTx = counters[0].BytesSent
	}
	return res
}
