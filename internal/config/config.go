// Package config loads the boot-time partition/VM topology describing
// what this port's core packages (partition, pgtable, vgic, psci)
// should be wired together into. No core package imports this one —
// it is purely an ambient loader consumed by a future cmd/ entry
// point, the way the teacher's site-config.yml is consumed only by
// cmd/ccapp and never by internal/hv itself.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// maxTopologySize caps the config file read, mirroring the teacher's
// site-config.yml DoS guard (cmd/ccapp/site_config.go).
const maxTopologySize = 1 << 20

// PartitionSpec describes one partition entity to construct.
type PartitionSpec struct {
	Name     string `yaml:"name"`
	PoolSize uint64 `yaml:"pool_size"`
	BaseAddr uint64 `yaml:"base_addr"`
}

// PageTableSpec describes one stage-1 (hyp) or stage-2 (VM) table to
// build over a named partition.
type PageTableSpec struct {
	Partition string `yaml:"partition"`
	Stage2    bool   `yaml:"stage2"`
	AddrBits  uint   `yaml:"addr_bits"`
}

// SPISpec describes one SPI's static configuration and initial route.
type SPISpec struct {
	Number  uint32 `yaml:"number"`
	Edge    bool   `yaml:"edge"`
	RouteTo uint64 `yaml:"route_to"`
}

// VCPUSpec describes one VCPU's routing affinity and PSCI group
// membership.
type VCPUSpec struct {
	MPIDR    uint64 `yaml:"mpidr"`
	PCPU     int    `yaml:"pcpu"`
	VPMGroup string `yaml:"vpm_group"`
}

// VPMGroupSpec describes one VPM group's aggregation policy.
type VPMGroupSpec struct {
	Name string `yaml:"name"`
	Mode string `yaml:"mode"` // "pc" or "osi"
}

// Topology is the full boot-time description of a hypervisor instance:
// the partitions backing memory, the page tables mapping them, the
// virtual interrupt topology, and the PSCI/VPM grouping of VCPUs.
type Topology struct {
	Partitions []PartitionSpec `yaml:"partitions"`
	PageTables []PageTableSpec `yaml:"page_tables"`
	SPIs       []SPISpec       `yaml:"spis"`
	VCPUs      []VCPUSpec      `yaml:"vcpus"`
	VPMGroups  []VPMGroupSpec  `yaml:"vpm_groups"`
}

// Load reads and parses a topology file at path. It refuses
// world-writable files on Unix and caps the read size, matching the
// teacher's site-config.yml loader; unlike that loader this returns an
// error rather than silently falling back to a zero value, since an
// unparsable boot topology is fatal rather than a soft preference.
func Load(path string) (*Topology, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	if runtime.GOOS != "windows" && info.Mode().Perm()&0002 != 0 {
		return nil, fmt.Errorf("config: %s is world-writable, refusing to load", path)
	}
	if info.Size() > maxTopologySize {
		return nil, fmt.Errorf("config: %s is %d bytes, exceeds %d byte limit", path, info.Size(), maxTopologySize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var top Topology
	if err := yaml.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := top.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	slog.Info("loaded boot topology", "path", path, "partitions", len(top.Partitions), "vcpus", len(top.VCPUs))
	return &top, nil
}

// Validate checks cross-references within the topology: every
// page_tables entry must name a partition that exists, and a vcpus
// entry that names a vpm_group must name one that exists (an empty
// vpm_group is accepted).
func (t *Topology) Validate() error {
	partitions := make(map[string]bool, len(t.Partitions))
	for _, p := range t.Partitions {
		if p.Name == "" {
			return fmt.Errorf("partition with empty name")
		}
		if partitions[p.Name] {
			return fmt.Errorf("duplicate partition name %q", p.Name)
		}
		partitions[p.Name] = true
	}

	for _, pt := range t.PageTables {
		if !partitions[pt.Partition] {
			return fmt.Errorf("page table references unknown partition %q", pt.Partition)
		}
	}

	groups := make(map[string]bool, len(t.VPMGroups))
	for _, g := range t.VPMGroups {
		if g.Mode != "pc" && g.Mode != "osi" {
			return fmt.Errorf("vpm group %q has invalid mode %q", g.Name, g.Mode)
		}
		groups[g.Name] = true
	}
	for _, v := range t.VCPUs {
		if v.VPMGroup != "" && !groups[v.VPMGroup] {
			return fmt.Errorf("vcpu %#x references unknown vpm_group %q", v.MPIDR, v.VPMGroup)
		}
	}
	return nil
}
