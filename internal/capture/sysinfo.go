package capture

import (
	"fmt"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// InterfaceInfo describes the configured state of a local network interface.
type InterfaceInfo struct {
	Name string
	MTU  int
}

// InterfaceCounters carries basic interface counters as reported by the OS.
type InterfaceCounters struct {
	BytesSent   uint64
	BytesRecv   uint64
	PacketsSent uint64
	PacketsRecv uint64
	ErrIn       uint64
	ErrOut      uint64
	DropIn      uint64
	DropOut     uint64
}

// SystemInfoProvider supplies interface configuration and counters on demand.
// Calls are expected to be synchronous and non-blocking.
type SystemInfoProvider interface {
	InterfaceInfo(name string) (InterfaceInfo, error)
	Counters(name string) (InterfaceCounters, error)
}

// GopsutilProvider reads interface state from the local OS.
type GopsutilProvider struct{}

// InterfaceInfo returns the configured MTU for the named interface.
func (GopsutilProvider) InterfaceInfo(name string) (InterfaceInfo, error) {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return InterfaceInfo{}, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Name == name {
			return InterfaceInfo{Name: iface.Name, MTU: iface.MTU}, nil
		}
	}
	return InterfaceInfo{}, fmt.Errorf("interface %q not found", name)
}

// Counters returns per-interface IO counters.
func (GopsutilProvider) Counters(name string) (InterfaceCounters, error) {
	stats, err := psnet.IOCounters(true)
	if err != nil {
		return InterfaceCounters{}, fmt.Errorf("interface counters: %w", err)
	}
	for _, st := range stats {
		if st.Name == name {
			return InterfaceCounters{
				BytesSent:   st.BytesSent,
				BytesRecv:   st.BytesRecv,
				PacketsSent: st.PacketsSent,
				PacketsRecv: st.PacketsRecv,
				ErrIn:       st.Errin,
				ErrOut:      st.Errout,
				DropIn:      st.Dropin,
				DropOut:     st.Dropout,
			}, nil
		}
	}
	return InterfaceCounters{}, fmt.Errorf("interface %q not found", name)
}

// StaticProvider serves fixed interface data, mainly for tests.
type StaticProvider struct {
	Info InterfaceInfo
	IO   InterfaceCounters
	Err  error
}

// InterfaceInfo returns the fixed info or the configured error.
func (p StaticProvider) InterfaceInfo(string) (InterfaceInfo, error) {
	return p.Info, p.Err
}

// Counters returns the fixed counters or the configured error.
func (p StaticProvider) Counters(string) (InterfaceCounters, error) {
	return p.IO, p.Err
}
