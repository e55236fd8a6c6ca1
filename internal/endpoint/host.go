package endpoint

import (
	"context"
	"net"
	"slices"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// HostIP returns the first IPv4 address of an interface that is up and
// not a loopback, or 127.0.0.1 when there is none. It is the address a
// server advertises when it listens on all interfaces.
func HostIP(ctx context.Context) string {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
			continue
		}
		for _, a := range iface.Addrs {
			ip, _, err := net.ParseCIDR(a.Addr)
			if err != nil || ip.To4() == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			return ip.String()
		}
	}
	return "127.0.0.1"
}

// IsUnspecified reports whether host binds every interface.
func IsUnspecified(host string) bool {
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}
