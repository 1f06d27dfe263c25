package agent

import (
	"net"
	"os"
	"time"

	"github.com/ChuLiYu/delegate-agent/pkg/types"
	"github.com/google/uuid"
)

// ProbeIdentity builds the identity of this host. managerAddr picks the interface used
// to reach the manager; name overrides the host name when set.
func ProbeIdentity(accountID, version, name, managerAddr string, heartbeat time.Duration) types.AgentIdentity {
	hostName := name
	if hostName == "" {
		if h, err := os.Hostname(); err == nil {
			hostName = h
		}
	}

	return types.AgentIdentity{
		HostAddress:       outboundAddress(managerAddr),
		HostName:          hostName,
		AccountID:         accountID,
		Version:           version,
		InstanceID:        uuid.NewString(),
		HeartbeatInterval: heartbeat,
		Status:            types.AgentEnabled,
	}
}

// outboundAddress returns the local address of the route to target. A UDP "dial"
// sends nothing, it only resolves the route.
func outboundAddress(target string) string {
	host, port, err := net.SplitHostPort(target)
	if err != nil || host == "" {
		host, port = "192.0.2.1", "80"
	}
	conn, err := net.Dial("udp", net.JoinHostPort(host, port))
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
