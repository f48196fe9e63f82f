package policytable

import (
	"encoding/json"
	"fmt"
	"net"
)

// ipInfoEntry mirrors one element of the agent's JSON ingest format
// (§6/S6), e.g. {"IP":"1.1.1.1","ports":[1,2,3],"t":"all","w":100}.
type ipInfoEntry struct {
	IP    string `json:"IP"`
	Ports []int  `json:"ports"`
	Type  string `json:"t"`
	Weight int   `json:"w"`
}

type ipInfoDoc struct {
	IPInfo []ipInfoEntry `json:"IPInfo"`
}

// PolicyStandard is the only enum value this core assigns; §6 leaves
// the rest of the policy enum to the agent.
const PolicyStandard = 0

// IngestIPInfo parses the agent's JSON endpoint list into a
// ShmServers ready to Encode, applying scenario S6's port-type mapping
// ("all" → PortBoth) and summing WeightStaticTotal across entries.
// Weight bounds and the server count are not checked (§6 leaves that
// to the agent); this only rejects input this layout cannot represent
// at all: an address that is not IPv4, or more than PortMax ports.
// An unrecognized "t" value maps to PortBoth.
func IngestIPInfo(data []byte) (*ShmServers, error) {
	var doc ipInfoDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policytable: decode ip info: %w", err)
	}

	out := &ShmServers{
		Version: 1,
		Policy:  PolicyStandard,
	}

	for _, e := range doc.IPInfo {
		ip4 := net.ParseIP(e.IP).To4()
		if ip4 == nil {
			return nil, fmt.Errorf("policytable: invalid IP %q", e.IP)
		}
		if len(e.Ports) > PortMax {
			return nil, fmt.Errorf("policytable: %q declares %d ports, max %d", e.IP, len(e.Ports), PortMax)
		}

		sv := ServerInfo{
			ServerIP:     (uint32(ip4[0]) << 24) | (uint32(ip4[1]) << 16) | (uint32(ip4[2]) << 8) | uint32(ip4[3]),
			WeightStatic: uint16(e.Weight),
			PortType:     portTypeOf(e.Type),
			PortNum:      uint8(len(e.Ports)),
		}
		for i, p := range e.Ports {
			sv.Port[i] = uint16(p)
		}

		out.Servers = append(out.Servers, sv)
		out.WeightStaticTotal += uint32(e.Weight)
	}

	out.ServerNum = uint32(len(out.Servers))
	return out, nil
}

func portTypeOf(t string) uint8 {
	switch t {
	case "udp":
		return PortUDP
	case "tcp":
		return PortTCP
	default:
		return PortBoth
	}
}
