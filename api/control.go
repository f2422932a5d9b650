package api

import (
	"fmt"
	"strconv"
	"strings"
)

// Control-plane payloads ride inside frames as key:value lines. They
// are tiny, internal to a deployment, and parsed leniently: unknown
// keys are ignored so either side can grow fields.

// RegisterInfo is the payload of a REGISTER_SS request.
type RegisterInfo struct {
	ServerID    int32
	ControlPort int
	ClientPort  int
}

// Encode serialises the registration payload.
func (r RegisterInfo) Encode() []byte {
	return []byte(fmt.Sprintf("id:%d\ncontrol_port:%d\nclient_port:%d\n", r.ServerID, r.ControlPort, r.ClientPort))
}

// ParseRegisterInfo parses a REGISTER_SS payload.
func ParseRegisterInfo(payload []byte) (RegisterInfo, error) {
	var info RegisterInfo
	seen := false
	for key, value := range payloadLines(payload) {
		switch key {
		case "id":
			v, err := strconv.ParseInt(value, 10, 32)
			if err != nil {
				return info, fmt.Errorf("api: bad register id %q", value)
			}
			info.ServerID = int32(v)
			seen = true
		case "control_port":
			info.ControlPort, _ = strconv.Atoi(value)
		case "client_port":
			info.ClientPort, _ = strconv.Atoi(value)
		}
	}
	if !seen {
		return info, fmt.Errorf("api: register payload missing id")
	}
	return info, nil
}

// HeartbeatInfo is the payload of a HEARTBEAT request: the reporting
// server's storage capacity snapshot.
type HeartbeatInfo struct {
	DiskTotal uint64
	DiskFree  uint64
}

// Encode serialises the heartbeat payload.
func (h HeartbeatInfo) Encode() []byte {
	return []byte(fmt.Sprintf("disk_total:%d\ndisk_free:%d\n", h.DiskTotal, h.DiskFree))
}

// ParseHeartbeatInfo parses a HEARTBEAT payload.
func ParseHeartbeatInfo(payload []byte) HeartbeatInfo {
	var info HeartbeatInfo
	for key, value := range payloadLines(payload) {
		switch key {
		case "disk_total":
			info.DiskTotal, _ = strconv.ParseUint(value, 10, 64)
		case "disk_free":
			info.DiskFree, _ = strconv.ParseUint(value, 10, 64)
		}
	}
	return info
}

// ReplicaInfo rides on heartbeat ACKs so a storage server always knows
// its current replica peer.
type ReplicaInfo struct {
	ID     int32
	Addr   string
	Active bool
}

// Encode serialises the replica metadata.
func (r ReplicaInfo) Encode() []byte {
	return []byte(fmt.Sprintf("replica_id:%d\nreplica_addr:%s\nreplica_active:%t\n", r.ID, r.Addr, r.Active))
}

// ParseReplicaInfo parses replica metadata from a heartbeat ACK. An
// empty payload yields ok=false.
func ParseReplicaInfo(payload []byte) (ReplicaInfo, bool) {
	var info ReplicaInfo
	ok := false
	for key, value := range payloadLines(payload) {
		switch key {
		case "replica_id":
			v, err := strconv.ParseInt(value, 10, 32)
			if err == nil {
				info.ID = int32(v)
				ok = true
			}
		case "replica_addr":
			info.Addr = value
		case "replica_active":
			info.Active = value == "true"
		}
	}
	return info, ok
}

// SyncDirective extracts the replica address from a REGISTER_SS ACK
// payload of the form "SYNC <ip:port>". The second return is false
// when no sync is requested.
func SyncDirective(payload []byte) (string, bool) {
	text := strings.TrimSpace(string(payload))
	rest, found := strings.CutPrefix(text, "SYNC ")
	if !found {
		return "", false
	}
	addr := strings.TrimSpace(rest)
	return addr, addr != ""
}

// payloadLines iterates "key:value" lines.
func payloadLines(payload []byte) func(yield func(string, string) bool) {
	return func(yield func(string, string) bool) {
		for _, line := range strings.Split(string(payload), "\n") {
			key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
			if !ok {
				continue
			}
			if !yield(key, strings.TrimSpace(value)) {
				return
			}
		}
	}
}
