package cluster

import "strings"

// ServiceType names one of the services a server can run. A server
// advertises the set of services it runs when it enlists, and the
// coordinator uses that set to decide what roles the server can play.
type ServiceType uint32

const (
	// MasterService stores and serves data objects.
	MasterService ServiceType = iota
	// BackupService stores segment replicas for masters.
	BackupService
	// PingService answers liveness probes.
	PingService
	// MembershipService accepts server list pushes from the
	// coordinator. Servers without it are never sent updates.
	MembershipService

	numServiceTypes
)

var serviceTypeNames = [numServiceTypes]string{
	MasterService:     "master",
	BackupService:     "backup",
	PingService:       "ping",
	MembershipService: "membership",
}

// String returns the lowercase name of the service type.
func (t ServiceType) String() string {
	if t < numServiceTypes {
		return serviceTypeNames[t]
	}
	return "unknown"
}

// ServiceMask is a bitset over ServiceType describing the services a
// server runs. The zero mask is empty.
type ServiceMask uint32

// NewServiceMask builds a mask from the given service types.
func NewServiceMask(types ...ServiceType) ServiceMask {
	var m ServiceMask
	for _, t := range types {
		m |= 1 << t
	}
	return m
}

// Has reports whether the mask includes the given service.
func (m ServiceMask) Has(t ServiceType) bool {
	return m&(1<<t) != 0
}

// Union returns the mask containing every service in either operand.
func (m ServiceMask) Union(other ServiceMask) ServiceMask {
	return m | other
}

// Intersect returns the mask containing the services in both operands.
func (m ServiceMask) Intersect(other ServiceMask) ServiceMask {
	return m & other
}

// Intersects reports whether the two masks share at least one service.
func (m ServiceMask) Intersects(other ServiceMask) bool {
	return m&other != 0
}

// IsEmpty reports whether the mask contains no services.
func (m ServiceMask) IsEmpty() bool {
	return m == 0
}

// AllServices is the mask containing every known service type.
var AllServices = NewServiceMask(MasterService, BackupService, PingService, MembershipService)

// String renders the mask as a comma-separated list of service names,
// e.g. "master,membership". The empty mask renders as "none".
func (m ServiceMask) String() string {
	if m.IsEmpty() {
		return "none"
	}
	var names []string
	for t := ServiceType(0); t < numServiceTypes; t++ {
		if m.Has(t) {
			names = append(names, t.String())
		}
	}
	return strings.Join(names, ",")
}
