package vrrp

import (
	"fmt"
	"net"
)

// PriorityLeave is the priority value a router transmits exactly once,
// when gracefully giving up mastership (spec §3, "Priority").
const PriorityLeave = 0

// PriorityOwner is reserved for the interface's IP owner: a router
// configured this way is the address's true owner and is never preempted.
// Owner mode is only ever entered via explicit configuration — the engine
// never infers it from an address match (spec §9 "Owner priority").
const PriorityOwner = 255

const (
	minConfigurablePriority = 1
	maxConfigurablePriority = 254
	minInterval             = 1
	maxInterval             = 255
	defaultPrefixLen        = 24
	minPrefixLen            = 1
	maxPrefixLen            = 32
)

// ProtectedAddr is one address in an instance's protected set: the virtual
// IP plus the prefix length it is installed with.
type ProtectedAddr struct {
	IP     net.IP
	Prefix int
}

// Config is the full configuration surface for one VRRP instance
// (spec §6, "Configuration surface"). It is built directly from CLI flags
// by cmd/vrrpd; there is no on-disk config format, since the XORP
// template-tree/Xrl delivery mechanism this stands in for is out of scope.
type Config struct {
	VRID         byte
	Priority     byte
	Interval     byte
	Preempt      bool
	ProtectedIPs []ProtectedAddr
	Enabled      bool

	// OwnerMode must be set explicitly to allow Priority == PriorityOwner.
	// Left false, a configured priority of 255 is rejected rather than
	// silently granted owner semantics.
	OwnerMode bool
}

// Validate checks and, where the spec calls for it, clamps a Config in
// place. Grounded on xorp/vrrp/vrrp.cc's set_priority/set_interval
// out-of-range clamps and on k0s's cplb.go VRID range check.
func (c *Config) Validate() error {
	if c.VRID < 1 {
		return fmt.Errorf("vrrp: vrid must be in 1..255, got %d", c.VRID)
	}

	if c.Priority == PriorityOwner && !c.OwnerMode {
		return fmt.Errorf("vrrp: priority 255 (owner) requires explicit owner mode")
	}
	if c.Priority == PriorityLeave {
		return fmt.Errorf("vrrp: priority 0 is reserved for graceful yield and cannot be configured")
	}
	if !c.OwnerMode && (c.Priority < minConfigurablePriority || c.Priority > maxConfigurablePriority) {
		return fmt.Errorf("vrrp: priority must be in %d..%d, got %d", minConfigurablePriority, maxConfigurablePriority, c.Priority)
	}

	if c.Interval < minInterval {
		c.Interval = minInterval
	} else if c.Interval > maxInterval {
		c.Interval = maxInterval
	}

	if c.Enabled && len(c.ProtectedIPs) == 0 {
		return fmt.Errorf("vrrp: protected address set must be non-empty when enabled")
	}

	for i := range c.ProtectedIPs {
		if c.ProtectedIPs[i].IP.To4() == nil {
			return fmt.Errorf("vrrp: protected address %s is not IPv4", c.ProtectedIPs[i].IP)
		}
		if c.ProtectedIPs[i].Prefix == 0 {
			c.ProtectedIPs[i].Prefix = defaultPrefixLen
		} else if c.ProtectedIPs[i].Prefix < minPrefixLen {
			c.ProtectedIPs[i].Prefix = minPrefixLen
		} else if c.ProtectedIPs[i].Prefix > maxPrefixLen {
			c.ProtectedIPs[i].Prefix = maxPrefixLen
		}
	}

	return nil
}

// addresses returns the configured protected IPs in a stable order, used
// both for advertisement payloads and for the invariant check on receive.
func (c *Config) addresses() []net.IP {
	ips := make([]net.IP, len(c.ProtectedIPs))
	for i, a := range c.ProtectedIPs {
		ips[i] = a.IP
	}
	return ips
}
