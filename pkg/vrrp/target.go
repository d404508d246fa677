package vrrp

import (
	"fmt"
	"log"
	"net"
	"sync"
)

type instanceKey struct {
	ifName string
	vrid   byte
}

// Target is the dispatcher that owns every VRRP instance on a box: it
// routes received frames and interface events to the right instance and
// exposes the configuration surface that drives them (spec §4.4).
type Target struct {
	mu        sync.RWMutex
	instances map[instanceKey]*Instance
	vifs      map[string]Vif
	logger    *log.Logger
}

// NewTarget constructs an empty dispatcher. vifs maps interface name to
// the façade bound to it; one façade may back several instances (distinct
// VRIDs) on the same interface.
func NewTarget(vifs map[string]Vif, logger *log.Logger) *Target {
	if logger == nil {
		logger = log.Default()
	}
	return &Target{
		instances: make(map[instanceKey]*Instance),
		vifs:      vifs,
		logger:    logger,
	}
}

// AddInstance creates and configures a new instance for (ifName, vrid).
func (t *Target) AddInstance(ifName string, cfg Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := instanceKey{ifName, cfg.VRID}
	if _, exists := t.instances[key]; exists {
		return fmt.Errorf("vrrp: instance already exists for %s/vrid %d", ifName, cfg.VRID)
	}
	vif, ok := t.vifs[ifName]
	if !ok {
		return fmt.Errorf("vrrp: no interface façade registered for %q", ifName)
	}

	ins, err := NewInstance(ifName, vif, cfg, t.logger)
	if err != nil {
		return err
	}
	t.instances[key] = ins
	return nil
}

// RemoveInstance disables and destroys the instance for (ifName, vrid).
func (t *Target) RemoveInstance(ifName string, vrid byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := instanceKey{ifName, vrid}
	ins, ok := t.instances[key]
	if !ok {
		return fmt.Errorf("vrrp: no instance for %s/vrid %d", ifName, vrid)
	}
	ins.Shutdown()
	delete(t.instances, key)
	return nil
}

// instance looks an instance up without holding the lock across its
// (potentially slow) method calls.
func (t *Target) instance(ifName string, vrid byte) (*Instance, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ins, ok := t.instances[instanceKey{ifName, vrid}]
	return ins, ok
}

// Configure applies fn to the instance's mutable fields. fn is expected
// to call the Instance setter methods (SetPriority, SetInterval, ...).
func (t *Target) Configure(ifName string, vrid byte, fn func(*Instance) error) error {
	ins, ok := t.instance(ifName, vrid)
	if !ok {
		return fmt.Errorf("vrrp: no instance for %s/vrid %d", ifName, vrid)
	}
	return fn(ins)
}

// OnFrame decodes data as a VRRPv2 advertisement and delivers it to the
// instance for (ifName, vrid); frames for an unknown instance are dropped
// silently, as spec'd, since a VRID with no local instance is none of
// this box's business.
func (t *Target) OnFrame(ifName string, srcIP net.IP, data []byte) {
	adv, err := Decode(data)
	if err != nil {
		t.logger.Printf("vrrp: %s: decode error: %v", ifName, err)
		return
	}
	ins, ok := t.instance(ifName, adv.VRID)
	if !ok {
		return
	}
	ins.Deliver(Frame{SrcIP: srcIP, Adv: adv})
}

// OnInterfaceEvent propagates a readiness change to every instance bound
// to ifName.
func (t *Target) OnInterfaceEvent(ifName string, ready bool) {
	t.mu.RLock()
	var affected []*Instance
	for key, ins := range t.instances {
		if key.ifName == ifName {
			affected = append(affected, ins)
		}
	}
	t.mu.RUnlock()

	for _, ins := range affected {
		ins.OnInterfaceEvent(ready)
	}
}

// GetInfo reports state and believed master for one instance.
func (t *Target) GetInfo(ifName string, vrid byte) (state string, believedMaster net.IP, err error) {
	ins, ok := t.instance(ifName, vrid)
	if !ok {
		return "", nil, fmt.Errorf("vrrp: no instance for %s/vrid %d", ifName, vrid)
	}
	state, believedMaster = ins.GetInfo()
	return state, believedMaster, nil
}
