package vrrp

import (
	"net"
	"sync"
)

// sentFrame records one call to fakeVif.Send, for assertions on what the
// engine actually transmitted.
type sentFrame struct {
	src, dst  net.HardwareAddr
	ethertype uint16
	payload   []byte
}

// fakeVif is an in-memory Vif double (spec §4.6 "Test tooling"), grounded
// on the teacher's bare net.Interface stand-ins in state_machine_test.go
// and on xorp's own isolation of all interface access behind VrrpVif.
type fakeVif struct {
	mu sync.Mutex

	ready   bool
	primary net.IP

	mcast map[string]int
	macs  map[string]bool
	ips   map[string]int

	sent []sentFrame

	failAddIP  bool
	failAddMAC bool
	failSend   bool
}

func newFakeVif(primary string) *fakeVif {
	return &fakeVif{
		ready:   true,
		primary: net.ParseIP(primary).To4(),
		mcast:   make(map[string]int),
		macs:    make(map[string]bool),
		ips:     make(map[string]int),
	}
}

func (f *fakeVif) Ready() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.ready }

func (f *fakeVif) setReady(r bool) { f.mu.Lock(); defer f.mu.Unlock(); f.ready = r }

func (f *fakeVif) PrimaryAddr() net.IP { f.mu.Lock(); defer f.mu.Unlock(); return f.primary }

func (f *fakeVif) JoinMcast(group net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mcast[group.String()]++
	return nil
}

func (f *fakeVif) LeaveMcast(group net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mcast[group.String()] > 0 {
		f.mcast[group.String()]--
	}
	return nil
}

func (f *fakeVif) AddMAC(mac net.HardwareAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAddMAC {
		return errFakeFacade
	}
	f.macs[mac.String()] = true
	return nil
}

func (f *fakeVif) DeleteMAC(mac net.HardwareAddr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.macs, mac.String())
	return nil
}

func (f *fakeVif) AddIP(ip net.IP, prefix int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAddIP {
		return errFakeFacade
	}
	f.ips[ip.String()]++
	return nil
}

func (f *fakeVif) DeleteIP(ip net.IP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ips[ip.String()] > 0 {
		f.ips[ip.String()]--
		if f.ips[ip.String()] == 0 {
			delete(f.ips, ip.String())
		}
	}
	return nil
}

func (f *fakeVif) Send(src, dst net.HardwareAddr, ethertype uint16, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errFakeFacade
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.sent = append(f.sent, sentFrame{src: src, dst: dst, ethertype: ethertype, payload: cp})
	return nil
}

func (f *fakeVif) hasMAC(mac net.HardwareAddr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.macs[mac.String()]
}

func (f *fakeVif) hasIP(ip net.IP) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ips[ip.String()] > 0
}

func (f *fakeVif) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeVif) lastSent() (sentFrame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentFrame{}, false
	}
	return f.sent[len(f.sent)-1], true
}

type fakeFacadeError struct{}

func (fakeFacadeError) Error() string { return "fake façade failure" }

var errFakeFacade = fakeFacadeError{}
