package vrrp

import (
	"bytes"
	"fmt"
	"log"
	"net"
	"os"
	"sync/atomic"
	"time"
)

// State is one of the three VRRP election states (spec §3 "State").
type State int

const (
	Initialize State = iota
	Backup
	Master
)

func (s State) String() string {
	switch s {
	case Initialize:
		return "initialize"
	case Backup:
		return "backup"
	case Master:
		return "master"
	default:
		return "unknown"
	}
}

// Frame is one VRRP advertisement as handed to an instance by the target,
// already decoded and TTL/protocol-checked at the façade boundary.
type Frame struct {
	SrcIP net.IP
	Adv   *Advertisement
}

// Instance is one VRRP election state machine bound to (interface, VRID).
// All field mutation happens on a single goroutine (run); every exported
// method schedules a closure onto that goroutine and waits for it to
// finish, so callers see synchronous, serialized semantics while the
// engine itself never touches its own state from more than one context
// (spec §5).
type Instance struct {
	ifName string
	vif    Vif
	logger *log.Logger

	cfg   Config
	state State

	lastHeardMaster net.IP
	skew            time.Duration
	masterDownIval  time.Duration

	masterDownTimer      *time.Timer
	masterDownIsSkewWait bool
	advertTimer          *time.Timer

	cmdCh chan func()
	stopC chan struct{}
	doneC chan struct{}

	droppedFrames uint64
}

// NewInstance constructs an instance bound to vif and starts its event
// loop. cfg must already satisfy Config.Validate(); New returns an error
// and leaves nothing behind if it doesn't (spec §7, "Fatal errors").
func NewInstance(ifName string, vif Vif, cfg Config, logger *log.Logger) (*Instance, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}

	ins := &Instance{
		ifName: ifName,
		vif:    vif,
		logger: logger,
		cfg:    cfg,
		state:  Initialize,
		cmdCh:  make(chan func()),
		stopC:  make(chan struct{}),
		doneC:  make(chan struct{}),
	}
	ins.recomputeIntervals()

	go ins.run()

	if cfg.Enabled {
		if err := ins.Enable(); err != nil {
			ins.Shutdown()
			return nil, err
		}
	}
	return ins, nil
}

func (ins *Instance) run() {
	defer close(ins.doneC)
	for {
		select {
		case <-ins.stopC:
			return
		case f := <-ins.cmdCh:
			f()
		case <-ins.masterDownTimerC():
			if ins.state == Backup {
				ins.enterMaster()
			}
		case <-ins.advertTimerC():
			if ins.state == Master {
				ins.sendAdvertisement(ins.cfg.Priority)
				ins.armAdvertTimer()
			}
		}
	}
}

func (ins *Instance) masterDownTimerC() <-chan time.Time {
	if ins.masterDownTimer != nil {
		return ins.masterDownTimer.C
	}
	return nil
}

func (ins *Instance) advertTimerC() <-chan time.Time {
	if ins.advertTimer != nil {
		return ins.advertTimer.C
	}
	return nil
}

// execute schedules fn onto the run goroutine and blocks until it has
// run. Safe to call from any goroutine, including concurrently.
func (ins *Instance) execute(fn func()) {
	done := make(chan struct{})
	select {
	case ins.cmdCh <- func() { fn(); close(done) }:
		<-done
	case <-ins.doneC:
	}
}

// Shutdown disables the instance (if running) and stops its event loop.
// Per spec §5, instance removal drains timers before anything else can
// observe a destroyed instance.
func (ins *Instance) Shutdown() {
	ins.execute(func() {
		ins.stop(true)
	})
	close(ins.stopC)
	<-ins.doneC
}

// Enable turns the instance on: a no-op if it is already enabled and
// running, matching xorp's idempotent set_disable (spec §8 invariant 5).
func (ins *Instance) Enable() error {
	var err error
	ins.execute(func() {
		ins.cfg.Enabled = true
		err = ins.cfg.Validate()
		if err == nil {
			ins.reconcileRunning()
		}
	})
	return err
}

// Disable turns the instance off. If it is Master, it first sends one
// priority-0 advertisement, then performs the Master-exit removals, then
// cancels timers and sets state to Initialize (spec §4.3 "any → Initialize").
func (ins *Instance) Disable() {
	ins.execute(func() {
		ins.cfg.Enabled = false
		ins.reconcileRunning()
	})
}

// SetPriority updates the configured priority and recomputes skew and
// master-down interval. Rejects the reserved values. If the instance is
// running and the recomputed interval actually changed, the live timer is
// re-armed against it rather than left on its stale deadline (spec §9
// "setup_intervals recomputation gate", xorp's setup_intervals->setup_timers).
func (ins *Instance) SetPriority(p byte) error {
	var err error
	ins.execute(func() {
		prev := ins.cfg.Priority
		ins.cfg.Priority = p
		if verr := ins.cfg.Validate(); verr != nil {
			ins.cfg.Priority = prev
			err = verr
			return
		}
		prevMasterDown, prevSkew := ins.masterDownIval, ins.skew
		ins.recomputeIntervals()
		ins.rearmTimers(prevMasterDown, prevSkew)
	})
	return err
}

// SetInterval updates the advertisement interval (clamped to 1..255 with
// a logged warning, per spec §9 "Interval zero/overflow"), re-arming any
// live timer whose interval changed.
func (ins *Instance) SetInterval(i byte) error {
	ins.execute(func() {
		clamped := i
		if clamped < minInterval {
			ins.logger.Printf("vrrp: vrid %d: interval %d out of range, clamped to %d", ins.cfg.VRID, i, minInterval)
			clamped = minInterval
		} else if clamped > maxInterval {
			ins.logger.Printf("vrrp: vrid %d: interval %d out of range, clamped to %d", ins.cfg.VRID, i, maxInterval)
			clamped = maxInterval
		}
		prevInterval := ins.cfg.Interval
		ins.cfg.Interval = clamped
		prevMasterDown, prevSkew := ins.masterDownIval, ins.skew
		ins.recomputeIntervals()
		ins.rearmTimers(prevMasterDown, prevSkew)
		if ins.state == Master && clamped != prevInterval {
			ins.armAdvertTimer()
		}
	})
	return nil
}

// rearmTimers re-arms a live master-down timer against whichever duration
// is currently backing it (masterDownIval normally, skew during a
// graceful-yield wait) if that duration actually changed, so a priority or
// interval change takes effect on the running timer instead of only on the
// next natural re-arm (spec §9 "setup_intervals recomputation gate").
func (ins *Instance) rearmTimers(prevMasterDown, prevSkew time.Duration) {
	if ins.state != Backup || ins.masterDownTimer == nil {
		return
	}
	if ins.masterDownIsSkewWait {
		if ins.skew != prevSkew {
			ins.armMasterDown(ins.skew, true)
		}
		return
	}
	if ins.masterDownIval != prevMasterDown {
		ins.armMasterDown(ins.masterDownIval, false)
	}
}

// SetPreempt toggles the preemption policy.
func (ins *Instance) SetPreempt(preempt bool) {
	ins.execute(func() { ins.cfg.Preempt = preempt })
}

// SetProtectedIPs replaces the protected address set. If the instance is
// Master, addresses present before and absent after are removed from the
// façade, and newly added ones are installed, so the façade never holds a
// stale entry for a longer-lived Master.
func (ins *Instance) SetProtectedIPs(addrs []ProtectedAddr) error {
	var err error
	ins.execute(func() {
		prev := ins.cfg.ProtectedIPs
		ins.cfg.ProtectedIPs = addrs
		if verr := ins.cfg.Validate(); verr != nil {
			ins.cfg.ProtectedIPs = prev
			err = verr
			return
		}
		if ins.state == Master {
			ins.reconcileMasterAddrs(prev, ins.cfg.ProtectedIPs)
		}
	})
	return err
}

// Deliver hands one decoded advertisement, received from srcIP, to the
// instance. Rejection cases (spec §4.3 "Rejection cases on receive") drop
// the frame and increment the counter without touching state.
func (ins *Instance) Deliver(f Frame) {
	ins.execute(func() { ins.handleAdvertisement(f) })
}

// OnInterfaceEvent propagates an interface readiness change (spec §4.4
// "on_interface_event"). An unready interface forces Initialize without
// the graceful-yield advertisement, since the link itself is gone.
func (ins *Instance) OnInterfaceEvent(ready bool) {
	ins.execute(func() {
		if !ready {
			ins.stop(false)
			return
		}
		ins.reconcileRunning()
	})
}

// GetInfo reports the instance's state and believed master address
// (spec §6 "Observability").
func (ins *Instance) GetInfo() (state string, believedMaster net.IP) {
	ch := make(chan struct{})
	var s State
	var ip net.IP
	ins.execute(func() {
		s = ins.state
		switch s {
		case Master:
			if ins.vif.Ready() {
				ip = ins.vif.PrimaryAddr()
			}
		case Backup:
			ip = ins.lastHeardMaster
		}
		close(ch)
	})
	<-ch
	return s.String(), ip
}

// DroppedFrames returns the count of frames rejected since construction.
func (ins *Instance) DroppedFrames() uint64 {
	return atomic.LoadUint64(&ins.droppedFrames)
}

// --- internal, run-goroutine-only from here down ---

func (ins *Instance) recomputeIntervals() {
	ins.skew = time.Duration(256-int(ins.cfg.Priority)) * time.Second / 256
	ins.masterDownIval = 3*time.Duration(ins.cfg.Interval)*time.Second + ins.skew
}

// reconcileRunning brings state in line with whether the instance should
// currently be running (enabled AND the interface is ready), matching
// xorp's Vrrp::set_disable/start/stop running() early-return idiom.
func (ins *Instance) reconcileRunning() {
	shouldRun := ins.cfg.Enabled && ins.vif != nil && ins.vif.Ready()
	running := ins.state != Initialize

	if shouldRun == running {
		return
	}
	if shouldRun {
		ins.start()
	} else {
		ins.stop(true)
	}
}

func (ins *Instance) start() {
	if ins.cfg.Priority == PriorityOwner {
		ins.enterMaster()
		return
	}
	ins.enterBackup()
}

func (ins *Instance) enterBackup() {
	ins.logTransition(ins.state, Backup)
	ins.state = Backup
	ins.armMasterDown(ins.masterDownIval, false)
}

func (ins *Instance) enterMaster() {
	ins.logTransition(ins.state, Master)
	ins.state = Master
	ins.stopMasterDown()

	vmac := VirtualMAC(ins.cfg.VRID)
	if err := ins.vif.AddMAC(vmac); err != nil {
		ins.logFacadeError("add_mac", err)
	}
	for _, a := range ins.cfg.ProtectedIPs {
		if err := ins.vif.AddIP(a.IP, a.Prefix); err != nil {
			ins.logFacadeError("add_ip", err)
		}
	}
	ins.sendAdvertisement(ins.cfg.Priority)
	for _, a := range ins.cfg.ProtectedIPs {
		if err := sendGratuitousARP(ins.vif, vmac, a.IP); err != nil {
			ins.logFacadeError("send_arp", err)
		}
	}
	ins.armAdvertTimer()
}

// stop performs the "any → Initialize" transition. graceful controls
// whether a priority-0 advertisement is sent before removal, per spec
// §4.3: disable sends it, an interface going unready does not (the link
// carrying it is already gone).
func (ins *Instance) stop(graceful bool) {
	if ins.state == Initialize {
		return
	}
	if ins.state == Master {
		if graceful {
			ins.sendAdvertisement(PriorityLeave)
		}
		ins.exitMaster()
	}
	ins.logTransition(ins.state, Initialize)
	ins.state = Initialize
	ins.stopMasterDown()
	ins.stopAdvertTimer()
}

// transitionToBackup performs "Master → Backup" on losing an election.
// No graceful-yield advertisement is sent here — only an explicit disable
// emits one (spec §4.3).
func (ins *Instance) transitionToBackup() {
	ins.exitMaster()
	ins.logTransition(Master, Backup)
	ins.state = Backup
	ins.armMasterDown(ins.masterDownIval, false)
}

func (ins *Instance) exitMaster() {
	vmac := VirtualMAC(ins.cfg.VRID)
	if err := ins.vif.DeleteMAC(vmac); err != nil {
		ins.logFacadeError("delete_mac", err)
	}
	for _, a := range ins.cfg.ProtectedIPs {
		if err := ins.vif.DeleteIP(a.IP); err != nil {
			ins.logFacadeError("delete_ip", err)
		}
	}
	ins.stopAdvertTimer()
}

func (ins *Instance) reconcileMasterAddrs(prev, next []ProtectedAddr) {
	nextSet := make(map[string]ProtectedAddr, len(next))
	for _, a := range next {
		nextSet[a.IP.String()] = a
	}
	prevSet := make(map[string]struct{}, len(prev))
	for _, a := range prev {
		prevSet[a.IP.String()] = struct{}{}
		if _, keep := nextSet[a.IP.String()]; !keep {
			if err := ins.vif.DeleteIP(a.IP); err != nil {
				ins.logFacadeError("delete_ip", err)
			}
		}
	}
	for key, a := range nextSet {
		if _, existed := prevSet[key]; !existed {
			if err := ins.vif.AddIP(a.IP, a.Prefix); err != nil {
				ins.logFacadeError("add_ip", err)
			}
		}
	}
}

func (ins *Instance) sendAdvertisement(priority byte) {
	data, err := Encode(ins.cfg.VRID, priority, ins.cfg.Interval, ins.cfg.addresses())
	if err != nil {
		ins.logFacadeError("encode", err)
		return
	}
	vmac := VirtualMAC(ins.cfg.VRID)
	if err := ins.vif.Send(vmac, multicastMAC, 0x0800, data); err != nil {
		ins.logFacadeError("send", err)
	}
}

func (ins *Instance) armMasterDown(d time.Duration, skewWait bool) {
	ins.stopMasterDown()
	ins.masterDownTimer = time.NewTimer(d)
	ins.masterDownIsSkewWait = skewWait
}

func (ins *Instance) stopMasterDown() {
	if ins.masterDownTimer != nil {
		ins.masterDownTimer.Stop()
		ins.masterDownTimer = nil
	}
}

func (ins *Instance) armAdvertTimer() {
	ins.stopAdvertTimer()
	ins.advertTimer = time.NewTimer(time.Duration(ins.cfg.Interval) * time.Second)
}

func (ins *Instance) stopAdvertTimer() {
	if ins.advertTimer != nil {
		ins.advertTimer.Stop()
		ins.advertTimer = nil
	}
}

func (ins *Instance) logTransition(from, to State) {
	if from == to {
		return
	}
	ins.logger.Printf("vrrp: %s/vrid %d: %s -> %s", ins.ifName, ins.cfg.VRID, from, to)
}

func (ins *Instance) logFacadeError(op string, err error) {
	ins.logger.Printf("vrrp: %s/vrid %d: %v", ins.ifName, ins.cfg.VRID, &FacadeError{Op: op, Err: err})
}

func (ins *Instance) drop(reason string) {
	atomic.AddUint64(&ins.droppedFrames, 1)
	ins.logger.Printf("vrrp: %s/vrid %d: dropped frame: %s", ins.ifName, ins.cfg.VRID, reason)
}

func (ins *Instance) handleAdvertisement(f Frame) {
	adv := f.Adv

	if adv.VRID != ins.cfg.VRID {
		ins.drop(fmt.Sprintf("vrid mismatch: got %d", adv.VRID))
		return
	}
	if adv.Interval != ins.cfg.Interval {
		ins.drop(fmt.Sprintf("interval mismatch: got %d, want %d", adv.Interval, ins.cfg.Interval))
		return
	}
	if adv.Priority != PriorityOwner && !sameAddressSet(adv.Addresses, ins.cfg.addresses()) {
		ins.drop("address set mismatch")
		return
	}

	switch ins.state {
	case Backup:
		ins.lastHeardMaster = f.SrcIP
		if adv.Priority == PriorityLeave {
			ins.armMasterDown(ins.skew, true)
			return
		}
		if !ins.cfg.Preempt || adv.Priority >= ins.cfg.Priority {
			ins.armMasterDown(ins.masterDownIval, false)
		}
		// preempt && adv.Priority < our priority: let the existing timer run out.

	case Master:
		if adv.Priority == PriorityLeave {
			ins.sendAdvertisement(ins.cfg.Priority)
			ins.armAdvertTimer()
			return
		}
		if adv.Priority > ins.cfg.Priority ||
			(adv.Priority == ins.cfg.Priority && comparePrimaryIP(f.SrcIP, ins.vif.PrimaryAddr()) > 0) {
			ins.transitionToBackup()
		}

	case Initialize:
		// Not joined to the multicast group; nothing should arrive here.
	}
}

func comparePrimaryIP(src, primary net.IP) int {
	return bytes.Compare(src.To4(), primary.To4())
}

func sameAddressSet(a, b []net.IP) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(b))
	for _, ip := range b {
		seen[ip.String()]++
	}
	for _, ip := range a {
		s := ip.String()
		if seen[s] == 0 {
			return false
		}
		seen[s]--
	}
	return true
}
