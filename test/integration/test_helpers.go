//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

type VRRPInstance struct {
	Namespace string
	Interface string
	VRID      uint8
	Priority  uint8
	VIP       string
	Socket    string
	Preempt   bool
	Interval  uint8
	cmd       *exec.Cmd
	output    *bytes.Buffer
	t         *testing.T
}

// NewVRRPInstance mirrors cmd/vrrpd's own defaults (--preempt=true,
// --advert-interval=1) so a scenario only needs to override Preempt or
// Interval when it's specifically exercising that flag.
func NewVRRPInstance(t *testing.T, ns string, iface string, vrid uint8, priority uint8, vip string) *VRRPInstance {
	return &VRRPInstance{
		Namespace: ns,
		Interface: iface,
		VRID:      vrid,
		Priority:  priority,
		VIP:       vip,
		Socket:    fmt.Sprintf("/run/vrrpd-%s-%d.sock", ns, vrid),
		Preempt:   true,
		Interval:  1,
		t:         t,
		output:    &bytes.Buffer{},
	}
}

func (v *VRRPInstance) Start(ctx context.Context) error {
	vrrpBin := os.Getenv("VRRPD_BIN")
	if vrrpBin == "" {
		vrrpBin = "../../../vrrpd"
	}

	args := []string{
		"netns", "exec", v.Namespace,
		vrrpBin, "run",
		"--interface", v.Interface,
		"--vrid", fmt.Sprintf("%d", v.VRID),
		"--priority", fmt.Sprintf("%d", v.Priority),
		"--vips", v.VIP,
		"--control-socket", v.Socket,
		"--preempt", fmt.Sprintf("%v", v.Preempt),
		"--advert-interval", fmt.Sprintf("%d", v.Interval),
	}

	v.cmd = exec.CommandContext(ctx, "ip", args...)
	v.cmd.Stdout = v.output
	v.cmd.Stderr = v.output

	if err := v.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start VRRP instance: %w", err)
	}

	// Wait for startup
	time.Sleep(2 * time.Second)
	return nil
}

func (v *VRRPInstance) Stop() error {
	if v.cmd != nil && v.cmd.Process != nil {
		if err := v.cmd.Process.Kill(); err != nil {
			return err
		}
		v.cmd.Wait()
	}
	return nil
}

// GetState dials the instance's control socket (via `vrrpd status`, run
// inside its namespace) rather than scanning process output, since the
// daemon reports state over that socket, not stdout.
func (v *VRRPInstance) GetState() (string, error) {
	vrrpBin := os.Getenv("VRRPD_BIN")
	if vrrpBin == "" {
		vrrpBin = "../../../vrrpd"
	}

	out, err := exec.Command("ip", "netns", "exec", v.Namespace,
		vrrpBin, "status", "--control-socket", v.Socket).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("status query failed: %w: %s", err, out)
	}

	line := strings.TrimSpace(string(out))
	for _, field := range strings.Fields(line) {
		if state, ok := strings.CutPrefix(field, "state="); ok {
			return strings.ToUpper(state), nil
		}
	}
	return "", fmt.Errorf("state not found in status output: %s", line)
}

func (v *VRRPInstance) WaitForState(expectedState string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		state, err := v.GetState()
		if err == nil && strings.EqualFold(state, expectedState) {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}

	return fmt.Errorf("timeout waiting for state %s", expectedState)
}

func CheckVIPPresent(namespace, iface, vip string) (bool, error) {
	cmd := exec.Command("ip", "netns", "exec", namespace, "ip", "addr", "show", iface)
	output, err := cmd.Output()
	if err != nil {
		return false, err
	}

	return strings.Contains(string(output), vip), nil
}

func RunCommand(namespace string, command ...string) (string, error) {
	args := []string{"netns", "exec", namespace}
	args = append(args, command...)

	cmd := exec.Command("ip", args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

func PingVIP(namespace, vip string) error {
	_, err := RunCommand(namespace, "ping", "-c", "1", "-W", "1", vip)
	return err
}

func WaitForVIP(namespace, iface, vip string, present bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		hasVIP, err := CheckVIPPresent(namespace, iface, vip)
		if err != nil {
			return err
		}

		if hasVIP == present {
			return nil
		}

		time.Sleep(500 * time.Millisecond)
	}

	if present {
		return fmt.Errorf("timeout waiting for VIP %s to appear", vip)
	}
	return fmt.Errorf("timeout waiting for VIP %s to disappear", vip)
}

func CapturePackets(namespace, iface string, duration time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ip", "netns", "exec", namespace,
		"tcpdump", "-i", iface, "-w", "-", "proto", "112")

	output, _ := cmd.Output()
	return output, nil
}
