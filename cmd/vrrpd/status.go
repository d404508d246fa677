package main

import (
	"fmt"
	"net"
	"os"

	log "github.com/golang/glog"

	"github.com/catalyst/vrrpd/pkg/vrrp"
)

// statusServer answers `vrrpd status` queries over a Unix-domain socket,
// standing in for the Xrl IPC the full suite would use to deliver this
// observability (spec §6, "Observability").
type statusServer struct {
	ln     net.Listener
	target *vrrp.Target
	ifName string
	vrid   byte
}

func newStatusServer(path string, target *vrrp.Target, ifName string, vrid byte) (*statusServer, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("vrrpd: control socket %s: %w", path, err)
	}
	return &statusServer{ln: ln, target: target, ifName: ifName, vrid: vrid}, nil
}

func (s *statusServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *statusServer) handle(conn net.Conn) {
	defer conn.Close()
	state, master, err := s.target.GetInfo(s.ifName, s.vrid)
	if err != nil {
		log.Warningf("vrrpd: status query: %v", err)
		fmt.Fprintf(conn, "error: %v", err)
		return
	}
	masterStr := "-"
	if master != nil {
		masterStr = master.String()
	}
	fmt.Fprintf(conn, "state=%s believed_master=%s\n", state, masterStr)
}

func (s *statusServer) Close() error {
	return s.ln.Close()
}
