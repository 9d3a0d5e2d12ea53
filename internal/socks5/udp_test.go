package socks5

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestUDPRelay_ForwardsAndWrapsReply(t *testing.T) {
	// A local echo server standing in for "upstream".
	echo, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP(echo) error = %v", err)
	}
	defer echo.Close()
	go func() {
		buf := make([]byte, 65535)
		for {
			n, src, err := echo.ReadFromUDP(buf)
			if err != nil {
				return
			}
			echo.WriteToUDP(buf[:n], src)
		}
	}()

	relay, err := newUDPRelay(net.IPv4(127, 0, 0, 1), NewResolver(), nil, discardLogger())
	if err != nil {
		t.Fatalf("newUDPRelay() error = %v", err)
	}
	defer relay.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Serve(ctx)

	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP(client) error = %v", err)
	}
	defer client.Close()
	client.SetDeadline(time.Now().Add(5 * time.Second))

	echoAddr := echo.LocalAddr().(*net.UDPAddr)
	req := append(
		[]byte{0, 0, 0, AddrTypeIPv4},
		append(echoAddr.IP.To4(), byte(echoAddr.Port>>8), byte(echoAddr.Port))...,
	)
	req = append(req, []byte("ping")...)

	if _, err := client.WriteToUDP(req, relay.LocalAddr()); err != nil {
		t.Fatalf("WriteToUDP() error = %v", err)
	}

	buf := make([]byte, 65535)
	n, _, err := client.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP() error = %v", err)
	}

	hdr, payload, err := parseUDPRequest(buf[:n])
	if err != nil {
		t.Fatalf("parseUDPRequest(reply) error = %v", err)
	}
	if hdr.AddrType != AddrTypeIPv4 {
		t.Errorf("reply AddrType = %d, want IPv4", hdr.AddrType)
	}
	if !hdr.IP.Equal(echoAddr.IP) {
		t.Errorf("reply IP = %v, want %v", hdr.IP, echoAddr.IP)
	}
	if int(hdr.Port) != echoAddr.Port {
		t.Errorf("reply Port = %d, want %d", hdr.Port, echoAddr.Port)
	}
	if string(payload) != "ping" {
		t.Errorf("reply payload = %q, want ping", payload)
	}
}

func TestUDPRelay_DropsUnexpectedSource(t *testing.T) {
	relay, err := newUDPRelay(net.IPv4(127, 0, 0, 1), NewResolver(), nil, discardLogger())
	if err != nil {
		t.Fatalf("newUDPRelay() error = %v", err)
	}
	defer relay.Close()
	relay.restrictToClient(net.IPv4(10, 0, 0, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Serve(ctx)

	sender, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}
	defer sender.Close()
	sender.SetDeadline(time.Now().Add(200 * time.Millisecond))

	req := []byte{0, 0, 0, AddrTypeIPv4, 127, 0, 0, 1, 0, 1, 'x'}
	sender.WriteToUDP(req, relay.LocalAddr())

	buf := make([]byte, 16)
	if _, _, err := sender.ReadFromUDP(buf); err == nil {
		t.Fatal("expected no reply for a datagram from an unrestricted source")
	}
}

func TestAddrEqual(t *testing.T) {
	a := &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 10}
	b := &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 10}
	c := &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 11}
	if !addrEqual(a, b) {
		t.Error("addrEqual(a, b) = false, want true")
	}
	if addrEqual(a, c) {
		t.Error("addrEqual(a, c) = true, want false")
	}
}
