package nats

import (
	"net"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

func TestNewPublisher_ConnectError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewPublisher("nats://"+addr, nil, nats.Timeout(200*time.Millisecond))
	if err == nil {
		t.Fatal("expected connection error")
	}
}
