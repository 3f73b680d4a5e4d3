// Package zmqpub is a publish.Sender over a ZMQ PUB socket. Each update goes out
// as a two-frame message: the tag, then the JSON body, so that subscribers can
// filter on the tag.
package zmqpub

import (
	"fmt"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/usnistgov/dastream/internal/publish"
)

// Socket is a bound ZMQ PUB socket. It is not safe for concurrent use, which
// suits the single sending goroutine of a publish.Publisher.
type Socket struct {
	sock *zmq4.Socket
}

// Bind opens a PUB socket on endpoint, such as "tcp://*:5502".
func Bind(endpoint string) (*Socket, error) {
	sock, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	// Updates still queued at shutdown are of no use to anyone.
	if err := sock.SetLinger(100 * time.Millisecond); err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.Bind(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("binding PUB socket to %s: %w", endpoint, err)
	}
	return &Socket{sock: sock}, nil
}

// BindPort opens a PUB socket on the given TCP port of every interface.
func BindPort(port int) (*Socket, error) {
	return Bind(fmt.Sprintf("tcp://*:%d", port))
}

// Endpoint returns the address the socket is bound to, with any wildcard port resolved.
func (s *Socket) Endpoint() (string, error) {
	return s.sock.GetLastEndpoint()
}

// Send publishes one update.
func (s *Socket) Send(u publish.Update) error {
	_, err := s.sock.SendMessage(u.Tag, u.Body)
	return err
}

// Close closes the socket.
func (s *Socket) Close() error {
	return s.sock.Close()
}
