package zmqpub

import (
	"testing"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/usnistgov/dastream/internal/publish"
)

func TestPublishSubscribe(t *testing.T) {
	pub, err := Bind("tcp://127.0.0.1:*")
	if err != nil {
		t.Fatalf("Bind() failed: %v", err)
	}
	defer pub.Close()
	endpoint, err := pub.Endpoint()
	if err != nil {
		t.Fatal(err)
	}

	sub, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()
	if err := sub.Connect(endpoint); err != nil {
		t.Fatal(err)
	}
	sub.SetSubscribe("STATUS")
	sub.SetRcvtimeo(50 * time.Millisecond)

	// A new subscription takes a moment to reach the publisher, so keep sending.
	for i := 0; i < 100; i++ {
		if err := pub.Send(publish.Update{Tag: "IGNORED", Body: []byte(`{}`)}); err != nil {
			t.Fatal(err)
		}
		if err := pub.Send(publish.Update{Tag: "STATUS", Body: []byte(`{"streamed":5}`)}); err != nil {
			t.Fatal(err)
		}
		msg, err := sub.RecvMessage(0)
		if err != nil {
			continue
		}
		if len(msg) != 2 || msg[0] != "STATUS" || msg[1] != `{"streamed":5}` {
			t.Errorf("subscriber received %q, want [STATUS {\"streamed\":5}]", msg)
		}
		return
	}
	t.Error("subscriber never received a message")
}
