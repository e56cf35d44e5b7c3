package forward

import (
	"errors"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/dockermeta"
)

func TestClientRoundTripWithAck(t *testing.T) {
	addr, out := startServer(t, nil)
	c := NewClient(ClientConfig{Addr: addr, RequireAck: true, Timeout: 2 * time.Second})
	defer c.Close()

	ts := time.Unix(1700000000, 42)
	batch := dockermeta.Batch{
		{Time: ts, Record: dockermeta.Record{"message": "one"}},
		{Time: ts.Add(time.Second), Record: dockermeta.Record{
			"message": "two",
			"docker":  map[string]any{"id": "abc", "labels": nil},
		}},
	}

	if err := c.Send(t.Context(), "docker.abc", batch); err != nil {
		t.Fatalf("send: %v", err)
	}

	r := recv(t, out)
	if r.tag != "docker.abc" || len(r.batch) != 2 {
		t.Fatalf("got tag %q with %d entries", r.tag, len(r.batch))
	}
	if !r.batch[0].Time.Equal(ts) {
		t.Errorf("time = %v, want %v (EventTime keeps nanoseconds)", r.batch[0].Time, ts)
	}
	docker, _ := r.batch[1].Record["docker"].(map[string]any)
	if !reflect.DeepEqual(docker, map[string]any{"id": "abc", "labels": nil}) {
		t.Errorf("docker field = %#v", r.batch[1].Record["docker"])
	}

	// The connection is reused for the next batch.
	if err := c.Send(t.Context(), "docker.abc", batch[:1]); err != nil {
		t.Fatalf("second send: %v", err)
	}
	recv(t, out)
}

func TestClientAckFailureResetsConnection(t *testing.T) {
	addr, _ := startServer(t, errors.New("rejected"))
	c := NewClient(ClientConfig{Addr: addr, RequireAck: true, Timeout: 500 * time.Millisecond})
	defer c.Close()

	batch := dockermeta.Batch{{Time: time.Unix(1, 0), Record: dockermeta.Record{"m": "x"}}}
	if err := c.Send(t.Context(), "t", batch); err == nil {
		t.Fatal("expected ack failure")
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		t.Error("connection should be dropped after a failed send")
	}
}

func TestClientWrongAckIsRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		dec := msgpack.NewDecoder(conn)
		if _, _, _, err := readMessage(dec); err != nil {
			return
		}
		data, _ := msgpack.Marshal(map[string]string{"ack": "someone-else"})
		conn.Write(data)
	}()

	c := NewClient(ClientConfig{Addr: ln.Addr().String(), RequireAck: true, Timeout: time.Second})
	defer c.Close()

	batch := dockermeta.Batch{{Time: time.Unix(1, 0), Record: dockermeta.Record{"m": "x"}}}
	if err := c.Send(t.Context(), "t", batch); err == nil {
		t.Error("expected mismatched ack to fail")
	}
}

func TestClientDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := NewClient(ClientConfig{Addr: addr, Timeout: 200 * time.Millisecond})
	if err := c.Send(t.Context(), "t", nil); err == nil {
		t.Error("expected dial error")
	}
}
