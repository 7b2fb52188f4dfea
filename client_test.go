package faktory

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startFakeServer accepts a single connection on an ephemeral loopback port
// and runs script against it, returning the listener address.
func startFakeServer(t *testing.T, script func(r *bufio.Reader, w *bufio.Writer)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		script(bufio.NewReader(conn), bufio.NewWriter(conn))
	}()
	return ln.Addr().String()
}

func TestHashPassword(t *testing.T) {
	sum := []byte("secret" + "123456789abc")
	for i := 0; i < 1735; i++ {
		h := sha256.Sum256(sum)
		sum = h[:]
	}
	want := hex.EncodeToString(sum)
	assert.Equal(t, want, hashPassword("secret", "123456789abc", 1735))
}

func TestClient_ConnectPushEnd(t *testing.T) {
	addr := startFakeServer(t, func(r *bufio.Reader, w *bufio.Writer) {
		fmt.Fprint(w, "HI {\"v\":2}\r\n")
		w.Flush()

		_, _ = r.ReadString('\n') // HELLO ...
		fmt.Fprint(w, "+OK\r\n")
		w.Flush()

		_, _ = r.ReadString('\n') // PUSH ...
		fmt.Fprint(w, "+OK\r\n")
		w.Flush()

		_, _ = r.ReadString('\n') // END
	})

	c, err := NewClient(WithURL("tcp://"+addr), WithRole(RoleProducer))
	require.NoError(t, err)
	require.NoError(t, c.Connect())
	assert.Equal(t, StateIdentified, c.State())

	job, err := NewJob("adder", []any{2, 3})
	require.NoError(t, err)
	require.NoError(t, c.Push(job))

	require.NoError(t, c.End())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_ConnectRejectsWrongVersion(t *testing.T) {
	addr := startFakeServer(t, func(r *bufio.Reader, w *bufio.Writer) {
		fmt.Fprint(w, "HI {\"v\":3}\r\n")
		w.Flush()
	})

	c, err := NewClient(WithURL("tcp://"+addr), WithRole(RoleProducer))
	require.NoError(t, err)
	defer c.End()
	err = c.Connect()
	assert.Error(t, err)
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestClient_PasswordRequiredButMissing(t *testing.T) {
	addr := startFakeServer(t, func(r *bufio.Reader, w *bufio.Writer) {
		fmt.Fprint(w, "HI {\"v\":2,\"i\":5,\"s\":\"abc\"}\r\n")
		w.Flush()
	})

	c, err := NewClient(WithURL("tcp://"+addr), WithRole(RoleProducer))
	require.NoError(t, err)
	defer c.End()
	err = c.Connect()
	assert.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestClient_FetchNilWhenQueueEmpty(t *testing.T) {
	addr := startFakeServer(t, func(r *bufio.Reader, w *bufio.Writer) {
		fmt.Fprint(w, "HI {\"v\":2}\r\n")
		w.Flush()

		_, _ = r.ReadString('\n') // HELLO
		fmt.Fprint(w, "+OK\r\n")
		w.Flush()

		_, _ = r.ReadString('\n') // FETCH
		fmt.Fprint(w, "$-1\r\n")
		w.Flush()

		_, _ = r.ReadString('\n') // END
	})

	c, err := NewClient(WithURL("tcp://"+addr), WithRole(RoleConsumer), WithWorkerID("wid-01234567"))
	require.NoError(t, err)
	require.NoError(t, c.Connect())

	job, err := c.Fetch("default")
	require.NoError(t, err)
	assert.Nil(t, job)

	require.NoError(t, c.End())
}

func TestClient_FetchAndAck(t *testing.T) {
	addr := startFakeServer(t, func(r *bufio.Reader, w *bufio.Writer) {
		fmt.Fprint(w, "HI {\"v\":2}\r\n")
		w.Flush()

		_, _ = r.ReadString('\n') // HELLO
		fmt.Fprint(w, "+OK\r\n")
		w.Flush()

		_, _ = r.ReadString('\n') // FETCH
		body := `{"jid":"abc","jobtype":"adder","args":[2,3],"queue":"default","reserve_for":1800,"retry":25,"backtrace":5}`
		fmt.Fprintf(w, "$%d\r\n%s\r\n", len(body), body)
		w.Flush()

		_, _ = r.ReadString('\n') // ACK
		fmt.Fprint(w, "+OK\r\n")
		w.Flush()

		_, _ = r.ReadString('\n') // END
	})

	c, err := NewClient(WithURL("tcp://"+addr), WithRole(RoleConsumer), WithWorkerID("wid-01234567"))
	require.NoError(t, err)
	require.NoError(t, c.Connect())

	job, err := c.Fetch("default")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "abc", job.Jid)
	assert.Equal(t, "adder", job.Jobtype)

	require.NoError(t, c.Ack(job.Jid))
	require.NoError(t, c.End())
}

func TestClient_RoleGating(t *testing.T) {
	addr := startFakeServer(t, func(r *bufio.Reader, w *bufio.Writer) {
		fmt.Fprint(w, "HI {\"v\":2}\r\n")
		w.Flush()
		_, _ = r.ReadString('\n') // HELLO
		fmt.Fprint(w, "+OK\r\n")
		w.Flush()
	})

	c, err := NewClient(WithURL("tcp://"+addr), WithRole(RoleConsumer), WithWorkerID("wid-01234567"))
	require.NoError(t, err)
	require.NoError(t, c.Connect())

	job, _ := NewJob("adder", []any{1})
	err = c.Push(job)
	assert.Error(t, err)
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr)
}
