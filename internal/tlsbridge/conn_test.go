package tlsbridge

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSessionCellRejectsBackwardsMove(t *testing.T) {
	var c sessionCell
	if err := c.set(5); err != nil {
		t.Fatalf("set(5) error = %v", err)
	}
	if err := c.set(3); err == nil {
		t.Fatal("set(3) after set(5) should have been rejected")
	}
	if c.get() != 5 {
		t.Fatalf("get() = %d, want unchanged 5", c.get())
	}
}

func TestSessionCellStartsUnassigned(t *testing.T) {
	var c sessionCell
	if got := c.get(); got != 0 {
		t.Fatalf("initial get() = %d, want 0", got)
	}
}

// relayServer is a minimal stand-in for the host-side relay: it echoes
// back the posted payload prefixed by session id 7, which it assigns on the
// first request and keeps for every later one, as a real relay does.
func newRelayServer(t *testing.T) *httptest.Server {
	t.Helper()
	const sessionID = uint32(7)
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fields := strings.Fields(string(body))
		if len(fields) < 2 {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}
		// Echo the payload back as-is.
		fmt.Fprintf(w, "%d %s", sessionID, fields[1])
	}))
}

func TestInsecureConnWriteReadRoundTrip(t *testing.T) {
	srv := newRelayServer(t)
	defer srv.Close()

	conn := NewInsecureConn(srv.URL, srv.Client())
	payload := []byte("tls record bytes")
	n, err := conn.Write(payload)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != len(payload) {
		t.Fatalf("Write() = %d, want %d", n, len(payload))
	}

	buf := make([]byte, len(payload))
	n, err = conn.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("Read() = %q, want %q", buf[:n], payload)
	}

	if got := conn.SessionID(); got != 7 {
		t.Fatalf("SessionID() = %d, want 7", got)
	}
}

func TestInsecureConnSessionIDAdvancesThenHolds(t *testing.T) {
	srv := newRelayServer(t)
	defer srv.Close()

	conn := NewInsecureConn(srv.URL, srv.Client())
	conn.Write([]byte("first"))
	first := conn.SessionID()
	if first != 7 {
		t.Fatalf("SessionID() after first write = %d, want 7", first)
	}

	// Drain what the first write buffered before writing again.
	io.ReadAll(io.LimitReader(&conn.readBuf, int64(conn.readBuf.Len())))

	conn.Write([]byte("second"))
	second := conn.SessionID()
	if second != 7 {
		t.Fatalf("SessionID() after second write = %d, want 7", second)
	}
}

func TestInsecureConnReadEmptyReturnsEOF(t *testing.T) {
	conn := NewInsecureConn("http://unused.test", http.DefaultClient)
	buf := make([]byte, 4)
	if _, err := conn.Read(buf); err != io.EOF {
		t.Fatalf("Read() on empty buffer error = %v, want io.EOF", err)
	}
}

func TestBase64RoundTripSanity(t *testing.T) {
	// Guards the wire assumption InsecureConn.Write/Read depend on: the
	// relay protocol's payload framing is base64 text tokens.
	data := []byte{0, 1, 2, 255}
	enc := base64.StdEncoding.EncodeToString(data)
	dec, err := base64.StdEncoding.DecodeString(enc)
	if err != nil || string(dec) != string(data) {
		t.Fatalf("base64 round trip failed: %v", err)
	}
}
