// Command veilrelay runs the host-side relay: it exposes the
// /runtime_manager HTTP endpoint that carries TLS records between external
// clients and the enclave's runtime manager, which otherwise has no route
// to the outside world except the VSOCK interface to its parent instance.
package main

import (
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mdlayher/vsock"
	"golang.org/x/sys/unix"
)

var elog = log.New(os.Stderr, "veilrelay: ", log.Ldate|log.Ltime|log.LUTC|log.Lshortfile)

// readDeadline bounds how long the relay waits for the enclave's reply to
// one forwarded write before it gives up and reports a transport error to
// the caller.
const readDeadline = 10 * time.Second

func main() {
	var (
		httpAddr    = flag.String("addr", ":8080", "address the HTTP relay listens on")
		enclaveCID  = flag.Uint("enclave-cid", 0, "VSOCK CID of the enclave's runtime manager")
		enclavePort = flag.Uint("enclave-port", 5005, "VSOCK port of the enclave's runtime manager")
		debug       = flag.Bool("debug", false, "log every HTTP request")
		fdCur       = flag.Uint64("fd-cur", 65536, "soft file descriptor limit")
		fdMax       = flag.Uint64("fd-max", 65536, "hard file descriptor limit")
	)
	flag.Parse()

	if err := setFdLimit(*fdCur, *fdMax); err != nil {
		elog.Printf("failed to raise file descriptor limit: %v", err)
	}
	if *enclaveCID == 0 {
		elog.Fatal("-enclave-cid is required")
	}

	relay := newRelay(uint32(*enclaveCID), uint32(*enclavePort))

	r := chi.NewRouter()
	if *debug {
		r.Use(middleware.Logger)
	}
	r.Post("/runtime_manager", relay.handle)

	elog.Printf("listening on %s, forwarding to enclave cid=%d port=%d", *httpAddr, *enclaveCID, *enclavePort)
	if err := http.ListenAndServe(*httpAddr, r); err != nil && !errors.Is(err, http.ErrServerClosed) {
		elog.Fatalf("relay stopped: %v", err)
	}
}

// relay multiplexes HTTP-framed TLS records onto per-client VSOCK
// connections to the enclave, keyed by the session id the relay itself
// hands out to new clients.
type relay struct {
	cid, port uint32

	mu      sync.Mutex
	nextID  uint32
	clients map[uint32]io.ReadWriteCloser
}

func newRelay(cid, port uint32) *relay {
	return &relay{cid: cid, port: port, clients: map[uint32]io.ReadWriteCloser{}}
}

func (rl *relay) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fields := strings.Fields(string(body))
	if len(fields) != 2 {
		http.Error(w, "malformed relay request", http.StatusBadRequest)
		return
	}
	sessionID, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		http.Error(w, "malformed session id", http.StatusBadRequest)
		return
	}
	payload, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	conn, id, err := rl.connFor(uint32(sessionID))
	if err != nil {
		elog.Printf("session %d: %v", sessionID, err)
		http.Error(w, "no such session", http.StatusBadGateway)
		return
	}

	if _, err := conn.Write(payload); err != nil {
		rl.drop(id)
		elog.Printf("session %d: forwarding to enclave failed: %v", id, err)
		http.Error(w, "enclave unreachable", http.StatusBadGateway)
		return
	}

	reply, err := readAvailable(conn)
	if err != nil {
		rl.drop(id)
		elog.Printf("session %d: reading enclave reply failed: %v", id, err)
		http.Error(w, "enclave unreachable", http.StatusBadGateway)
		return
	}

	fmt.Fprintf(w, "%d %s", id, base64.StdEncoding.EncodeToString(reply))
}

// connFor returns the connection for an existing session, or dials a fresh
// VSOCK connection to the enclave and assigns a new session id when id is
// zero (the client's "no session yet" sentinel).
func (rl *relay) connFor(id uint32) (io.ReadWriteCloser, uint32, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if id != 0 {
		conn, ok := rl.clients[id]
		if !ok {
			return nil, 0, errors.New("unknown or expired session")
		}
		return conn, id, nil
	}

	conn, err := vsock.Dial(rl.cid, rl.port, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("dialing enclave: %w", err)
	}
	rl.nextID++
	newID := rl.nextID
	rl.clients[newID] = conn
	return conn, newID, nil
}

func (rl *relay) drop(id uint32) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if conn, ok := rl.clients[id]; ok {
		conn.Close()
		delete(rl.clients, id)
	}
}

// readAvailable reads whatever the enclave has sent back within
// readDeadline. The relay's job is to turn one client write into exactly
// one HTTP response, so it cannot block indefinitely waiting for more than
// the enclave's immediate reply.
func readAvailable(conn io.ReadWriteCloser) ([]byte, error) {
	type deadliner interface {
		SetReadDeadline(time.Time) error
	}
	if d, ok := conn.(deadliner); ok {
		d.SetReadDeadline(time.Now().Add(readDeadline))
	}
	buf := make([]byte, 64*1024)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// setFdLimit raises the process's file descriptor limits; every relayed
// client session holds one VSOCK connection to the enclave open for its
// lifetime.
func setFdLimit(cur, max uint64) error {
	limit := unix.Rlimit{Cur: cur, Max: max}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return fmt.Errorf("setrlimit: %w", err)
	}
	return nil
}
