package session

import (
	"log"
	"os"
	"sync"

	"github.com/veraison-labs/veil/internal/policy"
)

var elog = log.New(os.Stderr, "session: ", log.Ldate|log.Ltime|log.LUTC|log.Lshortfile)

// Backend executes the program/data/compute/read operations a Request
// names. The sandboxed WebAssembly execution engine that actually runs
// uploaded programs is out of scope for this fabric; Backend is the seam
// a real engine is wired in behind.
type Backend interface {
	StoreProgram(path string, program []byte) error
	StoreData(path string, data []byte) error
	Compute(path string) error
	ReadFile(path string) ([]byte, error)
}

// Server processes requests for one TLS session, in arrival order (the
// runtime manager MUST process requests in the order they arrive within
// one session; there is no cross-session ordering guarantee).
type Server struct {
	mu          sync.Mutex
	policy      *policy.Policy
	backend     Backend
	participant policy.Participant
	shutdown    bool
}

// NewServer returns a Server that enforces p's path permissions for
// participant and executes data-plane operations against backend.
func NewServer(p *policy.Policy, participant policy.Participant, backend Backend) *Server {
	return &Server{policy: p, backend: backend, participant: participant}
}

// Handle processes one Request and returns its Response. Handle is safe
// for concurrent use, but the protocol above is strictly request/response:
// callers are expected to serialize calls per session themselves.
func (s *Server) Handle(req Request) Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return Response{Status: StatusFail}
	}

	switch req.Kind {
	case RequestKindPolicyHash:
		hashHex := s.policy.Hash()
		return Response{Status: StatusSuccess, PolicyHash: []byte(hashHex)}

	case RequestKindSendProgram:
		if !s.policy.PathAllowed(s.participant, req.Path) {
			elog.Printf("rejected SendProgram to unpermitted path %q", req.Path)
			return Response{Status: StatusPathNotPermitted}
		}
		if err := s.backend.StoreProgram(req.Path, req.Data); err != nil {
			elog.Printf("StoreProgram(%q) failed: %v", req.Path, err)
			return Response{Status: StatusFail}
		}
		return Response{Status: StatusSuccess}

	case RequestKindSendData:
		if !s.policy.PathAllowed(s.participant, req.Path) {
			elog.Printf("rejected SendData to unpermitted path %q", req.Path)
			return Response{Status: StatusPathNotPermitted}
		}
		if err := s.backend.StoreData(req.Path, req.Data); err != nil {
			elog.Printf("StoreData(%q) failed: %v", req.Path, err)
			return Response{Status: StatusFail}
		}
		return Response{Status: StatusSuccess}

	case RequestKindRequestCompute:
		if !s.policy.PathAllowed(s.participant, req.Path) {
			elog.Printf("rejected RequestCompute on unpermitted path %q", req.Path)
			return Response{Status: StatusPathNotPermitted}
		}
		if err := s.backend.Compute(req.Path); err != nil {
			elog.Printf("Compute(%q) failed: %v", req.Path, err)
			return Response{Status: StatusFail}
		}
		return Response{Status: StatusSuccess}

	case RequestKindReadFile:
		if !s.policy.PathAllowed(s.participant, req.Path) {
			elog.Printf("rejected ReadFile on unpermitted path %q", req.Path)
			return Response{Status: StatusPathNotPermitted}
		}
		data, err := s.backend.ReadFile(req.Path)
		if err != nil {
			elog.Printf("ReadFile(%q) failed: %v", req.Path, err)
			return Response{Status: StatusFail}
		}
		return Response{Status: StatusSuccess, Result: data}

	case RequestKindShutdown:
		// request_shutdown does not verify policy/runtime hashes and is
		// processed even if path permissions would otherwise fail; see
		// DESIGN.md for the leakage tradeoff this adopts from spec.md's
		// open questions.
		s.shutdown = true
		return Response{Status: StatusSuccess}

	default:
		return Response{Status: StatusFail}
	}
}
