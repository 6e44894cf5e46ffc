// Package session implements the in-enclave runtime-manager request/response
// protocol: program upload, data upload, compute, result read, shutdown,
// and the policy-hash probe. Every message travels inside the already
// established TLS channel; the protocol itself is synchronous
// request/response within one session.
package session

import (
	"fmt"
	"strings"

	"github.com/veraison-labs/veil/internal/wire"
)

// RequestKind tags a request variant.
type RequestKind uint64

// The six request variants the runtime manager accepts.
const (
	RequestKindPolicyHash RequestKind = iota
	RequestKindSendProgram
	RequestKindSendData
	RequestKindRequestCompute
	RequestKindReadFile
	RequestKindShutdown
)

// Request is the tagged union of client requests. Only the fields relevant
// to Kind are populated.
type Request struct {
	Kind RequestKind
	Path string
	Data []byte
}

// NormalizePath rewrites path to begin with exactly one leading '/', per
// spec invariant 2 ("the path presented on the wire begins with exactly
// one /").
func NormalizePath(path string) string {
	return "/" + strings.TrimLeft(path, "/")
}

// RequestPolicyHash builds a policy-hash probe request.
func RequestPolicyHash() Request {
	return Request{Kind: RequestKindPolicyHash}
}

// SendProgram builds a program-upload request. path is normalized before
// being stored on the request.
func SendProgram(path string, program []byte) Request {
	return Request{Kind: RequestKindSendProgram, Path: NormalizePath(path), Data: program}
}

// SendData builds a data-upload request.
func SendData(path string, data []byte) Request {
	return Request{Kind: RequestKindSendData, Path: NormalizePath(path), Data: data}
}

// RequestCompute builds a compute request against the program at path.
func RequestCompute(path string) Request {
	return Request{Kind: RequestKindRequestCompute, Path: NormalizePath(path)}
}

// ReadFile builds a result-read request.
func ReadFile(path string) Request {
	return Request{Kind: RequestKindReadFile, Path: NormalizePath(path)}
}

// RequestShutdown builds a shutdown request.
func RequestShutdown() Request {
	return Request{Kind: RequestKindShutdown}
}

// Encode serializes r using the wire codec: a variant tag followed by its
// fields in declaration order.
func (r Request) Encode() []byte {
	w := wire.NewWriter()
	w.Tag(uint64(r.Kind))
	switch r.Kind {
	case RequestKindPolicyHash, RequestKindShutdown:
		// No fields.
	case RequestKindSendProgram, RequestKindSendData:
		w.String(r.Path)
		w.BytesField(r.Data)
	case RequestKindRequestCompute, RequestKindReadFile:
		w.String(r.Path)
	}
	return w.Bytes()
}

// DecodeRequest decodes a Request previously produced by Encode.
func DecodeRequest(buf []byte) (Request, error) {
	r := wire.NewReader(buf)
	tag, err := r.Tag()
	if err != nil {
		return Request{}, err
	}
	kind := RequestKind(tag)
	req := Request{Kind: kind}
	switch kind {
	case RequestKindPolicyHash, RequestKindShutdown:
	case RequestKindSendProgram, RequestKindSendData:
		if req.Path, err = r.String(); err != nil {
			return Request{}, err
		}
		if req.Data, err = r.BytesField(); err != nil {
			return Request{}, err
		}
	case RequestKindRequestCompute, RequestKindReadFile:
		if req.Path, err = r.String(); err != nil {
			return Request{}, err
		}
	default:
		return Request{}, fmt.Errorf("session: unknown request variant %d", tag)
	}
	if err := r.Done(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Status is the outcome of processing one Request.
type Status uint64

// Response status codes.
const (
	StatusSuccess Status = iota
	StatusFail
	StatusPathNotPermitted
)

// Response carries the outcome of one Request plus, for successful
// policy-hash probes and reads, a typed payload.
type Response struct {
	Status     Status
	PolicyHash []byte
	Result     []byte
}

// Encode serializes the response.
func (resp Response) Encode() []byte {
	w := wire.NewWriter()
	w.Tag(uint64(resp.Status))
	w.BytesField(resp.PolicyHash)
	w.BytesField(resp.Result)
	return w.Bytes()
}

// DecodeResponse decodes a Response previously produced by Encode.
func DecodeResponse(buf []byte) (Response, error) {
	r := wire.NewReader(buf)
	tag, err := r.Tag()
	if err != nil {
		return Response{}, err
	}
	resp := Response{Status: Status(tag)}
	if resp.PolicyHash, err = r.BytesField(); err != nil {
		return Response{}, err
	}
	if resp.Result, err = r.BytesField(); err != nil {
		return Response{}, err
	}
	if err := r.Done(); err != nil {
		return Response{}, err
	}
	return resp, nil
}
