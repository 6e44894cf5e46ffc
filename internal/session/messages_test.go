package session

import (
	"bytes"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"results/out.bin":  "/results/out.bin",
		"/already/slashed": "/already/slashed",
		"//double":         "/double",
		"":                 "/",
	}
	for in, want := range cases {
		if got := NormalizePath(in); got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRequestRoundTrip(t *testing.T) {
	reqs := []Request{
		RequestPolicyHash(),
		SendProgram("/prog.wasm", []byte{1, 2, 3}),
		SendData("data/in.bin", []byte{4, 5}),
		RequestCompute("/prog.wasm"),
		ReadFile("results/out.bin"),
		RequestShutdown(),
	}
	for _, req := range reqs {
		encoded := req.Encode()
		decoded, err := DecodeRequest(encoded)
		if err != nil {
			t.Fatalf("DecodeRequest(%v) error = %v", req, err)
		}
		if decoded.Kind != req.Kind || decoded.Path != req.Path || !bytes.Equal(decoded.Data, req.Data) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, req)
		}
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resps := []Response{
		{Status: StatusSuccess},
		{Status: StatusSuccess, PolicyHash: []byte("abc123")},
		{Status: StatusSuccess, Result: []byte{9, 9, 9}},
		{Status: StatusFail},
		{Status: StatusPathNotPermitted},
	}
	for _, resp := range resps {
		encoded := resp.Encode()
		decoded, err := DecodeResponse(encoded)
		if err != nil {
			t.Fatalf("DecodeResponse error = %v", err)
		}
		if decoded.Status != resp.Status ||
			!bytes.Equal(decoded.PolicyHash, resp.PolicyHash) ||
			!bytes.Equal(decoded.Result, resp.Result) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, resp)
		}
	}
}

func TestDecodeRequestRejectsUnknownVariant(t *testing.T) {
	// Tag 99 has no corresponding request kind.
	buf := []byte{99}
	if _, err := DecodeRequest(buf); err == nil {
		t.Fatal("DecodeRequest() accepted an unknown variant tag")
	}
}
