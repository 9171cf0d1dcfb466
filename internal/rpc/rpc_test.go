package rpc

import (
	"encoding/json"
	"testing"
)

func TestDecodeEmptyInput(t *testing.T) {
	req, errResp := Decode(nil)
	if req != nil {
		t.Fatalf("Decode(nil) request = %+v, want nil", req)
	}
	if errResp == nil || errResp.Error == nil || errResp.Error.Code != -32700 {
		t.Fatalf("Decode(nil) error = %+v, want code -32700", errResp)
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, errResp := Decode([]byte(`{not json`))
	if errResp == nil || errResp.Error.Code != -32700 {
		t.Fatalf("Decode(malformed) = %+v, want code -32700", errResp)
	}
}

func TestDecodeMissingJSONRPC(t *testing.T) {
	_, errResp := Decode([]byte(`{"method":"ping","id":1}`))
	if errResp == nil || errResp.Error.Code != -32600 {
		t.Fatalf("Decode(missing jsonrpc) = %+v, want code -32600", errResp)
	}
}

func TestDecodeWrongJSONRPCVersion(t *testing.T) {
	_, errResp := Decode([]byte(`{"jsonrpc":"1.0","method":"ping","id":1}`))
	if errResp == nil || errResp.Error.Code != -32600 {
		t.Fatalf("Decode(wrong version) = %+v, want code -32600", errResp)
	}
}

func TestDecodeUnknownFieldsIgnored(t *testing.T) {
	req, errResp := Decode([]byte(`{"jsonrpc":"2.0","method":"ping","id":1,"extra":"ignored"}`))
	if errResp != nil {
		t.Fatalf("Decode with unknown field = %+v, want success", errResp)
	}
	if req.Method != "ping" {
		t.Errorf("Method = %q, want ping", req.Method)
	}
}

func TestDecodeValidWithListParams(t *testing.T) {
	req, errResp := Decode([]byte(`{"jsonrpc":"2.0","method":"transcribe","params":[true],"id":2}`))
	if errResp != nil {
		t.Fatalf("Decode() error = %+v", errResp)
	}
	var params []bool
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("params not a list: %v", err)
	}
}

func TestDecodeValidWithMapParams(t *testing.T) {
	req, errResp := Decode([]byte(`{"jsonrpc":"2.0","method":"transcribe","params":{"use_llm":true},"id":"abc"}`))
	if errResp != nil {
		t.Fatalf("Decode() error = %+v", errResp)
	}
	var params map[string]bool
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatalf("params not a mapping: %v", err)
	}
	if !req.ID.Equal(NewStringID("abc")) {
		t.Errorf("ID = %+v, want abc", req.ID)
	}
}

func TestDecodeInvalidParamsShape(t *testing.T) {
	_, errResp := Decode([]byte(`{"jsonrpc":"2.0","method":"ping","params":"bad","id":1}`))
	if errResp == nil || errResp.Error.Code != -32600 {
		t.Fatalf("Decode(scalar params) = %+v, want code -32600", errResp)
	}
}

func TestNotificationHasNoID(t *testing.T) {
	req, errResp := Decode([]byte(`{"jsonrpc":"2.0","method":"ping"}`))
	if errResp != nil {
		t.Fatalf("Decode() error = %+v", errResp)
	}
	if !req.IsNotification() {
		t.Error("IsNotification() = false, want true for request with no id")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp := NewResult(NewIntID(42), "pong")
	data, err := Encode(resp)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	var decoded Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if decoded.JSONRPC != ProtocolVersion {
		t.Errorf("jsonrpc = %q, want %q", decoded.JSONRPC, ProtocolVersion)
	}
	if !decoded.ID.Equal(resp.ID) {
		t.Errorf("id = %+v, want %+v", decoded.ID, resp.ID)
	}
}

func TestErrorAndResultMutuallyExclusive(t *testing.T) {
	resp := NewError(NewIntID(1), -32601, "Method not found", nil)
	if resp.Result != nil {
		t.Error("error response carries a result, want nil")
	}
	if resp.Error == nil {
		t.Error("error response has no error object")
	}
}

func TestIDJSONRoundTrip(t *testing.T) {
	for _, id := range []*ID{NewIntID(7), NewStringID("seven")} {
		data, err := json.Marshal(id)
		if err != nil {
			t.Fatalf("Marshal(%+v) error = %v", id, err)
		}
		var decoded ID
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", data, err)
		}
		if !id.Equal(&decoded) {
			t.Errorf("round-trip %+v != %+v", id, decoded)
		}
	}
}
