package protocol

import (
	"encoding/json"
	"testing"

	"github.com/halogate/halogate/internal/gwerrors"
)

func TestFrameRoundTrip(t *testing.T) {
	params := json.RawMessage(`{"key":"agent:a1:peer:x:acc:u1"}`)
	frame := NewReq("42", MethodSessionsPreview, params)

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	var back Frame
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Type != FrameReq || back.ID != "42" || back.Method != MethodSessionsPreview {
		t.Fatalf("round trip = %+v", back)
	}
	if string(back.Params) != string(params) {
		t.Fatalf("params = %s", back.Params)
	}
}

func TestHelloFrameShape(t *testing.T) {
	raw := `{
		"type": "hello",
		"hello": {
			"min_protocol": 1,
			"max_protocol": 1,
			"client": {"id": "cli-1", "version": "0.1", "platform": "linux", "mode": "cli"},
			"caps": ["events"],
			"auth": {"token": "secret"}
		}
	}`
	var frame Frame
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != FrameHello || frame.Hello == nil {
		t.Fatalf("frame = %+v", frame)
	}
	if frame.Hello.Client.ID != "cli-1" || frame.Hello.Auth.Token != "secret" {
		t.Fatalf("hello = %+v", frame.Hello)
	}
}

func TestRequiredScopeMapping(t *testing.T) {
	tests := []struct {
		method string
		want   Scope
	}{
		{MethodHealth, ScopeRead},
		{MethodSessionsList, ScopeRead},
		{MethodChatSend, ScopeWrite},
		{MethodChatAbort, ScopeWrite},
		{MethodExecApprovalApprove, ScopeApproval},
		{MethodDevicePairRequest, ScopePairing},
		{MethodConfigSet, ScopeAdmin},
		{"made.up.method", ScopeAdmin}, // unknown methods default to the most restrictive
	}
	for _, tt := range tests {
		if got := RequiredScope(tt.method); got != tt.want {
			t.Errorf("RequiredScope(%q) = %q, want %q", tt.method, got, tt.want)
		}
	}
}

func TestFromErrTranslatesKinds(t *testing.T) {
	err := gwerrors.New(gwerrors.KindRateLimited, "slow down").WithRetry(1500)
	we := FromErr(err)
	if we.Code != ErrRateLimited || !we.Retryable || we.RetryAfterMS != 1500 {
		t.Fatalf("wire error = %+v", we)
	}

	ve := FromErr(gwerrors.New(gwerrors.KindValidation, "bad field").WithField("peer"))
	if ve.Code != ErrValidation || ve.Field != "peer" {
		t.Fatalf("wire error = %+v", ve)
	}
}

func TestFromErrHidesUnclassifiedErrors(t *testing.T) {
	we := FromErr(json.Unmarshal([]byte("{"), &struct{}{}))
	if we.Code != ErrInternal {
		t.Fatalf("code = %q", we.Code)
	}
	if we.Message != "internal error" {
		t.Fatalf("unclassified error leaked its message: %q", we.Message)
	}
}

func TestFromErrNil(t *testing.T) {
	if FromErr(nil) != nil {
		t.Fatal("nil error should translate to nil")
	}
}
