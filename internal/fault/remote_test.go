package fault

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRemoteRoundTripPreservesKind(t *testing.T) {
	orig := Wrap(KindTimeoutExceeded, errors.New("deadline exceeded"), "step research")
	orig.RetryCount = 2

	data, err := json.Marshal(ToRemote(orig))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var r Remote
	if err := json.Unmarshal(data, &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	rebuilt := FromRemote(&r)
	if !Is(rebuilt, KindTimeoutExceeded) {
		t.Fatalf("expected timeout_exceeded, got %s", KindOf(rebuilt))
	}
	if !IsRetryable(rebuilt) {
		t.Fatal("rebuilt error lost retryability")
	}
	var fe *Error
	if !errors.As(rebuilt, &fe) || fe.RetryCount != 2 {
		t.Fatal("retry count not preserved")
	}
}

func TestRemoteForeignError(t *testing.T) {
	r := ToRemote(errors.New("plain"))
	if r.Kind != "" {
		t.Fatalf("expected empty kind for foreign error, got %s", r.Kind)
	}

	// Receiving side classifies unknowns as run-level failures
	rebuilt := FromRemote(r)
	if !Is(rebuilt, KindPipelineExecution) {
		t.Fatalf("expected pipeline_execution, got %s", KindOf(rebuilt))
	}
}

func TestRemoteNil(t *testing.T) {
	if ToRemote(nil) != nil {
		t.Fatal("expected nil remote for nil error")
	}
	if FromRemote(nil) != nil {
		t.Fatal("expected nil error for nil remote")
	}
}
