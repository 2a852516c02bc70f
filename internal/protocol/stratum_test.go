package protocol

import (
	"encoding/json"
	"testing"
)

func TestParseSubscribeParamsEmpty(t *testing.T) {
	p, err := ParseSubscribeParams(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.UserAgent != "" {
		t.Errorf("expected empty user agent, got %q", p.UserAgent)
	}
}

func TestParseSubscribeParamsWithUserAgent(t *testing.T) {
	data := json.RawMessage(`["miner/1.0"]`)
	p, err := ParseSubscribeParams(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.UserAgent != "miner/1.0" {
		t.Errorf("expected miner/1.0, got %q", p.UserAgent)
	}
}

func TestParseAuthorizeParams(t *testing.T) {
	data := json.RawMessage(`["worker1.rig1", "x"]`)
	p, err := ParseAuthorizeParams(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.WorkerName != "worker1.rig1" || p.Password != "x" {
		t.Errorf("unexpected parse result: %+v", p)
	}
}

func TestParseAuthorizeParamsMissingWorkerName(t *testing.T) {
	data := json.RawMessage(`[]`)
	if _, err := ParseAuthorizeParams(data); err == nil {
		t.Fatal("expected error for missing worker name")
	}
}

func TestParseAuthorizeParamsMalformed(t *testing.T) {
	data := json.RawMessage(`not json`)
	if _, err := ParseAuthorizeParams(data); err == nil {
		t.Fatal("expected error for malformed params")
	}
}

func TestParseSubmitParams(t *testing.T) {
	data := json.RawMessage(`["worker1", "job1", "abc123", "deadbeef", "cafebabe"]`)
	p, err := ParseSubmitParams(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.WorkerName != "worker1" || p.JobID != "job1" || p.NonceHex != "abc123" ||
		p.HeaderHashHex != "deadbeef" || p.MixHashHex != "cafebabe" {
		t.Errorf("unexpected parse result: %+v", p)
	}
}

func TestParseSubmitParamsTooFewFields(t *testing.T) {
	data := json.RawMessage(`["worker1", "job1"]`)
	if _, err := ParseSubmitParams(data); err == nil {
		t.Fatal("expected error for too few mining.submit params")
	}
}

func TestSubscribeResultFullShape(t *testing.T) {
	result := SubscribeResultFull("sub-1", "aabbccdd")

	encoded, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("unexpected marshal error: %v", err)
	}

	var decoded []interface{}
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if len(decoded) != 3 {
		t.Fatalf("expected 3 top-level elements, got %d", len(decoded))
	}
	if decoded[1] != "aabbccdd" {
		t.Errorf("expected extranonce1 in position 1, got %v", decoded[1])
	}
	if decoded[2].(float64) != 0 {
		t.Errorf("expected extranonce2Size 0 for KawPoW, got %v", decoded[2])
	}
}

func TestNotifyParamsArrayOrder(t *testing.T) {
	n := NotifyParams{
		JobID:         "j1",
		HeaderHashHex: "hh",
		SeedHashHex:   "sh",
		TargetHex:     "th",
		CleanJobs:     true,
	}
	arr := n.Array()
	want := []interface{}{"j1", "hh", "sh", "th", true}
	if len(arr) != len(want) {
		t.Fatalf("expected %d elements, got %d", len(want), len(arr))
	}
	for i := range want {
		if arr[i] != want[i] {
			t.Errorf("position %d: got %v, want %v", i, arr[i], want[i])
		}
	}
}

func TestSetDifficultyParamsArray(t *testing.T) {
	arr := SetDifficultyParams{Difficulty: 42.5}.Array()
	if len(arr) != 1 || arr[0] != 42.5 {
		t.Errorf("unexpected array: %v", arr)
	}
}
