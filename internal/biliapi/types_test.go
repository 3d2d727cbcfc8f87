package biliapi

import (
	"encoding/json"
	"testing"
)

func TestFlexUint64AcceptsNumberOrString(t *testing.T) {
	var fromNumber FlexUint64
	if err := json.Unmarshal([]byte(`1234`), &fromNumber); err != nil {
		t.Fatalf("number form: %v", err)
	}
	if fromNumber.Uint64() != 1234 {
		t.Fatalf("expected 1234, got %d", fromNumber.Uint64())
	}

	var fromString FlexUint64
	if err := json.Unmarshal([]byte(`"5678"`), &fromString); err != nil {
		t.Fatalf("string form: %v", err)
	}
	if fromString.Uint64() != 5678 {
		t.Fatalf("expected 5678, got %d", fromString.Uint64())
	}
}

func TestFlexUint64RejectsNonNumericString(t *testing.T) {
	var u FlexUint64
	if err := json.Unmarshal([]byte(`"not-a-number"`), &u); err == nil {
		t.Fatal("expected error for non-numeric string")
	}
}

func TestDanmuServerURL(t *testing.T) {
	s := DanmuServer{Host: "broadcastlv.chat.bilibili.com", Port: 2245}
	want := "wss://broadcastlv.chat.bilibili.com:2245/sub"
	if got := s.URL(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
