package danmuinfo

import "testing"

func sampleBody() string {
	return `{"cmd":"DANMU_MSG","info":[[0,1,25,0,1700000000000,1,0,"",0,0,0],"hello world",[123456,"Someone",0,0,0,10000,1,""],[],[],0,0,[],0,0,0,0]}`
}

func TestIsDanmuMsg(t *testing.T) {
	if !IsDanmuMsg(sampleBody()) {
		t.Fatal("expected DANMU_MSG body to be recognized")
	}
	if IsDanmuMsg(`{"cmd":"SEND_GIFT","data":{}}`) {
		t.Fatal("expected non-danmu body to be rejected")
	}
	if IsDanmuMsg("not json") {
		t.Fatal("expected invalid JSON to be rejected, not panic")
	}
}

func TestParseExtractsFields(t *testing.T) {
	info, err := Parse(sampleBody())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if info.Text != "hello world" {
		t.Fatalf("unexpected text: %q", info.Text)
	}
	if info.UserID != 123456 {
		t.Fatalf("unexpected user id: %d", info.UserID)
	}
	if info.Username != "Someone" {
		t.Fatalf("unexpected username: %q", info.Username)
	}
	if info.Time.UnixMilli() != 1700000000000 {
		t.Fatalf("unexpected time: %v", info.Time)
	}
}

func TestParseRejectsWrongCmd(t *testing.T) {
	if _, err := Parse(`{"cmd":"SEND_GIFT","info":[]}`); err == nil {
		t.Fatal("expected error for non-danmu cmd")
	}
}

func TestParseRejectsShortTuple(t *testing.T) {
	if _, err := Parse(`{"cmd":"DANMU_MSG","info":[[1],"x"]}`); err == nil {
		t.Fatal("expected error for too-short info tuple")
	}
}
