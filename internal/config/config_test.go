package config

import "testing"

func TestParseFlagsDefaults(t *testing.T) {
	f, err := ParseFlags(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.RecordOutput != "recorded-%.json.gz" {
		t.Fatalf("unexpected default record-output: %q", f.RecordOutput)
	}
	if f.ReplayDelay != 100 {
		t.Fatalf("unexpected default replay-delay: %d", f.ReplayDelay)
	}
	if f.Watch != "watch_rooms" {
		t.Fatalf("unexpected default watch: %q", f.Watch)
	}
	if f.NoFile || f.NoInflux {
		t.Fatalf("expected sinks enabled by default")
	}
}

func TestReplayImpliesNoFile(t *testing.T) {
	f, err := ParseFlags([]string{"--replay", "archive.json.gz"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !f.NoFile {
		t.Fatal("expected --replay to imply --no-file")
	}
}

func TestRoomIDsFlag(t *testing.T) {
	f, err := ParseFlags([]string{"--room-ids", "1,2,3"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(f.RoomIDs) != 3 || f.RoomIDs[1] != 2 {
		t.Fatalf("unexpected room ids: %v", f.RoomIDs)
	}
}
