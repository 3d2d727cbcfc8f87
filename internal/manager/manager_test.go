package manager

import (
	"context"
	"sort"
	"testing"
)

func sortedU64(s []uint64) []uint64 {
	out := append([]uint64(nil), s...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestDiffRoomsStartsEverythingFromEmpty(t *testing.T) {
	running := map[uint64]context.CancelFunc{}
	desired := map[uint64]struct{}{1: {}, 2: {}, 3: {}}

	toStop, toStart := diffRooms(running, desired)
	if len(toStop) != 0 {
		t.Fatalf("expected no stops, got %v", toStop)
	}
	got := sortedU64(toStart)
	want := []uint64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestDiffRoomsStopsEverythingToEmpty(t *testing.T) {
	running := map[uint64]context.CancelFunc{1: func() {}, 2: func() {}}
	desired := map[uint64]struct{}{}

	toStop, toStart := diffRooms(running, desired)
	if len(toStart) != 0 {
		t.Fatalf("expected no starts, got %v", toStart)
	}
	got := sortedU64(toStop)
	want := []uint64{1, 2}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestDiffRoomsMixedOverlap(t *testing.T) {
	running := map[uint64]context.CancelFunc{1: func() {}, 2: func() {}, 3: func() {}}
	desired := map[uint64]struct{}{2: {}, 3: {}, 4: {}}

	toStop, toStart := diffRooms(running, desired)
	gotStop := sortedU64(toStop)
	gotStart := sortedU64(toStart)

	if len(gotStop) != 1 || gotStop[0] != 1 {
		t.Fatalf("expected to_stop=[1], got %v", gotStop)
	}
	if len(gotStart) != 1 || gotStart[0] != 4 {
		t.Fatalf("expected to_start=[4], got %v", gotStart)
	}
}

func TestDiffRoomsNoChangeIsIdentical(t *testing.T) {
	running := map[uint64]context.CancelFunc{1: func() {}, 2: func() {}}
	desired := map[uint64]struct{}{1: {}, 2: {}}

	toStop, toStart := diffRooms(running, desired)
	if len(toStop) != 0 || len(toStart) != 0 {
		t.Fatalf("expected no diff, got stop=%v start=%v", toStop, toStart)
	}
}

func TestDiffRoomsCalledStopCancelDoesNotPanic(t *testing.T) {
	called := false
	running := map[uint64]context.CancelFunc{1: func() { called = true }}
	desired := map[uint64]struct{}{}

	toStop, _ := diffRooms(running, desired)
	for _, roomID := range toStop {
		running[roomID]()
	}
	if !called {
		t.Fatalf("expected cancel func to be invoked")
	}
}
