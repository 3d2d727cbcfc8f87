package metrics

import "testing"

func TestNewRegistersWithoutPanic(t *testing.T) {
	r := New()
	if r.RoomsConnected == nil {
		t.Fatal("expected RoomsConnected gauge to be constructed")
	}
	r.SampleSelf()
}
