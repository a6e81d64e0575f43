package gpio

import (
	"errors"
	"testing"
)

func TestFakeReaderRead(t *testing.T) {
	f := NewFakeReader(true, false, true)

	for i, want := range []bool{true, false, true, true} {
		got, err := f.Read()
		if err != nil {
			t.Fatalf("read %d: unexpected error: %v", i, err)
		}
		if got != want {
			t.Errorf("read %d: expected %v, got %v", i, want, got)
		}
	}
}

func TestFakeReaderNoLevels(t *testing.T) {
	f := NewFakeReader()

	_, err := f.Read()
	if err == nil {
		t.Error("expected error with no levels")
	}
}

func TestFakeReaderError(t *testing.T) {
	f := NewFakeReader(true)
	f.ReadError = errors.New("simulated error")

	_, err := f.Read()
	if err == nil {
		t.Fatal("expected error to be returned")
	}
	if err.Error() != "simulated error" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFakeReaderCloseAndReset(t *testing.T) {
	f := NewFakeReader(true, false)
	f.Read()

	if err := f.Close(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !f.Closed {
		t.Error("should be closed after Close()")
	}

	f.Reset()
	if f.Closed {
		t.Error("should not be closed after Reset()")
	}
	if got, _ := f.Read(); got != true {
		t.Error("after reset: expected first level again")
	}
}

func TestButtonReportsEachPressOnce(t *testing.T) {
	// released, held for three polls, released, held again
	b := NewButton(NewFakeReader(false, true, true, true, false, true))

	want := []bool{false, true, false, false, false, true}
	for i, w := range want {
		got, err := b.Poll()
		if err != nil {
			t.Fatalf("poll %d: unexpected error: %v", i, err)
		}
		if got != w {
			t.Errorf("poll %d: expected pressed=%v, got %v", i, w, got)
		}
	}
}

func TestButtonHeldAtStartupCounts(t *testing.T) {
	b := NewButton(NewFakeReader(true))
	if pressed, _ := b.Poll(); !pressed {
		t.Error("button held on first poll should report a press")
	}
	if pressed, _ := b.Poll(); pressed {
		t.Error("still held should not report again")
	}
}

func TestButtonReadError(t *testing.T) {
	r := NewFakeReader(true)
	r.ReadError = errors.New("line gone")
	b := NewButton(r)

	if _, err := b.Poll(); err == nil {
		t.Error("expected error")
	}

	r.ReadError = nil
	if pressed, _ := b.Poll(); !pressed {
		t.Error("error should not leave the button latched")
	}

	if err := b.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if !r.Closed {
		t.Error("expected reader closed")
	}
}
