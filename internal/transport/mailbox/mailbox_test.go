package mailbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/addonlink/internal/protocol"
	"github.com/danmuck/addonlink/internal/testutil/testlog"
)

func newTestSegment(t *testing.T, conn uint32) *Segment {
	t.Helper()
	seg, err := NewMemory(make([]byte, MinSize*4), conn)
	if err != nil {
		t.Fatalf("new memory segment: %v", err)
	}
	return seg
}

func TestSlotExchangeRoundTrip(t *testing.T) {
	testlog.Start(t)
	seg := newTestSegment(t, 42)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	served := make(chan error, 1)
	go func() {
		slot := seg.AddonToHost()
		if err := slot.Request.Wait(ctx, DefaultWaitBackoff()); err != nil {
			served <- err
			return
		}
		if slot.Message() != protocol.OpLog {
			served <- errors.New("unexpected message id")
			return
		}
		lvl, err := mustValue(slot, 0).AsUint32()
		if err != nil || protocol.LogLevel(lvl) != protocol.LogWarning {
			served <- errors.New("unexpected level")
			return
		}
		if string(slot.Data()) != "hello" {
			served <- errors.New("unexpected data")
			return
		}
		slot.SetReturn(Uint32(uint32(protocol.Success)))
		slot.Response.Post()
		served <- nil
	}()

	slot := seg.AddonToHost()
	slot.Reset()
	slot.SetMessage(protocol.OpLog)
	if err := slot.SetValue(0, Uint32(uint32(protocol.LogWarning))); err != nil {
		t.Fatalf("set value: %v", err)
	}
	if err := slot.SetData([]byte("hello")); err != nil {
		t.Fatalf("set data: %v", err)
	}
	if err := slot.Exchange(ctx, DefaultWaitBackoff()); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("host side: %v", err)
	}
	code, err := slot.Return().AsUint32()
	if err != nil || protocol.Code(code) != protocol.Success {
		t.Fatalf("return got=%d err=%v", code, err)
	}
}

func mustValue(s *Slot, i int) Value {
	v, _ := s.Value(i)
	return v
}

func TestSlotsAreIndependent(t *testing.T) {
	testlog.Start(t)
	seg := newTestSegment(t, 7)
	seg.AddonToHost().SetMessage(protocol.OpPing)
	seg.HostToAddon().SetMessage(protocol.OpLog)
	seg.AddonToHost().Request.Post()
	if seg.HostToAddon().Request.TryWait() {
		t.Fatalf("host-to-addon turn must not observe addon-to-host post")
	}
	if seg.AddonToHost().Message() != protocol.OpPing || seg.HostToAddon().Message() != protocol.OpLog {
		t.Fatalf("slot messages overlap")
	}
	if !seg.AddonToHost().Request.TryWait() || seg.AddonToHost().Request.TryWait() {
		t.Fatalf("turn must be taken exactly once")
	}
}

func TestTurnWaitHonorsCancellation(t *testing.T) {
	testlog.Start(t)
	seg := newTestSegment(t, 9)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := seg.HostToAddon().Request.Wait(ctx, DefaultWaitBackoff()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestSlotBoundsAndTypes(t *testing.T) {
	testlog.Start(t)
	seg := newTestSegment(t, 9)
	slot := seg.AddonToHost()
	if err := slot.SetData(make([]byte, slot.Capacity()+1)); !errors.Is(err, ErrDataTooLarge) {
		t.Fatalf("expected ErrDataTooLarge, got %v", err)
	}
	if err := slot.SetValue(ValueSlots, Int(1)); !errors.Is(err, ErrValueIndex) {
		t.Fatalf("expected ErrValueIndex, got %v", err)
	}
	if _, err := Bool(true).AsInt(); !errors.Is(err, ErrValueType) {
		t.Fatalf("expected ErrValueType, got %v", err)
	}
	if v, err := Int(-5).AsInt(); err != nil || v != -5 {
		t.Fatalf("int round trip got=%d err=%v", v, err)
	}
	if v, err := Double(1.25).AsDouble(); err != nil || v != 1.25 {
		t.Fatalf("double round trip got=%v err=%v", v, err)
	}
	slot.SetMessage(protocol.OpPing)
	_ = slot.SetData([]byte("x"))
	slot.Reset()
	if slot.Message() != protocol.OpNoop || len(slot.Data()) != 0 {
		t.Fatalf("reset left message state behind")
	}
}

func TestNewMemoryRejectsSmallSegment(t *testing.T) {
	testlog.Start(t)
	if _, err := NewMemory(make([]byte, MinSize-8), 1); !errors.Is(err, ErrSegmentTooSmall) {
		t.Fatalf("expected ErrSegmentTooSmall, got %v", err)
	}
}
