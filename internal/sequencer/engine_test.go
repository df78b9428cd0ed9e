package sequencer

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
)

const (
	charName    = "00002a00-0000-1000-8000-00805f9b34fb"
	charSensor  = "f000aa01-0451-4000-b000-000000000000"
	charControl = "f000aa02-0451-4000-b000-000000000000"
)

func newTestEngine(t *testing.T, instrs []ble.Instruction) (*Engine, *mockTransport, *manualLoop, *recorder) {
	t.Helper()
	tr := newMockTransport()
	tr.setConnected(true)
	loop := startManualLoop(t)
	rec := &recorder{}

	e, err := New(tr, instrs, rec.onRead, rec.onWrite, Options{Loop: loop})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e, tr, loop, rec
}

func TestNew_Validation(t *testing.T) {
	loop := NewEventLoop()
	noop := func(Completion) {}

	t.Run("nil transport", func(t *testing.T) {
		_, err := New(nil, nil, noop, noop, Options{Loop: loop})
		if !errors.Is(err, ErrNilTransport) {
			t.Errorf("New() error = %v, want ErrNilTransport", err)
		}
	})

	tests := []struct {
		name    string
		instrs  []ble.Instruction
		onRead  CompletionFunc
		loop    Loop
		wantErr error
	}{
		{"nil loop", nil, noop, nil, ErrNilLoop},
		{"nil callback", nil, nil, loop, ErrNilCallback},
		{"invalid instruction", []ble.Instruction{ble.ReadPeriodic{CharacteristicUUID: "c"}}, noop, loop, ble.ErrInvalidInstruction},
		{"nil instruction", []ble.Instruction{nil}, noop, loop, ble.ErrInvalidInstruction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newMockTransport()
			e, err := New(tr, tt.instrs, tt.onRead, noop, Options{Loop: tt.loop})
			if e != nil {
				t.Error("New() returned engine on error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
			if tr.closeCalls != 1 {
				t.Errorf("transport closed %d times, want 1", tr.closeCalls)
			}
		})
	}
}

func TestNew_ReleasesListOnFailure(t *testing.T) {
	payload := []byte{0xAA, 0xBB}
	instrs := []ble.Instruction{
		ble.WriteAtInit{CharacteristicUUID: charControl, Data: payload},
		ble.ReadPeriodic{CharacteristicUUID: charSensor}, // zero interval
	}

	_, err := New(newMockTransport(), instrs, func(Completion) {}, func(Completion) {}, Options{Loop: NewEventLoop()})
	if err == nil {
		t.Fatal("New() expected error")
	}
	if instrs[0] != nil || instrs[1] != nil {
		t.Error("instruction list not released")
	}
	if !bytes.Equal(payload, []byte{0, 0}) {
		t.Errorf("payload not cleared: %v", payload)
	}
}

func TestEngine_RunOrder(t *testing.T) {
	e, tr, loop, rec := newTestEngine(t, []ble.Instruction{
		ble.WriteAtInit{CharacteristicUUID: charControl, Data: []byte{0x01}},
		ble.ReadOnce{CharacteristicUUID: charName},
		ble.ReadPeriodic{CharacteristicUUID: charSensor, Interval: time.Second},
		ble.WriteAtExit{CharacteristicUUID: charControl, Data: []byte{0x00}},
		ble.WriteAtInit{CharacteristicUUID: charControl, Data: []byte{0x02}},
	})
	tr.readData[charName] = []byte("SensorTag")

	if err := e.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	loop.Flush()

	ops := tr.getOps()
	want := []mockOp{
		{Op: "write", Characteristic: charControl, Data: []byte{0x01}},
		{Op: "read", Characteristic: charName},
		{Op: "write", Characteristic: charControl, Data: []byte{0x02}},
	}
	if len(ops) != len(want) {
		t.Fatalf("ops = %+v, want %+v", ops, want)
	}
	for i := range want {
		if ops[i].Op != want[i].Op || ops[i].Characteristic != want[i].Characteristic || !bytes.Equal(ops[i].Data, want[i].Data) {
			t.Errorf("ops[%d] = %+v, want %+v", i, ops[i], want[i])
		}
	}

	reads := rec.getReads()
	if len(reads) != 1 {
		t.Fatalf("read completions = %d, want 1", len(reads))
	}
	if reads[0].Status != StatusOK || string(reads[0].Data) != "SensorTag" || reads[0].Engine != e {
		t.Errorf("read completion = %+v", reads[0])
	}
	if reads[0].Kind != ble.KindReadOnce {
		t.Errorf("Kind = %s, want %s", reads[0].Kind, ble.KindReadOnce)
	}
	if got := len(rec.getWrites()); got != 2 {
		t.Errorf("write completions = %d, want 2", got)
	}
	if loop.activeTimers() != 1 {
		t.Errorf("active timers = %d, want 1", loop.activeTimers())
	}

	// A second Run does not reschedule.
	if err := e.Run(); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	loop.Flush()
	if got := len(tr.getOps()); got != 3 {
		t.Errorf("ops after second Run = %d, want 3", got)
	}
}

func TestEngine_PeriodicReads(t *testing.T) {
	e, tr, loop, rec := newTestEngine(t, []ble.Instruction{
		ble.ReadPeriodic{CharacteristicUUID: charSensor, Interval: 1000 * time.Millisecond},
	})
	tr.readData[charSensor] = []byte{0x12, 0x34}

	if err := e.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	loop.Flush()

	if got := len(rec.getReads()); got != 0 {
		t.Fatalf("reads before first interval = %d, want 0", got)
	}

	loop.Advance(999 * time.Millisecond)
	if got := len(rec.getReads()); got != 0 {
		t.Fatalf("reads before interval elapsed = %d, want 0", got)
	}

	loop.Advance(time.Millisecond)
	loop.Advance(time.Second)
	loop.Advance(time.Second)

	reads := rec.getReads()
	if len(reads) != 3 {
		t.Fatalf("reads = %d, want 3", len(reads))
	}
	for i, c := range reads {
		if c.Status != StatusOK || !bytes.Equal(c.Data, []byte{0x12, 0x34}) {
			t.Errorf("reads[%d] = %+v", i, c)
		}
		if c.Kind != ble.KindReadPeriodic {
			t.Errorf("reads[%d].Kind = %s", i, c.Kind)
		}
	}
	if got := e.Stats().PeriodicTicks; got != 3 {
		t.Errorf("PeriodicTicks = %d, want 3", got)
	}
}

func TestEngine_PeriodicRearmsAfterFailure(t *testing.T) {
	e, tr, loop, rec := newTestEngine(t, []ble.Instruction{
		ble.ReadPeriodic{CharacteristicUUID: charSensor, Interval: 500 * time.Millisecond},
	})
	readErr := errors.New("att error")
	tr.readErr[charSensor] = readErr

	if err := e.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	loop.Flush()

	loop.Advance(500 * time.Millisecond)
	loop.Advance(500 * time.Millisecond)

	reads := rec.getReads()
	if len(reads) != 2 {
		t.Fatalf("reads = %d, want 2", len(reads))
	}
	for _, c := range reads {
		if c.Status != StatusError || !errors.Is(c.Err, readErr) || c.Data != nil {
			t.Errorf("completion = %+v, want failure", c)
		}
	}
	if got := e.Stats().ReadsFailed; got != 2 {
		t.Errorf("ReadsFailed = %d, want 2", got)
	}
}

func TestEngine_AddInstruction(t *testing.T) {
	e, tr, loop, rec := newTestEngine(t, []ble.Instruction{
		ble.ReadOnce{CharacteristicUUID: charName},
	})

	if err := e.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	data := []byte{0x07}
	if err := e.AddInstruction(ble.WriteOnce{CharacteristicUUID: charControl, Data: data}); err != nil {
		t.Fatalf("AddInstruction() error = %v", err)
	}
	data[0] = 0xFF // the engine holds its own copy
	loop.Flush()

	writes := tr.opsOf("write")
	if len(writes) != 1 || !bytes.Equal(writes[0].Data, []byte{0x07}) {
		t.Fatalf("writes = %+v", writes)
	}
	completions := rec.getWrites()
	if len(completions) != 1 || completions[0].Status != StatusOK || completions[0].Kind != ble.KindWriteOnce {
		t.Errorf("write completions = %+v", completions)
	}

	if err := e.AddInstruction(ble.ReadOnce{CharacteristicUUID: charName}); !errors.Is(err, ErrNotWriteInstruction) {
		t.Errorf("AddInstruction(read) error = %v, want ErrNotWriteInstruction", err)
	}
	if err := e.AddInstruction(nil); !errors.Is(err, ErrNotWriteInstruction) {
		t.Errorf("AddInstruction(nil) error = %v, want ErrNotWriteInstruction", err)
	}
	if err := e.AddInstruction(ble.WriteOnce{CharacteristicUUID: charControl}); !errors.Is(err, ble.ErrInvalidInstruction) {
		t.Errorf("AddInstruction(no data) error = %v, want ErrInvalidInstruction", err)
	}
}

func TestEngine_WriteFailureReported(t *testing.T) {
	e, tr, loop, rec := newTestEngine(t, []ble.Instruction{
		ble.WriteAtInit{CharacteristicUUID: charControl, Data: []byte{0x01}},
	})
	writeErr := errors.New("write not permitted")
	tr.writeErr[charControl] = writeErr

	if err := e.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	loop.Flush()

	writes := rec.getWrites()
	if len(writes) != 1 || writes[0].Status != StatusError || !errors.Is(writes[0].Err, writeErr) {
		t.Errorf("write completions = %+v", writes)
	}
	if got := e.Stats().WritesFailed; got != 1 {
		t.Errorf("WritesFailed = %d, want 1", got)
	}
}

func TestEngine_Destroy(t *testing.T) {
	e, tr, loop, _ := newTestEngine(t, []ble.Instruction{
		ble.WriteAtExit{CharacteristicUUID: charControl, Data: []byte{0x00}},
		ble.ReadPeriodic{CharacteristicUUID: charSensor, Interval: time.Second},
		ble.WriteAtExit{CharacteristicUUID: charSensor, Data: []byte{0x01}},
	})

	if err := e.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	loop.Flush()

	if err := e.Destroy(t.Context()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	ops := tr.getOps()
	want := []string{"write", "write", "disconnect", "close"}
	if len(ops) != len(want) {
		t.Fatalf("ops = %+v, want %v", ops, want)
	}
	for i, op := range want {
		if ops[i].Op != op {
			t.Errorf("ops[%d] = %s, want %s", i, ops[i].Op, op)
		}
	}
	if ops[0].Characteristic != charControl || ops[1].Characteristic != charSensor {
		t.Errorf("exit writes out of order: %+v", ops[:2])
	}
	if loop.activeTimers() != 0 {
		t.Errorf("active timers after Destroy = %d, want 0", loop.activeTimers())
	}
	if got := e.Stats().ExitWrites; got != 2 {
		t.Errorf("ExitWrites = %d, want 2", got)
	}

	// Nothing runs after Destroy.
	loop.Advance(5 * time.Second)
	if got := len(tr.opsOf("read")); got != 0 {
		t.Errorf("reads after Destroy = %d, want 0", got)
	}

	if err := e.AddInstruction(ble.WriteOnce{CharacteristicUUID: charControl, Data: []byte{1}}); !errors.Is(err, ErrEngineDestroyed) {
		t.Errorf("AddInstruction() after Destroy error = %v, want ErrEngineDestroyed", err)
	}
	if err := e.Run(); !errors.Is(err, ErrEngineDestroyed) {
		t.Errorf("Run() after Destroy error = %v, want ErrEngineDestroyed", err)
	}

	// Idempotent.
	if err := e.Destroy(t.Context()); err != nil {
		t.Errorf("second Destroy() error = %v", err)
	}
	if tr.closeCalls != 1 {
		t.Errorf("transport closed %d times, want 1", tr.closeCalls)
	}
}

func TestEngine_DestroyExitWriteFailureIsBestEffort(t *testing.T) {
	e, tr, _, _ := newTestEngine(t, []ble.Instruction{
		ble.WriteAtExit{CharacteristicUUID: charControl, Data: []byte{0x00}},
		ble.WriteAtExit{CharacteristicUUID: charSensor, Data: []byte{0x01}},
	})
	tr.writeErr[charControl] = errors.New("gone")

	if err := e.Destroy(t.Context()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if got := len(tr.opsOf("write")); got != 2 {
		t.Errorf("exit writes attempted = %d, want 2", got)
	}
	if got := e.Stats().ExitWrites; got != 1 {
		t.Errorf("ExitWrites = %d, want 1", got)
	}
}

func TestEngine_DestroyWithoutConnection(t *testing.T) {
	e, tr, _, _ := newTestEngine(t, []ble.Instruction{
		ble.WriteAtExit{CharacteristicUUID: charControl, Data: []byte{0x00}},
		ble.WriteAtExit{CharacteristicUUID: charSensor, Data: []byte{0x01}},
	})
	tr.setConnected(false)
	tr.writeErr[charControl] = ble.ErrNotConnected
	tr.writeErr[charSensor] = ble.ErrNotConnected

	if err := e.Destroy(t.Context()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	writes := tr.opsOf("write")
	if len(writes) != 2 {
		t.Fatalf("exit writes attempted after disconnect = %d, want 2", len(writes))
	}
	if writes[0].Characteristic != charControl || writes[1].Characteristic != charSensor {
		t.Errorf("exit write order = %s, %s", writes[0].Characteristic, writes[1].Characteristic)
	}
	stats := e.Stats()
	if stats.WritesFailed != 2 || stats.ExitWrites != 0 {
		t.Errorf("Stats() = %+v, want 2 failed writes and no exit writes", stats)
	}
	if len(tr.opsOf("disconnect")) != 1 {
		t.Error("transport not disconnected after failed exit writes")
	}
	if tr.closeCalls != 1 {
		t.Errorf("transport closed %d times, want 1", tr.closeCalls)
	}
}

func TestEngine_DestroyWithStoppedLoop(t *testing.T) {
	tr := newMockTransport()
	tr.setConnected(true)
	loop := NewEventLoop()
	go loop.Run()
	<-loop.Running()

	e, err := New(tr, []ble.Instruction{
		ble.WriteAtExit{CharacteristicUUID: charControl, Data: []byte{0x00}},
	}, func(Completion) {}, func(Completion) {}, Options{Loop: loop})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	loop.Quit()
	<-loop.Done()

	if err := e.Destroy(t.Context()); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if got := len(tr.opsOf("write")); got != 1 {
		t.Errorf("exit writes = %d, want 1", got)
	}
}

func TestStatus_String(t *testing.T) {
	if StatusOK.String() != "ok" || StatusError.String() != "error" {
		t.Errorf("unexpected status names: %s, %s", StatusOK, StatusError)
	}
}
