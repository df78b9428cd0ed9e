package ble

import (
	"fmt"
	"time"
)

// Kind names an instruction variant. The string values match the "type"
// field of the configuration document.
type Kind string

// Instruction kinds.
const (
	KindReadOnce     Kind = "read_once"
	KindReadPeriodic Kind = "read_periodic"
	KindWriteOnce    Kind = "write_once"
	KindWriteAtInit  Kind = "write_at_init"
	KindWriteAtExit  Kind = "write_at_exit"
)

// IsWrite reports whether the kind carries a payload to write.
func (k Kind) IsWrite() bool {
	return k == KindWriteOnce || k == KindWriteAtInit || k == KindWriteAtExit
}

// Instruction is one scheduled GATT operation. The set of implementations is
// closed: ReadOnce, ReadPeriodic, WriteOnce, WriteAtInit and WriteAtExit.
type Instruction interface {
	// Kind returns the variant tag.
	Kind() Kind

	// Characteristic returns the target characteristic UUID.
	Characteristic() string

	// Validate checks the variant's invariants.
	Validate() error

	instruction()
}

// Writer is implemented by the write variants.
type Writer interface {
	Instruction

	// Payload returns the bytes to write.
	Payload() []byte
}

// ReadOnce reads a characteristic once after the connection is established.
type ReadOnce struct {
	CharacteristicUUID string
}

// ReadPeriodic reads a characteristic every Interval for the engine's lifetime.
type ReadPeriodic struct {
	CharacteristicUUID string
	Interval           time.Duration
}

// WriteOnce writes Data once. Used for on-demand writes injected at runtime.
type WriteOnce struct {
	CharacteristicUUID string
	Data               []byte
}

// WriteAtInit writes Data once, in list order, when the engine starts running.
type WriteAtInit struct {
	CharacteristicUUID string
	Data               []byte
}

// WriteAtExit writes Data once, in list order, while the engine is destroyed.
type WriteAtExit struct {
	CharacteristicUUID string
	Data               []byte
}

func (ReadOnce) instruction()     {}
func (ReadPeriodic) instruction() {}
func (WriteOnce) instruction()    {}
func (WriteAtInit) instruction()  {}
func (WriteAtExit) instruction()  {}

func (ReadOnce) Kind() Kind     { return KindReadOnce }
func (ReadPeriodic) Kind() Kind { return KindReadPeriodic }
func (WriteOnce) Kind() Kind    { return KindWriteOnce }
func (WriteAtInit) Kind() Kind  { return KindWriteAtInit }
func (WriteAtExit) Kind() Kind  { return KindWriteAtExit }

func (i ReadOnce) Characteristic() string     { return i.CharacteristicUUID }
func (i ReadPeriodic) Characteristic() string { return i.CharacteristicUUID }
func (i WriteOnce) Characteristic() string    { return i.CharacteristicUUID }
func (i WriteAtInit) Characteristic() string  { return i.CharacteristicUUID }
func (i WriteAtExit) Characteristic() string  { return i.CharacteristicUUID }

func (i WriteOnce) Payload() []byte   { return i.Data }
func (i WriteAtInit) Payload() []byte { return i.Data }
func (i WriteAtExit) Payload() []byte { return i.Data }

func (i ReadOnce) Validate() error {
	return validateCharacteristic(i.Kind(), i.CharacteristicUUID)
}

func (i ReadPeriodic) Validate() error {
	if err := validateCharacteristic(i.Kind(), i.CharacteristicUUID); err != nil {
		return err
	}
	if i.Interval <= 0 {
		return fmt.Errorf("%w: %s interval must be positive, got %v", ErrInvalidInstruction, i.Kind(), i.Interval)
	}
	return nil
}

func (i WriteOnce) Validate() error   { return validateWrite(i) }
func (i WriteAtInit) Validate() error { return validateWrite(i) }
func (i WriteAtExit) Validate() error { return validateWrite(i) }

func validateCharacteristic(kind Kind, uuid string) error {
	if uuid == "" {
		return fmt.Errorf("%w: %s requires a characteristic", ErrInvalidInstruction, kind)
	}
	return nil
}

func validateWrite(w Writer) error {
	if err := validateCharacteristic(w.Kind(), w.Characteristic()); err != nil {
		return err
	}
	if len(w.Payload()) == 0 {
		return fmt.Errorf("%w: %s requires non-empty data", ErrInvalidInstruction, w.Kind())
	}
	return nil
}

// Clone returns a deep copy of instr. The payload of write variants is copied
// so the clone never aliases the original's memory.
func Clone(instr Instruction) Instruction {
	switch v := instr.(type) {
	case ReadOnce:
		return v
	case ReadPeriodic:
		return v
	case WriteOnce:
		v.Data = cloneBytes(v.Data)
		return v
	case WriteAtInit:
		v.Data = cloneBytes(v.Data)
		return v
	case WriteAtExit:
		v.Data = cloneBytes(v.Data)
		return v
	default:
		return nil
	}
}

// CloneAll deep-copies an instruction list.
func CloneAll(instrs []Instruction) []Instruction {
	out := make([]Instruction, 0, len(instrs))
	for _, instr := range instrs {
		out = append(out, Clone(instr))
	}
	return out
}

// NewWrite builds the write variant named by kind.
func NewWrite(kind Kind, characteristic string, data []byte) (Instruction, error) {
	var instr Instruction
	switch kind {
	case KindWriteOnce:
		instr = WriteOnce{CharacteristicUUID: characteristic, Data: data}
	case KindWriteAtInit:
		instr = WriteAtInit{CharacteristicUUID: characteristic, Data: data}
	case KindWriteAtExit:
		instr = WriteAtExit{CharacteristicUUID: characteristic, Data: data}
	default:
		return nil, fmt.Errorf("%w: %q is not a write type", ErrInvalidInstruction, kind)
	}
	if err := instr.Validate(); err != nil {
		return nil, err
	}
	return instr, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
