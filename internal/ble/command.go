package ble

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// commandFrame is the CBOR layout of an inbound write command.
type commandFrame struct {
	Type               string `cbor:"type"`
	CharacteristicUUID string `cbor:"characteristic_uuid"`
	Data               []byte `cbor:"data"`
}

// commandDecMode rejects duplicate and unknown keys.
var commandDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// EncodeCommand encodes a write instruction as inbound command content.
func EncodeCommand(instr Instruction) ([]byte, error) {
	w, ok := instr.(Writer)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a write instruction", ErrInvalidCommand, kindOf(instr))
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	return cbor.Marshal(commandFrame{
		Type:               string(w.Kind()),
		CharacteristicUUID: w.Characteristic(),
		Data:               w.Payload(),
	})
}

// DecodeCommand decodes inbound command content into a write instruction.
func DecodeCommand(content []byte) (Instruction, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidCommand)
	}

	var frame commandFrame
	if err := commandDecMode.Unmarshal(content, &frame); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}

	instr, err := NewWrite(Kind(frame.Type), frame.CharacteristicUUID, frame.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	return instr, nil
}

func kindOf(instr Instruction) Kind {
	if instr == nil {
		return "<nil>"
	}
	return instr.Kind()
}
