package ble

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is a parsed and validated device configuration document.
//
// A Config is consumed by module creation, which clones the instructions it
// needs. Release drops the parsed payloads once the config is no longer needed.
type Config struct {
	Device       Device
	Instructions []Instruction
}

type instructionEntry struct {
	Type               *string `json:"type"`
	CharacteristicUUID *string `json:"characteristic_uuid"`
	IntervalInMS       *int64  `json:"interval_in_ms"`
	Data               *string `json:"data"`
}

// LoadConfig reads and parses a device configuration document from disk.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading device config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("parsing device config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses a JSON device configuration document:
//
//	{
//	  "controller_index": 0,
//	  "device_mac_address": "AA:BB:CC:DD:EE:FF",
//	  "instructions": [
//	    {"type": "read_periodic", "characteristic_uuid": "...", "interval_in_ms": 1000},
//	    {"type": "write_at_init", "characteristic_uuid": "...", "data": "AQ=="}
//	  ]
//	}
//
// Validation runs in document order: root object, controller index, MAC
// address, instruction list, then each instruction. The first failure is
// returned and no partially built Config escapes.
func ParseConfig(data []byte) (*Config, error) {
	if !isJSONObject(data) {
		return nil, fmt.Errorf("%w: root must be an object", ErrInvalidDocument)
	}
	var root map[string]json.RawMessage
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	var index int
	raw, ok := root["controller_index"]
	if !ok || string(raw) == "null" {
		return nil, fmt.Errorf("%w: controller_index is required", ErrInvalidAdapterIndex)
	}
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAdapterIndex, err)
	}
	if index < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAdapterIndex, index)
	}

	var macText string
	raw, ok = root["device_mac_address"]
	if !ok {
		return nil, fmt.Errorf("%w: device_mac_address is required", ErrInvalidAddress)
	}
	if err := json.Unmarshal(raw, &macText); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	mac, err := ParseMAC(macText)
	if err != nil {
		return nil, err
	}

	var entries []json.RawMessage
	raw, ok = root["instructions"]
	if !ok {
		return nil, fmt.Errorf("%w: instructions is required", ErrNoInstructions)
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoInstructions, err)
	}
	if len(entries) == 0 {
		return nil, ErrNoInstructions
	}

	instrs := make([]Instruction, 0, len(entries))
	for i, entry := range entries {
		instr, err := parseInstruction(entry)
		if err != nil {
			releaseInstructions(instrs)
			return nil, fmt.Errorf("instruction %d: %w", i, err)
		}
		instrs = append(instrs, instr)
	}

	return &Config{
		Device: Device{
			Address:      mac,
			AdapterIndex: index,
		},
		Instructions: instrs,
	}, nil
}

func parseInstruction(raw json.RawMessage) (Instruction, error) {
	if !isJSONObject(raw) {
		return nil, fmt.Errorf("%w: entry must be an object", ErrInvalidInstruction)
	}

	var entry instructionEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInstruction, err)
	}
	if entry.Type == nil {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidInstruction)
	}
	if entry.CharacteristicUUID == nil || *entry.CharacteristicUUID == "" {
		return nil, fmt.Errorf("%w: characteristic_uuid is required", ErrInvalidInstruction)
	}
	characteristic := *entry.CharacteristicUUID

	kind := Kind(*entry.Type)
	switch kind {
	case KindReadOnce:
		return ReadOnce{CharacteristicUUID: characteristic}, nil

	case KindReadPeriodic:
		if entry.IntervalInMS == nil || *entry.IntervalInMS <= 0 {
			return nil, fmt.Errorf("%w: read_periodic requires interval_in_ms > 0", ErrInvalidInstruction)
		}
		return ReadPeriodic{
			CharacteristicUUID: characteristic,
			Interval:           time.Duration(*entry.IntervalInMS) * time.Millisecond,
		}, nil

	case KindWriteOnce, KindWriteAtInit, KindWriteAtExit:
		if entry.Data == nil {
			return nil, fmt.Errorf("%w: %s requires data", ErrInvalidInstruction, kind)
		}
		payload, err := base64.StdEncoding.DecodeString(*entry.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: data is not valid base64: %w", ErrInvalidInstruction, err)
		}
		return NewWrite(kind, characteristic, payload)

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidInstruction, kind)
	}
}

// isJSONObject reports whether the first non-space byte opens an object.
func isJSONObject(data []byte) bool {
	for _, c := range data {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}

// Release drops every instruction payload, then the list, then the device.
// Safe to call on a nil Config.
func (c *Config) Release() {
	if c == nil {
		return
	}
	releaseInstructions(c.Instructions)
	c.Instructions = nil
	c.Device = Device{}
}

// releaseInstructions zeroes write payloads so a rejected list holds nothing.
func releaseInstructions(instrs []Instruction) {
	for i, instr := range instrs {
		if w, ok := instr.(Writer); ok {
			clear(w.Payload())
		}
		instrs[i] = nil
	}
}
