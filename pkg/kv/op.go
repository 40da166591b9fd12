package kv

import (
	"encoding/json"
	"fmt"
)

const (
	OpRead  = "r"
	OpWrite = "w"
)

// Op is one transaction micro-operation, encoded as ["r", key, value|null]
// or ["w", key, value].
type Op struct {
	Op    string
	Key   int
	Value *int
}

func Read(key int) Op { return Op{Op: OpRead, Key: key} }

func Write(key, val int) Op { return Op{Op: OpWrite, Key: key, Value: &val} }

func (o Op) MarshalJSON() ([]byte, error) {
	var v any
	if o.Value != nil {
		v = *o.Value
	}
	return json.Marshal([]any{o.Op, o.Key, v})
}

func (o *Op) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 3 {
		return fmt.Errorf("txn op: want 3 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &o.Op); err != nil {
		return fmt.Errorf("txn op: %w", err)
	}
	if o.Op != OpRead && o.Op != OpWrite {
		return fmt.Errorf("txn op: unknown operation %q", o.Op)
	}
	if err := json.Unmarshal(parts[1], &o.Key); err != nil {
		return fmt.Errorf("txn key: %w", err)
	}
	o.Value = nil
	if string(parts[2]) != "null" {
		var v int
		if err := json.Unmarshal(parts[2], &v); err != nil {
			return fmt.Errorf("txn value: %w", err)
		}
		o.Value = &v
	}
	return nil
}
