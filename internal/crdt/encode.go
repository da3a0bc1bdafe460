package crdt

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// EncodeOps serializes ops as a CBOR array.
func EncodeOps(ops []Op) ([]byte, error) {
	b, err := cbor.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("crdt: encode ops: %w", err)
	}
	return b, nil
}

// DecodeOps parses an update produced by EncodeOps.
func DecodeOps(b []byte) ([]Op, error) {
	var ops []Op
	if err := cbor.Unmarshal(b, &ops); err != nil {
		return nil, fmt.Errorf("crdt: decode ops: %w", err)
	}
	for _, op := range ops {
		if op.Action != ActionInsert && op.Action != ActionDelete {
			return nil, fmt.Errorf("crdt: decode ops: unknown action %d", op.Action)
		}
		if op.ID.Peer == "" || op.ID.Seq == 0 {
			return nil, fmt.Errorf("crdt: decode ops: invalid id %s", op.ID)
		}
	}
	return ops, nil
}

// EncodeStateVector serializes sv as a CBOR map.
func EncodeStateVector(sv StateVector) ([]byte, error) {
	b, err := cbor.Marshal(sv)
	if err != nil {
		return nil, fmt.Errorf("crdt: encode state vector: %w", err)
	}
	return b, nil
}

// DecodeStateVector parses a vector produced by EncodeStateVector. Empty
// input decodes to an empty vector.
func DecodeStateVector(b []byte) (StateVector, error) {
	sv := make(StateVector)
	if len(b) == 0 {
		return sv, nil
	}
	if err := cbor.Unmarshal(b, &sv); err != nil {
		return nil, fmt.Errorf("crdt: decode state vector: %w", err)
	}
	return sv, nil
}
