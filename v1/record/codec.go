package record

import (
	"encoding/json"
	"fmt"

	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

// Encode serializes a Record or ReadWrite value.
func Encode(v any) ([]byte, error) {
	if rw, ok := v.(*ReadWrite); ok {
		if err := rw.Validate(); err != nil {
			return nil, err
		}
	}
	return json.Marshal(v)
}

// Decode parses a lease record stored by an exclusive lock.
func Decode(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("%w: %v", dlockerrors.ErrCorruption, err)
	}
	return r, nil
}

// DecodeReadWrite parses and validates a read/write record.
func DecodeReadWrite(data []byte) (*ReadWrite, error) {
	var rw ReadWrite
	if err := json.Unmarshal(data, &rw); err != nil {
		return nil, fmt.Errorf("%w: %v", dlockerrors.ErrCorruption, err)
	}
	if err := rw.Validate(); err != nil {
		return nil, err
	}
	return &rw, nil
}
