// Copyright 2026 The Acquire Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Return value statuses.
const (
	StatusOK        = 0
	StatusError     = -1
	StatusException = -2
)

// ReturnValue is the payload of a function reply. Data, when it
// marshals to a JSON object, is merged into the top level beside
// "status"; any other value is carried under "data". An object Data
// may not use the keys the reply itself carries.
type ReturnValue struct {
	Status    int
	Message   string
	Exception *Exception
	Data      any
}

// Success wraps a handler result.
func Success(data any) ReturnValue {
	return ReturnValue{Status: StatusOK, Message: "Success", Data: data}
}

// FromError wraps a handler error. Errors wrapping a registered
// sentinel become exceptions; others become plain error messages.
// A *RemoteError from a nested call keeps its classification.
func FromError(err error) ReturnValue {
	var remote *RemoteError
	if errors.As(err, &remote) && remote.Exception != nil {
		exception := *remote.Exception
		exception.Error = err.Error()
		return ReturnValue{Status: StatusException, Message: err.Error(), Exception: &exception}
	}
	module, class, ok := Classify(err)
	if !ok {
		return ReturnValue{Status: StatusError, Message: err.Error()}
	}
	return ReturnValue{
		Status:    StatusException,
		Message:   err.Error(),
		Exception: &Exception{Class: class, Module: module, Error: err.Error()},
	}
}

// FromPanic wraps a recovered handler panic with its stack.
func FromPanic(recovered any, stack []byte) ReturnValue {
	return ReturnValue{
		Status:  StatusException,
		Message: fmt.Sprint(recovered),
		Exception: &Exception{
			Class:     "PanicError",
			Module:    "runtime",
			Error:     fmt.Sprint(recovered),
			Traceback: string(stack),
		},
	}
}

// reservedKeys are the reply fields MarshalJSON writes itself.
var reservedKeys = []string{"status", "message", "exception"}

// MarshalJSON implements json.Marshaler.
func (r ReturnValue) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if r.Data != nil {
		data, err := json.Marshal(r.Data)
		if err != nil {
			return nil, err
		}
		if len(data) > 0 && data[0] == '{' {
			if err := json.Unmarshal(data, &fields); err != nil {
				return nil, err
			}
			for _, key := range reservedKeys {
				if _, clash := fields[key]; clash {
					return nil, fmt.Errorf("%w: result field %q is reserved", ErrPacking, key)
				}
			}
		} else {
			fields["data"] = data
		}
	}
	fields["status"] = mustRaw(r.Status)
	if r.Message != "" {
		fields["message"] = mustRaw(r.Message)
	}
	if r.Exception != nil {
		fields["exception"] = mustRaw(r.Exception)
	}
	return json.Marshal(fields)
}

// Decode unmarshals payload fields into v, which is typically a
// struct mirroring a handler's result.
func Decode(fields map[string]json.RawMessage, v any) error {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnpacking, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnpacking, err)
	}
	return nil
}
