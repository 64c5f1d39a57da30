package control

import (
	"encoding/json"
	"fmt"
)

// Command is a single operation submitted to a device dispatcher.
//
// Target names the device instance the command addresses (e.g. "pump2").
// A few targets are reserved for the server itself: "server" selects the
// built-in liveness commands, and any target with the "_status" suffix is a
// status-control meta-command (see the server package).
type Command struct {
	// Target is the device instance name the command addresses.
	Target string
	// Operation is the named action to perform on the target.
	Operation string
	// Args holds the positional arguments of the operation.
	Args []any
	// Kwargs holds the named arguments of the operation.
	Kwargs map[string]any
	// WantsResponse indicates the submitter expects a matched response.
	WantsResponse bool
}

// NewCommand creates a Command with positional arguments only.
func NewCommand(target, operation string, wantsResponse bool, args ...any) Command {
	return Command{
		Target:        target,
		Operation:     operation,
		Args:          args,
		WantsResponse: wantsResponse,
	}
}

// Key returns the response-matching identity of the command.
func (c Command) Key() Key {
	return Key{Target: c.Target, Operation: c.Operation}
}

// String implements fmt.Stringer for log output.
func (c Command) String() string {
	return fmt.Sprintf("%s.%s(args=%v, kwargs=%v, response=%v)",
		c.Target, c.Operation, c.Args, c.Kwargs, c.WantsResponse)
}

// Key identifies one in-flight command for response matching.
//
// The protocol assumes at most one in-flight command per (target, operation)
// pair; there is no request ID.
type Key struct {
	Target    string
	Operation string
}

// Matches reports whether a response payload belongs to this key.
func (k Key) Matches(target, operation string) bool {
	return k.Target == target && k.Operation == operation
}

// commandWire is the JSON shape of a Command:
//
//	{"target": t, "operation": [name, args, kwargs], "response": bool}
type commandWire struct {
	Target    string `json:"target"`
	Operation [3]any `json:"operation"`
	Response  bool   `json:"response"`
}

// MarshalJSON implements json.Marshaler.
func (c Command) MarshalJSON() ([]byte, error) {
	args := c.Args
	if args == nil {
		args = []any{}
	}
	kwargs := c.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}

	return json.Marshal(commandWire{
		Target:    c.Target,
		Operation: [3]any{c.Operation, args, kwargs},
		Response:  c.WantsResponse,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Command) UnmarshalJSON(data []byte) error {
	var wire commandWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}

	name, ok := wire.Operation[0].(string)
	if !ok {
		return fmt.Errorf("decode command: operation name is %T, not string", wire.Operation[0])
	}

	var args []any
	if wire.Operation[1] != nil {
		args, ok = wire.Operation[1].([]any)
		if !ok {
			return fmt.Errorf("decode command: positional args are %T, not array", wire.Operation[1])
		}
	}

	var kwargs map[string]any
	if wire.Operation[2] != nil {
		kwargs, ok = wire.Operation[2].(map[string]any)
		if !ok {
			return fmt.Errorf("decode command: named args are %T, not object", wire.Operation[2])
		}
	}

	c.Target = wire.Target
	c.Operation = name
	c.Args = args
	c.Kwargs = kwargs
	c.WantsResponse = wire.Response

	return nil
}
