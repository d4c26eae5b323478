// Package devicesim simulates arithmetic devices against a relay.
//
// A simulated device registers (or reconnects with a persisted identity),
// heartbeats, polls for commands, executes the arithmetic operations of its
// type and reports {status:"success", result} or {status:"error", error}.
package devicesim

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ruteri/device-relay-backend/api"
)

// Operation computes a result from num1 and an optional num2.
type Operation func(x float64, y *float64) (any, error)

var errMissingOperand = errors.New("num2 is required")

func binary(fn func(x, y float64) (any, error)) Operation {
	return func(x float64, y *float64) (any, error) {
		if y == nil {
			return nil, errMissingOperand
		}
		return fn(x, *y)
	}
}

var (
	opAdd      = binary(func(x, y float64) (any, error) { return x + y, nil })
	opSubtract = binary(func(x, y float64) (any, error) { return x - y, nil })
	opMultiply = binary(func(x, y float64) (any, error) { return x * y, nil })
	opDivide   = binary(func(x, y float64) (any, error) {
		if y == 0 {
			return nil, errors.New("division by zero")
		}
		return x / y, nil
	})
	opPower = binary(func(x, y float64) (any, error) {
		r := math.Pow(x, y)
		if math.IsInf(r, 0) || math.IsNaN(r) {
			return nil, fmt.Errorf("%v ** %v is not finite", x, y)
		}
		return r, nil
	})
	opModulo = binary(func(x, y float64) (any, error) {
		if y == 0 {
			return nil, errors.New("modulo by zero")
		}
		return math.Mod(x, y), nil
	})
)

// factorialLimit keeps results exactly representable as float64.
const factorialLimit = 170

func opFactorial(x float64, _ *float64) (any, error) {
	if x < 0 || x != math.Trunc(x) {
		return nil, errors.New("factorial requires a non-negative integer")
	}
	if x > factorialLimit {
		return nil, fmt.Errorf("factorial is limited to %d", factorialLimit)
	}
	result := 1.0
	for i := 2; i <= int(x); i++ {
		result *= float64(i)
	}
	return result, nil
}

var deviceTypes = map[string]map[string]Operation{
	"adder":      {"add": opAdd},
	"subtractor": {"subtract": opSubtract},
	"multiplier": {"multiply": opMultiply},
	"divider":    {"divide": opDivide},
	"calculator": {
		"add": opAdd, "subtract": opSubtract, "multiply": opMultiply,
		"divide": opDivide, "power": opPower,
	},
	"advanced": {
		"add": opAdd, "subtract": opSubtract, "multiply": opMultiply,
		"divide": opDivide, "power": opPower, "modulo": opModulo,
		"factorial": opFactorial,
	},
}

// DeviceTypes lists the simulated device types in a stable order.
func DeviceTypes() []string {
	types := make([]string, 0, len(deviceTypes))
	for t := range deviceTypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Operations returns the operation names supported by deviceType, sorted.
func Operations(deviceType string) ([]string, error) {
	ops, ok := deviceTypes[deviceType]
	if !ok {
		return nil, fmt.Errorf("unknown device type %q", deviceType)
	}
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Execute runs cmd on a device of deviceType. Failures are reported in the
// result, never as an error.
func Execute(deviceType string, cmd api.PendingCommand) api.CommandResult {
	op, ok := deviceTypes[deviceType][cmd.Name]
	if !ok {
		return api.CommandResult{Status: "error", Error: fmt.Sprintf("Operation '%s' not supported by this device", cmd.Name)}
	}

	x, ok := number(cmd.Params["num1"])
	if !ok {
		return api.CommandResult{Status: "error", Error: "num1 must be a number"}
	}
	var y *float64
	if raw, present := cmd.Params["num2"]; present && raw != nil {
		v, ok := number(raw)
		if !ok {
			return api.CommandResult{Status: "error", Error: "num2 must be a number"}
		}
		y = &v
	}

	result, err := op(x, y)
	if err != nil {
		return api.CommandResult{Status: "error", Error: err.Error()}
	}
	return api.CommandResult{Status: "success", Result: result}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
