package decoder

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/septivank/water-telemetry-worker/internal/telemetry"
)

// maxResultBytes bounds the serialized output of one decode
const maxResultBytes = 64 << 10

var (
	errTimeout          = errors.New("decode routine exceeded its time limit")
	errNoDecodeFunction = errors.New("decode routine does not define a decode function")
	errNotObject        = errors.New("decode routine did not return an object")
	errNotSerializable  = errors.New("decode routine result is not serializable")
)

// execute runs prog in a fresh runtime and calls decode(payload, bytes, meta).
// The runtime exposes only the language built-ins.
func execute(prog *goja.Program, timeout time.Duration, payload string, raw []byte, meta map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("decode routine panicked: %v", r)
		}
	}()

	vm := goja.New()
	harden(vm)
	stringify, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return nil, errors.New("JSON.stringify unavailable")
	}

	timer := time.AfterFunc(timeout, func() {
		vm.Interrupt(errTimeout)
	})
	defer timer.Stop()

	if _, err := vm.RunProgram(prog); err != nil {
		return nil, interruptCause(err)
	}

	decode, ok := goja.AssertFunction(vm.Get("decode"))
	if !ok {
		return nil, errNoDecodeFunction
	}

	byteValues := make([]any, len(raw))
	for i, b := range raw {
		byteValues[i] = int64(b)
	}

	out, err := decode(goja.Undefined(), vm.ToValue(payload), vm.ToValue(byteValues), vm.ToValue(meta))
	if err != nil {
		return nil, interruptCause(err)
	}
	if _, isObject := out.(*goja.Object); !isObject {
		return nil, errNotObject
	}

	// Serializing inside the runtime keeps the time limit in force and turns
	// cyclic or exotic results into an ordinary routine error.
	encoded, err := stringify(goja.Undefined(), out)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNotSerializable, interruptCause(err))
	}
	if encoded == nil || goja.IsUndefined(encoded) {
		return nil, errNotObject
	}
	text := encoded.String()
	if len(text) > maxResultBytes {
		return nil, fmt.Errorf("%w: larger than %d bytes", errNotSerializable, maxResultBytes)
	}

	if err := json.Unmarshal([]byte(text), &result); err != nil || result == nil {
		return nil, errNotObject
	}
	return result, nil
}

// harden removes the built-ins that are not deterministic or that compile
// code at run time: eval, the Function constructor and the constructors
// reachable through function prototypes.
func harden(vm *goja.Runtime) {
	global := vm.GlobalObject()

	prototypes := []*goja.Object{}
	if fn, ok := vm.Get("Function").(*goja.Object); ok {
		if proto, ok := fn.Get("prototype").(*goja.Object); ok {
			prototypes = append(prototypes, proto)
		}
	}
	for _, src := range []string{"(function* () {})", "(async function () {})", "(async function* () {})"} {
		v, err := vm.RunString(src)
		if err != nil {
			continue
		}
		if proto := v.ToObject(vm).Prototype(); proto != nil {
			prototypes = append(prototypes, proto)
		}
	}
	for _, proto := range prototypes {
		_ = proto.Delete("constructor")
	}

	_ = global.Delete("eval")
	_ = global.Delete("Function")
	if m, ok := vm.Get("Math").(*goja.Object); ok {
		_ = m.Delete("random")
	}
}

func interruptCause(err error) error {
	var ie *goja.InterruptedError
	if errors.As(err, &ie) {
		if cause, ok := ie.Value().(error); ok {
			return cause
		}
	}
	return err
}

// metadataObject converts protocol metadata to a plain JS-friendly map
func metadataObject(meta *telemetry.Metadata) map[string]any {
	out := map[string]any{}
	if meta == nil {
		return out
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}
