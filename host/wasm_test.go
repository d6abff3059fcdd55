package host

import (
	"github.com/reglet-dev/framecall/abipb"
	"github.com/reglet-dev/framecall/frame"
)

// Test guests are assembled here from raw WebAssembly so the host can be
// exercised end to end without a toolchain.

const (
	opUnreachable = 0x00
	opLoop        = 0x03
	opBr          = 0x0c
	opEnd         = 0x0b
	opCall        = 0x10
	opDrop        = 0x1a
	opLocalGet    = 0x20
	opGlobalGet   = 0x23
	opGlobalSet   = 0x24
	opI32Const    = 0x41
	opI32Add      = 0x6a
	opI32And      = 0x71

	typeI32  = 0x7f
	blockNil = 0x40
)

// Fixed data addresses inside the test guest.
const (
	testRequestAddr = 16
	testLogAddr     = 256
	testAbortAddr   = 512
	testHeapBase    = 4096
)

const testAbortMessage = "decode Request (proto, 5 byte payload): unexpected EOF"

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func vec(items ...[]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func section(id byte, payload []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint32(len(payload)))...)
	return append(out, payload...)
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func i32Const(v int32) []byte {
	return append([]byte{opI32Const}, sleb(v)...)
}

// body encodes a function body without locals.
func body(code ...[]byte) []byte {
	b := append([]byte{0x00}, cat(code...)...)
	b = append(b, opEnd)
	return append(uleb(uint32(len(b))), b...)
}

func dataSegment(addr int32, data []byte) []byte {
	return cat([]byte{0x00}, i32Const(addr), []byte{opEnd}, uleb(uint32(len(data))), data)
}

func mustFrame(payload []byte) []byte {
	b, err := frame.Append(nil, payload)
	if err != nil {
		panic(err)
	}
	return b
}

func mustWire(m interface{ MarshalWire() ([]byte, error) }) []byte {
	b, err := m.MarshalWire()
	if err != nil {
		panic(err)
	}
	return b
}

// testGuest assembles a guest module with:
//
//	imports env.host_hello (i32)->i32, env.abort (i32), env.log_message (i32)
//	__alloc    bump allocator over a mutable global, counts calls
//	__dealloc  counts calls, never reuses memory
//	guest_func forwards its request to host_hello and returns the reply
//	call_host  sends a static request to host_hello, then logs a static record
//	fail       calls abort with a static message frame
//	spin       loops forever
func testGuest() []byte {
	const (
		fnHostHello = iota
		fnAbort
		fnLogMessage
		fnAlloc
		fnDealloc
		fnGuestFunc
		fnCallHost
		fnFail
		fnSpin
	)
	const (
		globalHeap = iota
		globalFrees
		globalAllocs
	)

	types := section(1, vec(
		[]byte{0x60, 0x01, typeI32, 0x01, typeI32}, // 0: (i32) -> i32
		[]byte{0x60, 0x01, typeI32, 0x00},          // 1: (i32) -> ()
		[]byte{0x60, 0x00, 0x00},                   // 2: () -> ()
	))

	imports := section(2, vec(
		cat(name("env"), name("host_hello"), []byte{0x00, 0x00}),
		cat(name("env"), name("abort"), []byte{0x00, 0x01}),
		cat(name("env"), name("log_message"), []byte{0x00, 0x01}),
	))

	funcs := section(3, vec(
		[]byte{0x00}, // __alloc
		[]byte{0x01}, // __dealloc
		[]byte{0x00}, // guest_func
		[]byte{0x02}, // call_host
		[]byte{0x02}, // fail
		[]byte{0x02}, // spin
	))

	mem := section(5, vec([]byte{0x00, 0x01})) // min 1 page

	mutI32 := func(init int32) []byte {
		return cat([]byte{typeI32, 0x01}, i32Const(init), []byte{opEnd})
	}
	globals := section(6, vec(mutI32(testHeapBase), mutI32(0), mutI32(0)))

	export := func(n string, kind byte, idx uint32) []byte {
		return cat(name(n), []byte{kind}, uleb(idx))
	}
	exports := section(7, vec(
		export("memory", 0x02, 0),
		export(ExportAlloc, 0x00, fnAlloc),
		export(ExportDealloc, 0x00, fnDealloc),
		export(ExportGuestFunc, 0x00, fnGuestFunc),
		export(ExportCallHost, 0x00, fnCallHost),
		export("fail", 0x00, fnFail),
		export("spin", 0x00, fnSpin),
		export("frees", 0x03, globalFrees),
		export("allocs", 0x03, globalAllocs),
	))

	incr := func(g byte) []byte {
		return cat([]byte{opGlobalGet, g}, i32Const(1), []byte{opI32Add, opGlobalSet, g})
	}
	code := section(10, vec(
		// __alloc: ptr = heap; heap = (heap + size + 7) & -8; return ptr
		body(
			[]byte{opGlobalGet, globalHeap},
			[]byte{opGlobalGet, globalHeap, opLocalGet, 0x00, opI32Add},
			i32Const(7), []byte{opI32Add},
			i32Const(-8), []byte{opI32And},
			[]byte{opGlobalSet, globalHeap},
			incr(globalAllocs),
		),
		// __dealloc
		body(incr(globalFrees)),
		// guest_func
		body([]byte{opLocalGet, 0x00, opCall, fnHostHello}),
		// call_host
		body(
			i32Const(testRequestAddr), []byte{opCall, fnHostHello, opDrop},
			i32Const(testLogAddr), []byte{opCall, fnLogMessage},
		),
		// fail
		body(i32Const(testAbortAddr), []byte{opCall, fnAbort, opUnreachable}),
		// spin
		body([]byte{opLoop, blockNil, opBr, 0x00, opEnd}),
	))

	data := section(11, vec(
		dataSegment(testRequestAddr, mustFrame(mustWire(&abipb.Request{Message: "Hello from guest!"}))),
		dataSegment(testLogAddr, mustFrame(mustWire(&abipb.LogRecord{
			Level:   "INFO",
			Message: "Received from host",
			Attrs:   []abipb.Attr{{Key: "component", Value: "test-guest"}},
		}))),
		dataSegment(testAbortAddr, mustFrame([]byte(testAbortMessage))),
	))

	header := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	return cat(header, types, imports, funcs, mem, globals, exports, code, data)
}

// memoryOnlyGuest is a valid module that exports nothing callable.
func memoryOnlyGuest() []byte {
	header := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	mem := section(5, vec([]byte{0x00, 0x01}))
	exports := section(7, vec(cat(name("memory"), []byte{0x02, 0x00})))
	return cat(header, mem, exports)
}
