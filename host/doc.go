// Package host runs guest modules on wazero and implements the host side of
// the boundary.
//
// The executor binds an "env" host module that provides every registered
// host capability as an (i32) -> i32 import, plus abort and log_message. Each
// loaded Instance talks to its guest through a memory.Manager whose memory is
// the guest's linear memory and whose allocator calls the guest's __alloc and
// __dealloc exports, so every buffer is allocated and freed by the guest's own
// allocator.
//
// A guest that calls abort, or a host capability that fails, ends the current
// call and closes the instance. It cannot be used again.
package host
