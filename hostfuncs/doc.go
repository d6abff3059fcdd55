// Package hostfuncs provides the host capabilities a guest can import, such
// as host_hello.
//
// Handlers work on unframed payloads. Reading the request frame out of guest
// memory, freeing it, and writing a fresh response frame is done by the host
// package, so a handler never sees a handle.
package hostfuncs
