//go:build wasm

package abi

// This file documents the exports a transform plugin implements.
// Plugins written in Go use //go:wasmexport; other languages use their own
// export attribute with the same names and signatures.
//
// //go:wasmexport transform
// func transform(ptr, length, preservePositions uint32) uint64
//
// //go:wasmexport alloc
// func alloc(size uint32) uint32
//
// //go:wasmexport plugin_diagnostics
// func pluginDiagnostics() uint64
//
// The input region holds an envelope whose payload is the program. The
// returned region must hold an envelope with the same schema version and
// must lie inside the plugin's memory. Metadata and configuration are read
// through the host imports context_len/read_context/metadata_value.
