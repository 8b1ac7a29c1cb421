// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package programs is a placeholder build target for the classifier's
// eBPF object. The actual object is built out-of-band (see the
// go:generate directive below) and loaded at runtime by path through
// internal/ebpf/loader — nothing in this package is compiled into the
// Go binaries.
package programs

//go:generate go run github.com/cilium/ebpf/cmd/bpf2go@latest --no-strip --target=bpfel Classifier c/classifier.c -- -O2 -target bpf -I.
