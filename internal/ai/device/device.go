// Package device selects the execution context the model runs in.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Kind names an execution backend.
type Kind string

const (
	KindAuto Kind = "auto"
	KindCPU  Kind = "cpu"
	KindCUDA Kind = "cuda"
)

// Device is the execution context chosen once at startup. The zero value is not usable;
// build it with Select.
type Device struct {
	kind    Kind
	threads int
}

// Detector reports whether an accelerator backend of the given kind can run the model kernels.
type Detector func(kind Kind) bool

// CPUOnly is the detector of builds whose kernels run on general-purpose cores only.
func CPUOnly(kind Kind) bool { return kind == KindCPU }

// Select resolves the configured preference into a Device. "auto" (or empty) picks the
// accelerator when detect reports one and falls back to the CPU otherwise. An explicit
// accelerator that is not available is an error. threads <= 0 uses every logical CPU.
func Select(preference string, threads int, detect Detector) (Device, error) {
	if detect == nil {
		detect = CPUOnly
	}
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	kind := Kind(strings.ToLower(strings.TrimSpace(preference)))
	switch kind {
	case "", KindAuto:
		if detect(KindCUDA) {
			return Device{kind: KindCUDA, threads: threads}, nil
		}
		return Device{kind: KindCPU, threads: threads}, nil
	case KindCPU:
		return Device{kind: KindCPU, threads: threads}, nil
	case KindCUDA:
		if !detect(KindCUDA) {
			return Device{}, fmt.Errorf("device %q requested but no accelerator backend is available", kind)
		}
		return Device{kind: KindCUDA, threads: threads}, nil
	default:
		return Device{}, fmt.Errorf("unknown device %q", preference)
	}
}

func (d Device) Kind() Kind { return d.kind }

func (d Device) Threads() int {
	if d.threads <= 0 {
		return 1
	}
	return d.threads
}

func (d Device) String() string {
	return fmt.Sprintf("%s(threads=%d)", d.kind, d.Threads())
}

// ParallelFor runs fn for every index in [0, n) using at most Threads goroutines.
func (d Device) ParallelFor(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	if d.Threads() == 1 || n == 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(d.Threads())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}
