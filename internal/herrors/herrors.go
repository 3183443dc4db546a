// Package herrors defines the abstract error-category taxonomy shared by
// the allocator, memdb, pgtable, vgic and psci packages.
package herrors

import "fmt"

// Code is one of the abstract error categories the core surfaces. It
// satisfies the error interface directly so a bare Code can be returned
// and compared with errors.Is without allocating a wrapper.
type Code int

const (
	OK Code = iota
	NOMEM
	ADDR_OVERFLOW
	ADDR_INVALID
	ARGUMENT_INVALID
	ARGUMENT_ALIGNMENT
	ARGUMENT_SIZE
	EXISTING_MAPPING
	BUSY
	DENIED
	IDLE
	RETRY
	FAILURE
	OBJECT_CONFIG
	OBJECT_STATE
	ALLOCATOR_RANGE_OVERLAPPING
	ALLOCATOR_MEM_INUSE
	VIRQ_NOT_BOUND
	VIRQ_BOUND
)

var names = map[Code]string{
	OK:                          "OK",
	NOMEM:                       "NOMEM",
	ADDR_OVERFLOW:               "ADDR_OVERFLOW",
	ADDR_INVALID:                "ADDR_INVALID",
	ARGUMENT_INVALID:            "ARGUMENT_INVALID",
	ARGUMENT_ALIGNMENT:          "ARGUMENT_ALIGNMENT",
	ARGUMENT_SIZE:               "ARGUMENT_SIZE",
	EXISTING_MAPPING:            "EXISTING_MAPPING",
	BUSY:                        "BUSY",
	DENIED:                      "DENIED",
	IDLE:                        "IDLE",
	RETRY:                       "RETRY",
	FAILURE:                     "FAILURE",
	OBJECT_CONFIG:               "OBJECT_CONFIG",
	OBJECT_STATE:                "OBJECT_STATE",
	ALLOCATOR_RANGE_OVERLAPPING: "ALLOCATOR_RANGE_OVERLAPPING",
	ALLOCATOR_MEM_INUSE:         "ALLOCATOR_MEM_INUSE",
	VIRQ_NOT_BOUND:              "VIRQ_NOT_BOUND",
	VIRQ_BOUND:                  "VIRQ_BOUND",
}

func (c Code) Error() string {
	if name, ok := names[c]; ok {
		return name
	}
	return fmt.Sprintf("herrors.Code(%d)", int(c))
}

// Wrap attaches context to a category without losing it: errors.Is(err,
// code) still succeeds because Code implements Unwrap-free comparison
// through %w.
func Wrap(code Code, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), code)
}
