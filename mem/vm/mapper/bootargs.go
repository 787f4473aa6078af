package mapper

import (
	"fmt"
	"strconv"
	"strings"
)

// BootArgs are the boot-time overrides the mapper honors.
type BootArgs struct {
	// ARTSize replaces the table size, in table pages.
	ARTSize int

	// CacheLineSize replaces the cache line size used when flushing.
	CacheLineSize int
}

// ParseBootArgs reads a whitespace-separated key=value boot command line.
// Keys other than artsize and dartlinesize are ignored.
func ParseBootArgs(cmdline string) (BootArgs, error) {
	var args BootArgs

	for _, field := range strings.Fields(cmdline) {
		key, value, found := strings.Cut(field, "=")
		if !found {
			continue
		}

		var dst *int
		switch key {
		case "artsize":
			dst = &args.ARTSize
		case "dartlinesize":
			dst = &args.CacheLineSize
		default:
			continue
		}

		n, err := strconv.ParseUint(value, 0, 31)
		if err != nil {
			return BootArgs{}, fmt.Errorf("%w: %s: %w", ErrBadBootArgs, field, err)
		}

		if key == "dartlinesize" && !validLineSize(int(n)) {
			return BootArgs{}, fmt.Errorf("%w: %s: %w",
				ErrBadBootArgs, field, ErrBadCacheLineSize)
		}

		*dst = int(n)
	}

	return args, nil
}
