package util

import (
	"context"
	"fmt"
	"log/slog"
)

// Debug is the verbosity threshold for DPrintf; 0 prints only level-0
// messages.
var Debug uint64 = 0

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		slog.Log(context.Background(), slog.LevelDebug,
			fmt.Sprintf(format, a...), "lvl", level)
	}
}

func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	}
	return m
}

// SumOverflows reports whether n+m wraps around.
func SumOverflows(n uint64, m uint64) bool {
	return n+m < n
}
