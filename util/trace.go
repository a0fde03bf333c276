package util

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Trace 记录一段操作的耗时，用法：defer util.Trace(ctx, "strip file")()
func Trace(ctx context.Context, msg string) func() {
	start := time.Now()
	return func() {
		zerolog.Ctx(ctx).Debug().Dur("duration", time.Since(start)).Msg(msg)
	}
}
