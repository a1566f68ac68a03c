//go:build !unix

package relock

import "context"

// Lifecycle reports nothing on platforms without job control.
func Lifecycle(ctx context.Context, _ func(AppState)) {
	<-ctx.Done()
}
