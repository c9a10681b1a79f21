package mocap

// ProgressFunc receives checkpoint notifications from long-running batch
// operations: one call per optimizer iteration or per synchronized batch
// processed. Implementations must return quickly; anything slower than an
// enqueue belongs on the caller's side of a channel.
type ProgressFunc func(stage string, step, total int, value float64)

// report invokes fn when set.
func (fn ProgressFunc) report(stage string, step, total int, value float64) {
	if fn != nil {
		fn(stage, step, total, value)
	}
}
