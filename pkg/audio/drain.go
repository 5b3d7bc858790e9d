package audio

// Drain reads from ch until the channel is closed, discarding all values.
// The recording session uses it after a stop so that the capture goroutine can
// finish any in-flight send and observe cancellation.
func Drain[T any](ch <-chan T) int {
	n := 0
	for range ch {
		n++
	}
	return n
}
