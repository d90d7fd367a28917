package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to keep a producer such as a capture handle from blocking when
// nobody needs its frames any more.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
