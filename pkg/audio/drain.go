package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this when a streaming result is abandoned but the producer must still be
// allowed to finish (e.g. a synthesis stream after the satellite disconnected).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
