package pipeline

import "os"

// channel is one anonymous unidirectional byte stream bridging two
// adjacent stages: channel[i].write belongs to stage i, channel[i].read
// belongs to stage i+1.
type channel struct {
	read  *os.File
	write *os.File
}

// newChannels allocates n anonymous, kernel-buffered pipes. If any
// allocation fails, every endpoint opened so far is released and the
// failure is returned; the caller is left with no channels to clean
// up.
func newChannels(n int) ([]channel, error) {
	channels := make([]channel, 0, n)

	for i := 0; i < n; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			closeChannels(channels)
			return nil, err
		}
		channels = append(channels, channel{read: r, write: w})
	}

	return channels, nil
}

// closeChannels closes every endpoint still open in channels and sets
// it to nil. Endpoints that are already nil are skipped.
func closeChannels(channels []channel) {
	for i := range channels {
		if channels[i].read != nil {
			_ = channels[i].read.Close()
			channels[i].read = nil
		}
		if channels[i].write != nil {
			_ = channels[i].write.Close()
			channels[i].write = nil
		}
	}
}
