package dastream

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Block is one block of interleaved scans handed to a consumer.
type Block struct {
	Data      []float64 // scan-major: Data[scan*Channels+channel]
	Channels  int
	FirstScan int64 // index of the first scan among all retained scans
}

// Scans returns the number of scans in the block.
func (b Block) Scans() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Data) / b.Channels
}

// Scan returns the values of scan i, one per channel. The slice aliases Data.
func (b Block) Scan(i int) []float64 {
	return b.Data[i*b.Channels : (i+1)*b.Channels]
}

// Clone returns a Block with its own copy of the data.
func (b Block) Clone() Block {
	data := make([]float64, len(b.Data))
	copy(data, b.Data)
	return Block{Data: data, Channels: b.Channels, FirstScan: b.FirstScan}
}

// Matrix returns a scans-by-channels view of the block that shares its data,
// or nil for an empty block.
func (b Block) Matrix() *mat.Dense {
	nscans := b.Scans()
	if nscans == 0 {
		return nil
	}
	return mat.NewDense(nscans, b.Channels, b.Data[:nscans*b.Channels])
}

// Channel returns a copy of the samples of channel c.
func (b Block) Channel(c int) []float64 {
	m := b.Matrix()
	if m == nil {
		return nil
	}
	return mat.Col(nil, c, m)
}

// ChannelStats returns the mean and standard deviation of each channel.
func (b Block) ChannelStats() (means, stddevs []float64) {
	means = make([]float64, b.Channels)
	stddevs = make([]float64, b.Channels)
	if b.Scans() == 0 {
		return
	}
	for c := 0; c < b.Channels; c++ {
		means[c], stddevs[c] = stat.MeanStdDev(b.Channel(c), nil)
	}
	return
}
