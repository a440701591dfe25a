package lorasim

import "fmt"

// Bandwidth is a LoRa channel bandwidth in Hz
type Bandwidth int

const (
	Bandwidth62k5 Bandwidth = 62500
	Bandwidth125k Bandwidth = 125000
	Bandwidth250k Bandwidth = 250000
	Bandwidth500k Bandwidth = 500000
)

// ParseBandwidth converts a configured bandwidth in Hz.
func ParseBandwidth(hz float64) (Bandwidth, error) {
	switch bw := Bandwidth(hz); bw {
	case Bandwidth62k5, Bandwidth125k, Bandwidth250k, Bandwidth500k:
		if float64(bw) == hz {
			return bw, nil
		}
	}
	return 0, fmt.Errorf("unsupported LoRa bandwidth %v Hz", hz)
}

func (bw Bandwidth) String() string {
	if bw == Bandwidth62k5 {
		return "62.5kHz"
	}
	return fmt.Sprintf("%dkHz", int(bw)/1000)
}

// SampleRate returns the baseband sample rate of a node running at bw with
// the given oversampling factor.
func SampleRate(bw Bandwidth, oversampling int) int {
	return int(bw) * oversampling
}

// FrameDuration returns the air time covered by one IQFrame at sampleRate.
func FrameDuration(sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(FrameSize) / float64(sampleRate)
}
