package core

// FrequencyBand represents a simple [min,max] GHz band.
type FrequencyBand struct {
	MinGHz float64 `json:"min_ghz"`
	MaxGHz float64 `json:"max_ghz"`
}

// RadioModel describes the short-range radio a DTN node uses for
// opportunistic contacts.
type RadioModel struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Band FrequencyBand `json:"band"`

	// RangeM is the maximum contact range in metres. A contact needs both
	// endpoints within the smaller of the two ranges.
	RangeM float64 `json:"range_m"`

	// BitrateBps is the transfer speed in bytes per second. 0 means
	// transfers complete within the tick they start.
	BitrateBps float64 `json:"bitrate_bps,omitempty"`
}

// IsCompatible returns true if the frequency bands overlap at all.
func (rm *RadioModel) IsCompatible(other *RadioModel) bool {
	return !(rm.Band.MaxGHz < other.Band.MinGHz || rm.Band.MinGHz > other.Band.MaxGHz)
}

// contactRange is the distance within which two radios can talk.
func contactRange(a, b *RadioModel) float64 {
	if a.RangeM < b.RangeM {
		return a.RangeM
	}
	return b.RangeM
}

// contactBitrate is the speed of a contact: the slower radio wins.
func contactBitrate(a, b *RadioModel) float64 {
	switch {
	case a.BitrateBps <= 0:
		return b.BitrateBps
	case b.BitrateBps <= 0:
		return a.BitrateBps
	case a.BitrateBps < b.BitrateBps:
		return a.BitrateBps
	default:
		return b.BitrateBps
	}
}
