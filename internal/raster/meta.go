package raster

// Meta is the immutable metadata record threaded through the pipeline. It
// carries the handful of fields the numeric code actually consumes; anything
// sensor-specific stays in the stack container and is not duplicated here.
type Meta struct {
	// Length and Width are the full raster dimensions in pixels.
	Length int `json:"length"`
	Width  int `json:"width"`

	// Wavelength of the carrier signal, in meters.
	Wavelength float64 `json:"wavelength"`

	// RefY and RefX locate the spatial reference pixel.
	RefY int `json:"ref_y"`
	RefX int `json:"ref_x"`

	// FileType tags the container contents (e.g. "timeseries", "mask").
	FileType string `json:"file_type"`
}
