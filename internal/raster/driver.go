package raster

// Mode selects the direction of a RasterIO call.
type Mode int

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// BlockReader is the driver callback filling one block. dst holds
// blockWidth*blockHeight pixels of the band type; content beyond the raster
// extent of edge blocks is unspecified.
type BlockReader interface {
	ReadBlock(col, row int, dst []byte) error
}

// BlockWriter is the driver callback persisting one block.
type BlockWriter interface {
	WriteBlock(col, row int, src []byte) error
}

// WindowIO is an optional driver path serving whole windows without the
// block cache. Arguments are validated and strides resolved by the caller.
type WindowIO interface {
	WindowIO(mode Mode, x, y, w, h int, buf []byte, bufW, bufH int,
		bufType DataType, pixelSpace, lineSpace int) error
}

// Access is the access mode of a band.
type Access int

const (
	ReadOnly Access = iota
	Update
)

// ColorInterp is the color interpretation of a band.
type ColorInterp int

const (
	ColorUndefined ColorInterp = iota
	ColorGray
	ColorPalette
	ColorRed
	ColorGreen
	ColorBlue
	ColorAlpha
)

func (c ColorInterp) String() string {
	switch c {
	case ColorGray:
		return "Gray"
	case ColorPalette:
		return "Palette"
	case ColorRed:
		return "Red"
	case ColorGreen:
		return "Green"
	case ColorBlue:
		return "Blue"
	case ColorAlpha:
		return "Alpha"
	}
	return "Undefined"
}

// BandInfo describes a band being attached to a dataset.
type BandInfo struct {
	// Width and Height default to the dataset size.
	Width, Height int
	// BlockWidth and BlockHeight default to the width and one line.
	BlockWidth, BlockHeight int
	Type                    DataType
	Access                  Access
	ColorInterp             ColorInterp
	Description             string
}
