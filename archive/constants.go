package archive

import (
	"encoding/binary"
)

// defaultOrder is the byte order every container format in this package
// uses, matching the card's own little-endian layout.
var defaultOrder = binary.LittleEndian
