package archive

import (
	"fmt"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

// iconSysMagic is icon.sys's fixed 4-byte header.
const iconSysMagic = "PS2D"

// iconSysSize is the fixed size of the icon.sys metadata block every
// save folder that wants a custom icon and title carries.
const iconSysSize = 964

// IconSys is the decoded contents of a save folder's icon.sys file: the
// two-line title shown in the memory card browser plus the background
// and light color parameters used to render its 3D icon. Only the
// fields mymc's "dir" listing actually surfaces are decoded; the
// geometry/texture payload that follows is preserved as raw bytes for
// round-tripping but not interpreted.
type IconSys struct {
	Magic        [4]byte
	_            [12]byte
	LinebreakPos uint16
	_            [2]byte
	BgTransparency uint32
	BgColors     [4][4]uint32
	LightDirs    [3][4]float32
	LightColors  [3][4]float32
	AmbientColor [4]float32
	Title        [68]byte // Shift-JIS-adjacent half-width title text
	_            [512]byte
	rest         []byte
}

// DecodeIconSys parses an IconSys out of buf (the full contents of an
// icon.sys file), keeping any bytes past the fixed iconSysSize-byte record
// in rest so Encode can append them unchanged.
func DecodeIconSys(buf []byte) (is *IconSys, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if len(buf) < iconSysSize {
		log.Panic(fmt.Errorf("icon.sys truncated: %d bytes", len(buf)))
	}

	is = &IconSys{}
	if unpackErr := restruct.Unpack(buf[:iconSysSize], defaultOrder, is); unpackErr != nil {
		log.Panic(unpackErr)
	}

	if string(is.Magic[:]) != iconSysMagic {
		log.Panic(fmt.Errorf("bad icon.sys magic"))
	}

	is.rest = append([]byte(nil), buf[iconSysSize:]...)

	return is, nil
}

// Titles splits the packed title field at LinebreakPos into its two
// display lines, decoding the half-width text as plain ASCII -- true
// icon.sys text uses a font-specific code table for anything outside
// printable ASCII, which this package doesn't reproduce, so non-ASCII
// characters come out as '?' rather than rendering correctly.
func (is *IconSys) Titles() (line1, line2 string) {
	breakByte := int(is.LinebreakPos) * 2
	if breakByte > len(is.Title) {
		breakByte = len(is.Title)
	}

	return decodeHalfWidth(is.Title[:breakByte]), decodeHalfWidth(is.Title[breakByte:])
}

// decodeHalfWidth renders little-endian 16-bit code units as ASCII,
// stopping at the first zero unit; any unit above 0x7F becomes '?'.
func decodeHalfWidth(b []byte) string {
	out := make([]byte, 0, len(b)/2)

	for i := 0; i+1 < len(b); i += 2 {
		lo, hi := b[i], b[i+1]
		if lo == 0 && hi == 0 {
			break
		}

		if hi == 0 && lo < 0x80 {
			out = append(out, lo)
		} else {
			out = append(out, '?')
		}
	}

	return string(out)
}

// Encode packs is back into icon.sys's fixed-size-plus-tail on-disk
// representation.
func (is *IconSys) Encode() (buf []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	packed, packErr := restruct.Pack(defaultOrder, is)
	if packErr != nil {
		log.Panic(packErr)
	}

	if len(packed) < iconSysSize {
		padded := make([]byte, iconSysSize)
		copy(padded, packed)
		packed = padded
	}

	return append(packed, is.rest...), nil
}
