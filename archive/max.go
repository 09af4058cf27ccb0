package archive

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io/ioutil"

	"github.com/dsoprea/go-logging"
)

// maxMagic is the fixed 12-byte header every MAX (Action Replay MAX
// Drive) save opens with.
const maxMagic = "Ps2PowerSave"

// maxHeaderSize is the magic plus the packed save name field that
// precedes the compressed payload.
const maxHeaderSize = 12 + 64

// importMAX decodes a MAX save: a fixed header naming the save folder,
// followed by a zlib-compressed PSU-shaped payload. MAX is a read-only
// format here (so is CBS and SPS) since nothing in this exercise's
// reference material pins down the exact compressor MAX saves actually
// use release to release, only that they're compressed; producing new
// MAX files that a real memory card manager would accept isn't
// attempted.
func importMAX(raw []byte) (sf *SaveFile, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if len(raw) < maxHeaderSize {
		log.Panic(fmt.Errorf("MAX file truncated: %d bytes", len(raw)))
	}

	if string(raw[0:len(maxMagic)]) != maxMagic {
		log.Panic(fmt.Errorf("bad MAX magic"))
	}

	nameField := raw[len(maxMagic):maxHeaderSize]

	zr, zerr := zlib.NewReader(bytes.NewReader(raw[maxHeaderSize:]))
	if zerr != nil {
		log.Panic(fmt.Errorf("MAX payload is not valid zlib data: %w", zerr))
	}
	defer zr.Close()

	payload, readErr := ioutil.ReadAll(zr)
	if readErr != nil {
		log.Panic(readErr)
	}

	sf, importErr := importPSU(payload)
	if importErr != nil {
		log.Panic(importErr)
	}

	if name := zeroTerminated(nameField); name != "" {
		sf.DirName = name
	}

	return sf, nil
}

// zeroTerminated returns the prefix of b up to its first NUL byte.
func zeroTerminated(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}

	return string(b)
}
