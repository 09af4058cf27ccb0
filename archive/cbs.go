package archive

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io/ioutil"

	"github.com/dsoprea/go-logging"
)

// cbsMagic is CodeBreaker's fixed 4-byte save header.
const cbsMagic = "Cbs\x01"

// cbsHeaderSize is the magic plus CodeBreaker's fixed metadata block
// (save name and icon.sys preview fields) preceding the payload.
const cbsHeaderSize = 4 + 64 + 32

// importCBS decodes a CodeBreaker save: magic, a metadata block, then a
// zlib-compressed PSU-shaped payload, the same structural shape CBS
// shares with MAX. Read-only for the same reason MAX is.
func importCBS(raw []byte) (sf *SaveFile, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if len(raw) < cbsHeaderSize {
		log.Panic(fmt.Errorf("CBS file truncated: %d bytes", len(raw)))
	}

	if string(raw[0:len(cbsMagic)]) != cbsMagic {
		log.Panic(fmt.Errorf("bad CBS magic"))
	}

	nameField := raw[len(cbsMagic) : len(cbsMagic)+64]

	zr, zerr := zlib.NewReader(bytes.NewReader(raw[cbsHeaderSize:]))
	if zerr != nil {
		log.Panic(fmt.Errorf("CBS payload is not valid zlib data: %w", zerr))
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
