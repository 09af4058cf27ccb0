package archive

import (
	"fmt"

	"github.com/dsoprea/go-logging"
)

// spsMagic is SharkPort/X-Port's fixed save header.
const spsMagic = "SharkPortSave"

// spsHeaderSize is the magic plus SharkPort's fixed save-name field
// preceding the obfuscated payload.
const spsHeaderSize = 13 + 64

// spsXorKey is the single repeating byte SharkPort XORs its payload
// with. This isn't encryption, just enough obfuscation that the save
// doesn't look like a plain PSU stream to a casual hex-dump.
const spsXorKey = 0xf3

// importSPS decodes a SharkPort (SPS) save: magic, a fixed name field,
// then a PSU-shaped payload obfuscated by XORing every byte with
// spsXorKey. Read-only for the same reason MAX and CBS are.
func importSPS(raw []byte) (sf *SaveFile, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if len(raw) < spsHeaderSize {
		log.Panic(fmt.Errorf("SPS file truncated: %d bytes", len(raw)))
	}

	if string(raw[0:len(spsMagic)]) != spsMagic {
		log.Panic(fmt.Errorf("bad SPS magic"))
	}

	nameField := raw[len(spsMagic):spsHeaderSize]

	payload := make([]byte, len(raw)-spsHeaderSize)
	for i, b := range raw[spsHeaderSize:] {
		payload[i] = b ^ spsXorKey
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
