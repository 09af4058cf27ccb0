package ps2mc

import (
	"bytes"
	"testing"
)

func sampleChunk() []byte {
	chunk := make([]byte, eccChunkSize)
	for i := range chunk {
		chunk[i] = byte(i * 7)
	}

	return chunk
}

func TestEccComputeIsStableAndVerifies(t *testing.T) {
	chunk := sampleChunk()
	code := EccCompute(chunk)

	corrected, bitPos, err := EccCorrect(chunk, code)
	if err != nil {
		t.Fatalf("EccCorrect on clean chunk: %v", err)
	}

	if corrected {
		t.Fatalf("EccCorrect reported a correction on an untouched chunk, bit %d", bitPos)
	}
}

func TestEccCorrectsSingleBitFlip(t *testing.T) {
	chunk := sampleChunk()
	code := EccCompute(chunk)

	flipped := append([]byte(nil), chunk...)
	flipped[50] ^= 0x04

	corrected, bitPos, err := EccCorrect(flipped, code)
	if err != nil {
		t.Fatalf("EccCorrect on single-bit error: %v", err)
	}

	if !corrected {
		t.Fatalf("expected a correction to be reported")
	}

	if bitPos != 50*8+2 {
		t.Errorf("bitPosition = %d, want %d", bitPos, 50*8+2)
	}

	if !bytes.Equal(flipped, chunk) {
		t.Errorf("EccCorrect did not restore the original chunk")
	}
}

func TestEccDetectsUncorrectableError(t *testing.T) {
	chunk := sampleChunk()
	code := EccCompute(chunk)

	corrupt := append([]byte(nil), chunk...)
	corrupt[10] ^= 0x01
	corrupt[90] ^= 0x02

	_, _, err := EccCorrect(corrupt, code)
	if err == nil {
		t.Fatalf("expected an uncorrectable ECC error for a two-byte corruption")
	}
}

func TestEccCorrectToleratesFlippedEccByte(t *testing.T) {
	chunk := sampleChunk()
	code := EccCompute(chunk)
	code[1] ^= 0x01

	corrected, _, err := EccCorrect(chunk, code)
	if err != nil {
		t.Fatalf("EccCorrect with a flipped ECC byte: %v", err)
	}

	if !corrected {
		t.Fatalf("expected EccCorrect to flag the mismatched (but now-irrelevant) ECC byte")
	}
}
