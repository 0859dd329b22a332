package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// UF2 block layout (512 bytes):
//
//	0-3:     magic 1 (0x0A324655, "UF2\n")
//	4-7:     magic 2 (0x9E5D5157)
//	8-11:    flags
//	12-15:   target address
//	16-19:   payload size (typically 256)
//	20-23:   block number
//	24-27:   total blocks
//	28-31:   file size or family ID, depending on flags
//	32-507:  data (476 bytes max)
//	508-511: magic 3 (0x0AB16F30)
const (
	uf2BlockSize  = 512
	uf2MaxPayload = 476
	uf2Magic1     = 0x0A324655
	uf2Magic2     = 0x9E5D5157
	uf2Magic3     = 0x0AB16F30

	uf2FlagNotMainFlash  = 0x00000001
	uf2FlagFileContainer = 0x00001000
	uf2FlagFamilyID      = 0x00002000
	uf2FlagMD5           = 0x00004000
	uf2FlagExtensionTags = 0x00008000
	maxImageSize         = 4 * 1024 * 1024
)

var errNotUF2 = errors.New("not a valid UF2 file (bad magic)")

type uf2Block struct {
	Flags       uint32
	TargetAddr  uint32
	PayloadSize uint32
	BlockNo     uint32
	NumBlocks   uint32
	FamilyID    uint32
}

func parseUF2Block(block []byte) (uf2Block, error) {
	if len(block) < uf2BlockSize {
		return uf2Block{}, fmt.Errorf("file too small to be UF2")
	}
	le := binary.LittleEndian
	if le.Uint32(block[0:4]) != uf2Magic1 || le.Uint32(block[4:8]) != uf2Magic2 || le.Uint32(block[508:512]) != uf2Magic3 {
		return uf2Block{}, errNotUF2
	}
	return uf2Block{
		Flags:       le.Uint32(block[8:12]),
		TargetAddr:  le.Uint32(block[12:16]),
		PayloadSize: min(le.Uint32(block[16:20]), uf2MaxPayload),
		BlockNo:     le.Uint32(block[20:24]),
		NumBlocks:   le.Uint32(block[24:28]),
		FamilyID:    le.Uint32(block[28:32]),
	}, nil
}

// extractUF2Binary flattens the payloads of a UF2 file into the raw image
// they describe, starting at the lowest target address. Gaps stay zero.
func extractUF2Binary(uf2Data []byte) ([]byte, error) {
	if len(uf2Data) < uf2BlockSize {
		return nil, fmt.Errorf("file too small to be UF2")
	}
	if len(uf2Data)%uf2BlockSize != 0 {
		return nil, fmt.Errorf("UF2 file size not multiple of %d", uf2BlockSize)
	}
	numBlocks := len(uf2Data) / uf2BlockSize

	blocks := make([]uf2Block, numBlocks)
	var minAddr, maxAddr uint32 = 0xFFFFFFFF, 0
	for i := range blocks {
		b, err := parseUF2Block(uf2Data[i*uf2BlockSize : (i+1)*uf2BlockSize])
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		if b.Flags&uf2FlagNotMainFlash != 0 {
			continue
		}
		blocks[i] = b
		minAddr = min(minAddr, b.TargetAddr)
		maxAddr = max(maxAddr, b.TargetAddr+b.PayloadSize)
	}
	if maxAddr <= minAddr {
		return nil, fmt.Errorf("UF2 file has no main flash payload")
	}

	outputSize := maxAddr - minAddr
	if outputSize > maxImageSize {
		return nil, fmt.Errorf("extracted binary too large: %d bytes", outputSize)
	}
	output := make([]byte, outputSize)
	for i, b := range blocks {
		if b.PayloadSize == 0 {
			continue
		}
		block := uf2Data[i*uf2BlockSize:]
		offset := b.TargetAddr - minAddr
		copy(output[offset:offset+b.PayloadSize], block[32:32+b.PayloadSize])
	}
	return output, nil
}

func familyName(id uint32) string {
	switch id {
	case 0xe48bff56:
		return "RP2040"
	case 0xe48bff57:
		return "RP2350 ARM-S"
	case 0xe48bff58:
		return "RP2350 ARM-NS"
	case 0xe48bff59:
		return "RP2350 RISC-V"
	case 0x1c5f21b0:
		return "ESP32"
	case 0xbfdd4eee:
		return "ESP32-S2"
	case 0xd42ba06c:
		return "ESP32-C3"
	}
	return "unknown"
}

// readFirmwareInfo prints the header of the first block of a UF2 file.
func readFirmwareInfo(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}
	fileSize := stat.Size()

	block := make([]byte, uf2BlockSize)
	if _, err := io.ReadFull(f, block); err != nil {
		return fmt.Errorf("file too small to be UF2: %w", err)
	}
	b, err := parseUF2Block(block)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "UF2 File: %s\n", path)
	fmt.Fprintf(w, "  File size: %d bytes (%d KB)\n", fileSize, fileSize/1024)
	fmt.Fprintf(w, "  Blocks: %d (block 0 shown)\n", b.NumBlocks)
	fmt.Fprintf(w, "  Target address: 0x%08x\n", b.TargetAddr)
	fmt.Fprintf(w, "  Payload per block: %d bytes\n", b.PayloadSize)
	fmt.Fprintf(w, "  Flags: 0x%08x\n", b.Flags)

	for _, fl := range []struct {
		bit  uint32
		name string
	}{
		{uf2FlagNotMainFlash, "NOT_MAIN_FLASH"},
		{uf2FlagFileContainer, "FILE_CONTAINER"},
		{uf2FlagFamilyID, "FAMILY_ID_PRESENT"},
		{uf2FlagMD5, "MD5_CHECKSUM_PRESENT"},
		{uf2FlagExtensionTags, "EXTENSION_TAGS_PRESENT"},
	} {
		if b.Flags&fl.bit != 0 {
			fmt.Fprintf(w, "    - %s\n", fl.name)
		}
	}

	if b.Flags&uf2FlagFamilyID != 0 {
		fmt.Fprintf(w, "  Family ID: 0x%08x (%s)\n", b.FamilyID, familyName(b.FamilyID))
	}

	estimated := int64(b.NumBlocks) * int64(b.PayloadSize)
	fmt.Fprintf(w, "  Estimated binary size: %d bytes (%d KB)\n", estimated, estimated/1024)
	return nil
}
