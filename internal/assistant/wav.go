package assistant

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// WriteWAV wraps the PCM samples in a RIFF/WAVE container.
func (a *Audio) WriteWAV(w io.Writer) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return fmt.Errorf("audio already released")
	}

	const bitsPerSample = 16
	blockAlign := a.Channels * bitsPerSample / 8
	byteRate := a.SampleRate * blockAlign
	dataLen := len(a.PCM)

	var hdr bytes.Buffer
	hdr.WriteString("RIFF")
	binary.Write(&hdr, binary.LittleEndian, uint32(36+dataLen))
	hdr.WriteString("WAVE")
	hdr.WriteString("fmt ")
	binary.Write(&hdr, binary.LittleEndian, uint32(16))
	binary.Write(&hdr, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&hdr, binary.LittleEndian, uint16(a.Channels))
	binary.Write(&hdr, binary.LittleEndian, uint32(a.SampleRate))
	binary.Write(&hdr, binary.LittleEndian, uint32(byteRate))
	binary.Write(&hdr, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&hdr, binary.LittleEndian, uint16(bitsPerSample))
	hdr.WriteString("data")
	binary.Write(&hdr, binary.LittleEndian, uint32(dataLen))

	if _, err := w.Write(hdr.Bytes()); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	if _, err := w.Write(a.PCM); err != nil {
		return fmt.Errorf("write wav data: %w", err)
	}
	return nil
}
