package drivers

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"canscope/utils"

	"go.einride.tech/can"
)

const (
	WRITE_EVERY_N_FRAMES = 100

	flagExtended = 1 << 31
	flagRemote   = 1 << 30
)

var (
	badLenErr = errors.New("error data length outside range")
	badCrcErr = errors.New("error frame checksum does not match")
)

var magicBytes = []byte{0xAA, 0x55}

// Recorder appends captured frames to a raw binary log with layout:
// [AA 55][millis:u32 LE][id:u32 BE, bit31 extended, bit30 remote][len:u8][data:len][crc8:u8]
type Recorder struct {
	file   *os.File
	writer *bufio.Writer
	frames int
}

// NewRecorder opens the next free RAWLOG file in dir.
func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	filePath := utils.NextAvailableFilename(dir, LOG_NAME, LOG_EXT)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open rawlog: %w", err)
	}
	return &Recorder{file: file, writer: bufio.NewWriterSize(file, 1<<20)}, nil
}

func (r *Recorder) Name() string {
	return r.file.Name()
}

func (r *Recorder) Write(timestampMs uint32, frame can.Frame) error {
	if _, err := r.writer.Write(encodeBinaryFrame(timestampMs, frame)); err != nil {
		return err
	}
	r.frames++
	if (r.frames % WRITE_EVERY_N_FRAMES) == 0 {
		return r.writer.Flush()
	}
	return nil
}

func (r *Recorder) Close() error {
	flushErr := r.writer.Flush()
	if err := r.file.Close(); err != nil {
		return err
	}
	return flushErr
}

func encodeBinaryFrame(timestampMs uint32, frame can.Frame) []byte {
	dl := int(frame.Length)
	if dl > 8 {
		dl = 8
	}
	rec := make([]byte, 2+9+dl+1)
	rec[0], rec[1] = magicBytes[0], magicBytes[1]

	// header
	m := timestampMs
	rec[2] = byte(m)
	rec[3] = byte(m >> 8)
	rec[4] = byte(m >> 16)
	rec[5] = byte(m >> 24)

	id := frame.ID & 0x1FFFFFFF
	if frame.IsExtended {
		id |= flagExtended
	}
	if frame.IsRemote {
		id |= flagRemote
	}
	rec[6] = byte(id >> 24)
	rec[7] = byte(id >> 16)
	rec[8] = byte(id >> 8)
	rec[9] = byte(id)
	rec[10] = byte(dl)

	// payload
	copy(rec[11:11+dl], frame.Data[:dl])

	rec[11+dl] = crc8UpdateBuf(0x00, rec[2:11+dl])
	return rec
}

// readBinaryFrame reads a single record written by Recorder, resyncing on the magic bytes.
func readBinaryFrame(bufferReader *bufio.Reader) (timestampMs uint32, frame can.Frame, err error) {
	// resync on magic AA 55
	for {
		firstByte, err := bufferReader.ReadByte()
		if err != nil {
			return 0, frame, err
		}
		if firstByte != magicBytes[0] {
			continue
		}
		secondByte, err := bufferReader.ReadByte()
		if err != nil {
			return 0, frame, err
		}
		if secondByte == magicBytes[1] {
			break
		}
		// otherwise keep scanning
	}

	// header: millis(4 LE) + id(4 BE) + len(1)
	header := make([]byte, 9)
	if _, err = io.ReadFull(bufferReader, header); err != nil {
		return 0, frame, err
	}
	dataLength := int(header[8])
	if dataLength > 8 {
		return 0, frame, fmt.Errorf("error data length %d: %w", dataLength, badLenErr)
	}

	// payload + crc
	tail := make([]byte, dataLength+1)
	if _, err = io.ReadFull(bufferReader, tail); err != nil {
		return 0, frame, err
	}
	data := tail[:dataLength]

	crc := crc8UpdateBuf(0x00, header)
	crc = crc8UpdateBuf(crc, data)
	if crc != tail[dataLength] {
		return 0, frame, badCrcErr
	}

	timestampMs = uint32(header[0]) |
		uint32(header[1])<<8 |
		uint32(header[2])<<16 |
		uint32(header[3])<<24
	id := uint32(header[4])<<24 | uint32(header[5])<<16 | uint32(header[6])<<8 | uint32(header[7])

	frame.ID = id & 0x1FFFFFFF
	frame.IsExtended = id&flagExtended != 0
	frame.IsRemote = id&flagRemote != 0
	frame.Length = uint8(dataLength)
	copy(frame.Data[:], data)

	return timestampMs, frame, nil
}

// CRC-8-CCITT helpers (poly 0x07, init 0x00)
func crc8Update(crc, b byte) byte {
	crc ^= b
	for i := 0; i < 8; i++ {
		if crc&0x80 != 0 {
			crc = (crc << 1) ^ 0x07
		} else {
			crc <<= 1
		}
	}
	return crc
}

func crc8UpdateBuf(crc byte, buffer []byte) byte {
	for _, b := range buffer {
		crc = crc8Update(crc, b)
	}
	return crc
}
