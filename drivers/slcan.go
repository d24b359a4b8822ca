package drivers

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"canscope/config"
	"canscope/models"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.einride.tech/can"
)

const slcanAckTimeout = 200 * time.Millisecond

var (
	errBadSLCANLine = errors.New("malformed slcan frame")
	errSLCANNack    = errors.New("adapter rejected command")
)

// SLCAN adapter and USB serial bridge VIDs
var preferredVIDs = map[string]bool{
	"1D50": true, // CANable / candleLight (openmoko)
	"16D0": true, // CANable (MCS)
	"0403": true, // FTDI, Lawicel CANUSB
	"1A86": true, // CH340
	"10C4": true, // CP210x
	"2341": true, // Arduino
}

// slcanRateCodes maps rates to the Lawicel S command argument.
var slcanRateCodes = map[models.BitRate]byte{
	10_000:    '0',
	20_000:    '1',
	50_000:    '2',
	100_000:   '3',
	125_000:   '4',
	250_000:   '5',
	500_000:   '6',
	800_000:   '7',
	1_000_000: '8',
}

// SLCAN reads frames from a serial line CAN adapter speaking the Lawicel protocol. The channel is
// opened with L (listen-only), never O.
type SLCAN struct {
	*config.SerialFlags

	configMu sync.Mutex
	port     io.ReadWriteCloser
	queue    chan received

	waitMu  sync.Mutex
	waitAck chan error
}

func NewSLCAN(flags *config.SerialFlags) *SLCAN {
	return &SLCAN{SerialFlags: flags}
}

// NewSLCANWithPort wraps an already open port.
func NewSLCANWithPort(port io.ReadWriteCloser) *SLCAN {
	s := &SLCAN{SerialFlags: &config.SerialFlags{}}
	s.attach(port)
	return s
}

func (s *SLCAN) Configure(rate models.BitRate) error {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	code, ok := slcanRateCodes[rate]
	if !ok {
		return &ConfigError{Rate: rate, Err: fmt.Errorf("slcan has no setting for %s", rate)}
	}

	if s.port == nil {
		port, err := getSerialPort(s.SerialPort, s.BaudRate)
		if err != nil {
			return &ConfigError{Rate: rate, Err: err}
		}
		s.attach(port)
	}

	// closing an already closed channel is rejected by most adapters, so its answer is ignored
	_ = s.command("C")
	if err := s.command("S" + string(code)); err != nil {
		return &ConfigError{Rate: rate, Err: err}
	}
	if err := s.command("L"); err != nil {
		return &ConfigError{Rate: rate, Err: err}
	}

	log.Printf("slcan armed at %s (listen-only)", rate)
	return nil
}

func (s *SLCAN) Poll() (can.Frame, error) {
	s.configMu.Lock()
	queue := s.queue
	s.configMu.Unlock()

	if queue == nil {
		return can.Frame{}, ErrNoFrame
	}

	frame, err := pollQueue(queue)
	if errors.Is(err, ErrClosed) {
		// report the dead port once, then stay quiet until reconfigured
		s.configMu.Lock()
		if s.queue == queue {
			s.queue = nil
		}
		s.configMu.Unlock()
	}
	return frame, err
}

func (s *SLCAN) Close() error {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	if s.port == nil {
		return nil
	}
	_ = s.command("C")
	err := s.port.Close()
	s.port = nil
	s.queue = nil
	return err
}

func (s *SLCAN) attach(port io.ReadWriteCloser) {
	s.port = port
	s.queue = make(chan received, frameQueueSize)
	go s.readLoop(port, s.queue)
}

// command writes one Lawicel command and waits for the adapter's CR (ok) or BEL (error).
func (s *SLCAN) command(cmd string) error {
	ack := make(chan error, 1)

	s.waitMu.Lock()
	s.waitAck = ack
	s.waitMu.Unlock()

	defer func() {
		s.waitMu.Lock()
		s.waitAck = nil
		s.waitMu.Unlock()
	}()

	if _, err := io.WriteString(s.port, cmd+"\r"); err != nil {
		return fmt.Errorf("write %q: %w", cmd, err)
	}

	select {
	case err := <-ack:
		if err != nil {
			return fmt.Errorf("command %q: %w", cmd, err)
		}
		return nil
	case <-time.After(slcanAckTimeout):
		return fmt.Errorf("command %q: no answer from adapter", cmd)
	}
}

func (s *SLCAN) acknowledge(err error) {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	if s.waitAck != nil {
		select {
		case s.waitAck <- err:
		default:
		}
	}
}

// readLoop runs until the port fails. A port that died under it is dropped so the next Configure
// opens it again.
func (s *SLCAN) readLoop(port io.ReadWriteCloser, queue chan received) {
	defer func() {
		s.configMu.Lock()
		if s.port == port {
			_ = port.Close()
			s.port = nil
		}
		s.configMu.Unlock()
		close(queue)
	}()

	reader := bufio.NewReader(port)
	var line strings.Builder
	for {
		b, err := reader.ReadByte()
		if err != nil {
			if err != io.EOF {
				log.Printf("slcan read: %v", err)
			}
			return
		}

		switch b {
		case '\a':
			line.Reset()
			s.acknowledge(errSLCANNack)
		case '\r':
			s.dispatch(line.String(), queue)
			line.Reset()
		case '\n':
		default:
			line.WriteByte(b)
		}
	}
}

func (s *SLCAN) dispatch(line string, queue chan received) {
	if line == "" {
		s.acknowledge(nil)
		return
	}
	switch line[0] {
	case 't', 'T', 'r', 'R':
		frame, err := parseSLCANFrame(line)
		offer(queue, received{frame: frame, err: err})
	case 'z', 'Z':
		// transmit acknowledgements, never expected in listen-only mode
	default:
		// version and status answers are acknowledgements of the last command
		s.acknowledge(nil)
	}
}

// parseSLCANFrame decodes tiiildd.., Tiiiiiiiildd.., riiil and Riiiiiiiil lines. A trailing four
// digit timestamp is accepted and ignored.
func parseSLCANFrame(line string) (can.Frame, error) {
	var frame can.Frame
	if len(line) < 1 {
		return frame, errBadSLCANLine
	}

	idDigits := 3
	switch line[0] {
	case 'T':
		idDigits = 8
		frame.IsExtended = true
	case 'R':
		idDigits = 8
		frame.IsExtended = true
		frame.IsRemote = true
	case 'r':
		frame.IsRemote = true
	case 't':
	default:
		return frame, fmt.Errorf("frame type %q: %w", line[0], errBadSLCANLine)
	}

	if len(line) < 1+idDigits+1 {
		return frame, fmt.Errorf("short line %q: %w", line, errBadSLCANLine)
	}

	id, err := strconv.ParseUint(line[1:1+idDigits], 16, 32)
	if err != nil {
		return frame, fmt.Errorf("identifier in %q: %w", line, errBadSLCANLine)
	}
	frame.ID = uint32(id) & 0x1FFFFFFF

	dlc := line[1+idDigits]
	if dlc < '0' || dlc > '8' {
		return frame, fmt.Errorf("dlc in %q: %w", line, errBadSLCANLine)
	}
	frame.Length = dlc - '0'

	rest := line[2+idDigits:]
	dataDigits := 0
	if !frame.IsRemote {
		dataDigits = int(frame.Length) * 2
	}
	if len(rest) != dataDigits && len(rest) != dataDigits+4 {
		return frame, fmt.Errorf("payload length in %q: %w", line, errBadSLCANLine)
	}
	if dataDigits > 0 {
		if _, err := hex.Decode(frame.Data[:frame.Length], []byte(rest[:dataDigits])); err != nil {
			return frame, fmt.Errorf("payload in %q: %w", line, errBadSLCANLine)
		}
	}
	return frame, nil
}

func getSerialPort(port string, baud int) (serial.Port, error) {
	// auto-select an adapter if requested
	if port == "auto" {
		name, err := autoSelectPort()
		if err != nil {
			return nil, fmt.Errorf("auto-select: %w", err)
		}
		port = name
	}
	mode := &serial.Mode{BaudRate: baud}
	serialPort, err := serial.Open(port, mode)
	if err != nil {
		return nil, fmt.Errorf("couldn't open serial %s: %w", port, err)
	}
	log.Printf("connected to %s @ %d", port, baud)

	return serialPort, nil
}

func autoSelectPort() (string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("enumerate ports: %w", err)
	}
	// Look for the first matching adapter
	for _, p := range ports {
		if p.IsUSB && preferredVIDs[strings.ToUpper(p.VID)] {
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("no slcan serial ports found")
}
