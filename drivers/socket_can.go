package drivers

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"canscope/config"
	"canscope/models"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
	"golang.org/x/sys/unix"
)

// SocketCAN reads raw frames from a Linux CAN interface. The link is brought up listen-only, so the
// controller never acknowledges or transmits on the bus.
type SocketCAN struct {
	*config.SocketCANFlags

	mu    sync.Mutex
	conn  *os.File
	queue chan received

	// runIP runs the ip(8) tool, swapped out in tests.
	runIP func(args ...string) error
}

func NewSocketCAN(flags *config.SocketCANFlags) *SocketCAN {
	return &SocketCAN{
		SocketCANFlags: flags,
		runIP:          runIP,
	}
}

func (p *SocketCAN) Configure(rate models.BitRate) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closeLocked()

	if !p.SkipLinkSetup {
		if err := p.setLink(rate); err != nil {
			return &ConfigError{Rate: rate, Err: err}
		}
	}

	if err := p.openLocked(); err != nil {
		return &ConfigError{Rate: rate, Err: err}
	}

	log.Printf("socket-can %s armed at %s (listen-only)", p.SocketCanAddr, rate)
	return nil
}

func (p *SocketCAN) Poll() (can.Frame, error) {
	p.mu.Lock()
	queue := p.queue
	p.mu.Unlock()

	if queue == nil {
		return can.Frame{}, ErrNoFrame
	}

	frame, err := pollQueue(queue)
	if errors.Is(err, ErrClosed) {
		// report the dead socket once, then stay quiet until reconfigured
		p.mu.Lock()
		if p.queue == queue {
			p.queue = nil
		}
		p.mu.Unlock()
	}
	return frame, err
}

func (p *SocketCAN) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *SocketCAN) setLink(rate models.BitRate) error {
	steps := [][]string{
		{"link", "set", "dev", p.SocketCanAddr, "down"},
		{"link", "set", "dev", p.SocketCanAddr, "type", "can", "bitrate", strconv.Itoa(int(rate)), "listen-only", "on"},
		{"link", "set", "dev", p.SocketCanAddr, "up"},
	}
	for _, args := range steps {
		if err := p.runIP(args...); err != nil {
			return err
		}
	}
	return nil
}

func (p *SocketCAN) openLocked() error {
	ifi, err := net.InterfaceByName(p.SocketCanAddr)
	if err != nil {
		return fmt.Errorf("lookup interface %s: %w", p.SocketCanAddr, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("socketCAN open: %w", err)
	}

	// controller error frames come through as receive errors
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, unix.CAN_ERR_MASK); err != nil {
		unix.Close(fd)
		return fmt.Errorf("set error filter: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind raw: %w", err)
	}
	// non-blocking so the runtime poller owns the fd and Close unblocks the reader
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("set nonblock: %w", err)
	}

	p.conn = os.NewFile(uintptr(fd), fmt.Sprintf("can-%s", p.SocketCanAddr))
	p.queue = make(chan received, frameQueueSize)

	go receiveLoop(socketcan.NewReceiver(p.conn), p.queue)
	return nil
}

func (p *SocketCAN) closeLocked() error {
	p.queue = nil
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func receiveLoop(receiver *socketcan.Receiver, queue chan received) {
	defer close(queue)

	dropped := 0
	for receiver.Receive() {
		var r received
		if receiver.HasErrorFrame() {
			r.err = fmt.Errorf("bus error frame: %+v", receiver.ErrorFrame())
		} else {
			r.frame = receiver.Frame()
		}
		if !offer(queue, r) {
			dropped++
			if dropped%100 == 1 {
				log.Printf("socket-can queue full, dropped %d frames", dropped)
			}
		}
	}

	if err := receiver.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Printf("socket-can receive: %v", err)
	}
}

func runIP(args ...string) error {
	out, err := exec.Command("ip", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip %s: %w: %s", strings.Join(args, " "), err, bytes.TrimSpace(out))
	}
	return nil
}
