/*
plug-controller - Power monitoring smart plug controller
Copyright (C) 2025, The plug-controller Authors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

package serialhelper

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/DasAuto39/plug-controller/internal/logging"
	"github.com/tarm/serial"
)

var log = logging.NewLogger("info")

const (
	cmdlineFile = "/boot/firmware/cmdline.txt"

	// Per read() wait used while collecting a response. tarm/serial rounds
	// this up to the termios resolution of 100ms.
	readPollInterval = 50 * time.Millisecond
)

type SerialUnavailableError struct {
	msg string
}

func (e *SerialUnavailableError) Error() string {
	return e.msg
}

func NewSerialUnavailableError(msg string) error {
	return &SerialUnavailableError{msg: msg}
}

// Config describes the serial link to the energy meter.
type Config struct {
	Device    string
	Baud      int
	Retries   int
	RetryWait time.Duration
	// SetUARTPins switches GPIO14/15 to their UART function before opening.
	SetUARTPins bool
}

// rawPort is satisfied by *serial.Port.
type rawPort interface {
	io.ReadWriteCloser
	Flush() error
}

// Port is a locked serial port with the request/response helpers the meter
// driver needs.
type Port struct {
	device   string
	lockFile *os.File
	port     rawPort
	closed   bool

	// A read left running when ReadUpTo timed out. The next ReadUpTo
	// takes its bytes first.
	pending chan readResult
}

type readResult struct {
	data []byte
	err  error
}

// SerialInUseFromTerminal reports if the kernel console is attached to device.
func SerialInUseFromTerminal(device string) bool {
	b, err := os.ReadFile(cmdlineFile)
	if err != nil {
		log.Debugf("Error when reading %s: %s", cmdlineFile, err)
		return false
	}
	name := strings.TrimPrefix(device, "/dev/")
	return strings.Contains(string(b), "console="+name)
}

// Open locks and opens the serial port. Close must be called to release it.
func Open(c Config) (*Port, error) {
	lockFile, err := GetSerial(c.Device, c.Retries, c.RetryWait)
	if err != nil {
		return nil, err
	}

	if c.SetUARTPins {
		if err := setUARTPinFunctions(); err != nil {
			ReleaseSerial(lockFile)
			return nil, err
		}
	}

	serialPort, err := serial.OpenPort(&serial.Config{
		Name:        c.Device,
		Baud:        c.Baud,
		ReadTimeout: readPollInterval,
	})
	if err != nil {
		ReleaseSerial(lockFile)
		return nil, fmt.Errorf("failed to open %s: %w", c.Device, err)
	}
	log.Debugf("Opened %s at %d baud", c.Device, c.Baud)

	return &Port{
		device:   c.Device,
		lockFile: lockFile,
		port:     serialPort,
	}, nil
}

// GetSerial will try to get a file lock on the serial port.
// defer ReleaseSerial(serialFile) should be called to release the lock and close the serial file.
func GetSerial(device string, retries int, wait time.Duration) (*os.File, error) {
	// Check if serial is in use by the terminal console.
	if SerialInUseFromTerminal(device) {
		return nil, NewSerialUnavailableError("serial is in use by the terminal console")
	}

	serialFile, err := os.OpenFile(device, os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	lockAcquired := false
	defer func() {
		if !lockAcquired {
			serialFile.Close()
		}
	}()

	i := retries
	for {
		err = syscall.Flock(int(serialFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			lockAcquired = true
			break
		}

		var errno syscall.Errno
		if !errors.As(err, &errno) || errno != syscall.EWOULDBLOCK {
			return nil, err
		}

		log.Printf("Serial port is locked. Checking locking process...")
		process, err := getLockingProcess(device)
		if err != nil {
			log.Printf("Error checking locking process: %v", err)
		} else if process == "" {
			log.Printf("No active process found holding the lock. Forcing lock acquisition...")
			if err := syscall.Flock(int(serialFile.Fd()), syscall.LOCK_UN); err != nil {
				return nil, fmt.Errorf("failed to force unlock: %w", err)
			}
			continue
		} else {
			log.Printf("Serial port is locked by process: %s", process)
		}

		if i <= 0 {
			return nil, NewSerialUnavailableError("failed to get lock on serial, might be in use by other process")
		}
		log.Printf("Serial port is locked by another process. Retrying %d more times in %s...", i, wait)
		time.Sleep(wait)
		i--
	}

	return serialFile, nil
}

func setUARTPinFunctions() error {
	for _, pin := range []string{"14", "15"} {
		out, err := exec.Command("raspi-gpio", "set", pin, "a0").CombinedOutput()
		if err != nil {
			return fmt.Errorf("failed to set GPIO%s to a0(UART): %v, output: %s", pin, err, out)
		}
	}
	return nil
}

func getLockingProcess(serialPath string) (string, error) {
	cmd := exec.Command("fuser", serialPath)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	err := cmd.Run()
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) && exitError.ExitCode() == 1 {
			// Exit code 1 from `fuser` means no process is using the file
			return "", nil
		}
		return "", fmt.Errorf("failed to execute fuser: %w", err)
	}
	return output.String(), nil
}

func ReleaseSerial(serialFile *os.File) error {
	defer serialFile.Close()
	return syscall.Flock(int(serialFile.Fd()), syscall.LOCK_UN)
}

// Write sends the whole request or fails.
func (p *Port) Write(data []byte) (int, error) {
	n, err := p.port.Write(data)
	if err != nil {
		return n, err
	}
	if n != len(data) {
		return n, fmt.Errorf("wrote %d bytes, expected %d", n, len(data))
	}
	return n, nil
}

// FlushInput discards anything left over from an earlier exchange.
func (p *Port) FlushInput() error {
	if p.pending != nil {
		select {
		case <-p.pending:
			p.pending = nil
		default:
		}
	}
	return p.port.Flush()
}

// ReadUpTo collects at most n bytes, returning early once n have arrived.
// Running out of time is not an error; the caller checks the length.
// Each read() can block for a whole termios tick, so reads run in the
// background and the timeout is enforced here.
func (p *Port) ReadUpTo(n int, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	buf := make([]byte, 0, n)
	for len(buf) < n {
		if p.pending == nil {
			p.pending = p.startRead(n - len(buf))
		}
		select {
		case r := <-p.pending:
			p.pending = nil
			buf = append(buf, r.data...)
			if r.err != nil && r.err != io.EOF {
				return truncate(buf, n), r.err
			}
		case <-timer.C:
			return buf, nil
		}
	}
	return truncate(buf, n), nil
}

func (p *Port) startRead(n int) chan readResult {
	ch := make(chan readResult, 1)
	go func() {
		b := make([]byte, n)
		m, err := p.port.Read(b)
		ch <- readResult{data: b[:m], err: err}
	}()
	return ch
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}

// Close releases the port and its lock. Calling it again does nothing.
func (p *Port) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.port.Close()
	if p.lockFile == nil {
		return err
	}
	if releaseErr := ReleaseSerial(p.lockFile); err == nil {
		err = releaseErr
	}
	return err
}

func (p *Port) String() string {
	return p.device
}
