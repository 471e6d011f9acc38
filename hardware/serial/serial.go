//go:build linux

// Package serial opens tty in raw 8N1 mode.
package serial

import (
	"os"
	"syscall"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

type Port struct {
	*os.File
	t unix.Termios
}

var bauds = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
	921600: unix.B921600,
}

// Open configures raw mode at baud. baud=0 keeps current line settings,
// so plain files and pipes may be used as source.
func Open(path string, baud int) (*Port, error) {
	var speed uint32
	if baud != 0 {
		var ok bool
		if speed, ok = bauds[baud]; !ok {
			return nil, errors.NotSupportedf("baud=%d", baud)
		}
	}
	f, err := os.OpenFile(path, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_CLOEXEC, 0600)
	if err != nil {
		return nil, errors.Annotatef(err, "serial open path=%s", path)
	}
	p := &Port{File: f}
	if baud == 0 {
		return p, nil
	}
	if err = p.makeRaw(speed); err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "serial termios path=%s", path)
	}
	return p, nil
}

func (p *Port) makeRaw(speed uint32) error {
	fd := int(p.Fd())
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	t.Ispeed = speed
	t.Ospeed = speed
	// block until at least one byte
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
	if err = unix.IoctlSetTermios(fd, unix.TCSETSF, t); err != nil {
		return err
	}
	p.t = *t
	return nil
}
