//go:build linuxgpib && cgo

package gpib

/*
#cgo LDFLAGS: -lgpib
#include <stdlib.h>
#include <gpib/ib.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

const ibstaERR = 0x8000

// LinuxBus talks to boards through the linux-gpib user space library.
type LinuxBus struct {
	handles []Handle
}

// OpenLinuxBus returns a Bus backed by libgpib.
func OpenLinuxBus() (Bus, error) {
	return &LinuxBus{}, nil
}

// check turns the ibsta of the last call into an error.
func check(op string, sta C.int) error {
	if int(sta)&ibstaERR == 0 {
		return nil
	}
	iberr := int(C.ThreadIberr())
	return &Error{
		Op:   op,
		Kind: KindFromIberr(iberr),
		Code: iberr,
		Err:  fmt.Errorf("ibsta=0x%x iberr=%d", int(sta), iberr),
	}
}

func (b *LinuxBus) Open(addr Address, opts OpenOptions) (Handle, error) {
	eot := 0
	if opts.SendEOI {
		eot = 1
	}
	ud := C.ibdev(C.int(addr.Board), C.int(addr.Unit), C.int(opts.SecondaryAddr),
		C.int(opts.TimeoutCode), C.int(eot), C.int(opts.EOS))
	if ud < 0 {
		iberr := int(C.ThreadIberr())
		return 0, &Error{Op: "open", Kind: KindFromIberr(iberr), Code: iberr,
			Err: fmt.Errorf("ibdev %s failed", addr)}
	}
	h := Handle(ud)
	b.handles = append(b.handles, h)
	return h, nil
}

func (b *LinuxBus) Write(h Handle, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	sta := C.ibwrt(C.int(h), unsafe.Pointer(&data[0]), C.long(len(data)))
	if err := check("write", sta); err != nil {
		return 0, err
	}
	return int(C.ThreadIbcntl()), nil
}

func (b *LinuxBus) Read(h Handle, max int) ([]byte, error) {
	if max <= 0 {
		return nil, nil
	}
	buf := C.malloc(C.size_t(max))
	defer C.free(buf)

	sta := C.ibrd(C.int(h), buf, C.long(max))
	if err := check("read", sta); err != nil {
		return nil, err
	}
	n := int(C.ThreadIbcntl())
	return C.GoBytes(buf, C.int(n)), nil
}

func (b *LinuxBus) Clear(h Handle) error {
	return check("clear", C.ibclr(C.int(h)))
}

func (b *LinuxBus) Command(board int, cmd []byte) error {
	if len(cmd) == 0 {
		return nil
	}
	return check("command", C.ibcmd(C.int(board), unsafe.Pointer(&cmd[0]), C.long(len(cmd))))
}

func (b *LinuxBus) Lines(board int) (uint16, error) {
	var lines C.short
	if err := check("lines", C.iblines(C.int(board), &lines)); err != nil {
		return 0, err
	}
	return uint16(lines), nil
}

func (b *LinuxBus) GoToStandby(board int) error {
	return check("atn", C.ibgts(C.int(board), 0))
}

func (b *LinuxBus) TakeControl(board int) error {
	return check("atn", C.ibcac(C.int(board), 0))
}

func (b *LinuxBus) RemoteEnable(board int, enable bool) error {
	v := 0
	if enable {
		v = 1
	}
	return check("ren", C.ibsre(C.int(board), C.int(v)))
}

// Close takes every opened device descriptor offline.
func (b *LinuxBus) Close() error {
	for _, h := range b.handles {
		C.ibonl(C.int(h), 0)
	}
	b.handles = nil
	return nil
}
