// Package appointment implements the process-state contracts of spec.md
// §6: a PID file locked with advisory OFD locking and truncated on clean
// exit, and an optional appointment lock file that assigns a stable
// small-integer identity to the process instance by locking the smallest
// free byte offset.
//
// Grounded on original_source's appointment.cpp/.hpp (referenced from
// _INDEX.md) for the byte-offset-locking scheme; OFD locking itself uses
// golang.org/x/sys/unix.FcntlFlock, since the stdlib os package exposes no
// locking primitive at all.
package appointment

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// PIDFile holds an advisory OFD lock on a PID file for the lifetime of the
// process.
type PIDFile struct {
	f *os.File
}

// AcquirePIDFile opens (or creates) path, takes an exclusive OFD lock, and
// writes the current PID. The lock is released automatically if the
// process dies; call Release for a clean, truncated exit.
func AcquirePIDFile(path string) (*PIDFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open pid file: %w", err)
	}

	lock := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	if err := unix.FcntlFlock(f.Fd(), unix.F_OFD_SETLK, &lock); err != nil {
		f.Close()
		return nil, fmt.Errorf("pid file %s is already locked (another instance running?): %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate pid file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pid file: %w", err)
	}

	return &PIDFile{f: f}, nil
}

// Release truncates and closes the PID file on clean exit, per spec.md §6
// ("truncated on clean exit").
func (p *PIDFile) Release() error {
	_ = p.f.Truncate(0)
	return p.f.Close()
}

// Appointment holds an advisory OFD lock on a single byte of a shared lock
// file, assigning this process instance a stable small-integer identity.
type Appointment struct {
	f   *os.File
	Seq int64
}

const maxAppointmentSlots = 65536

// Acquire locks the smallest free byte offset i >= 0 in path, per spec.md
// §6 ("locked at byte offset i for the smallest free i >= 0").
func Acquire(path string) (*Appointment, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open appointment file: %w", err)
	}

	for seq := int64(0); seq < maxAppointmentSlots; seq++ {
		lock := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: seq, Len: 1}
		if err := unix.FcntlFlock(f.Fd(), unix.F_OFD_SETLK, &lock); err == nil {
			return &Appointment{f: f, Seq: seq}, nil
		}
	}
	f.Close()
	return nil, fmt.Errorf("no free appointment slot in %s (tried 0..%d)", path, maxAppointmentSlots-1)
}

// Release unlocks this appointment's slot and closes the file handle.
func (a *Appointment) Release() error {
	lock := unix.Flock_t{Type: unix.F_UNLCK, Whence: 0, Start: a.Seq, Len: 1}
	_ = unix.FcntlFlock(a.f.Fd(), unix.F_OFD_SETLK, &lock)
	return a.f.Close()
}
