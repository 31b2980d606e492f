package inspector

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"syscall"
	"time"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// System is the Inspector backed by gopsutil.
type System struct{}

// New returns the host inspector.
func New() *System { return &System{} }

var _ Inspector = (*System)(nil)

func isNotRunning(err error) bool {
	return errors.Is(err, gopsproc.ErrorProcessNotRunning)
}

func (System) handle(pid int) (*gopsproc.Process, error) {
	if pid <= 0 {
		return nil, ErrNoProcess
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return nil, classify(err)
	}
	return p, nil
}

func (s System) Alive(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil {
		err = classify(err)
		if errors.Is(err, ErrNoProcess) {
			return false, nil
		}
		return false, err
	}
	if !ok {
		return false, nil
	}
	// A child that exited but was not reaped yet still owns its PID.
	p, err := s.handle(pid)
	if err != nil {
		if errors.Is(err, ErrNoProcess) {
			return false, nil
		}
		return false, err
	}
	if st, err := p.Status(); err == nil && slices.Contains(st, gopsproc.Zombie) {
		return false, nil
	}
	return true, nil
}

func (s System) Cmdline(pid int) ([]string, error) {
	p, err := s.handle(pid)
	if err != nil {
		return nil, err
	}
	args, err := p.CmdlineSlice()
	if err != nil {
		return nil, classify(err)
	}
	return args, nil
}

func (s System) Environ(pid int) ([]string, error) {
	p, err := s.handle(pid)
	if err != nil {
		return nil, err
	}
	env, err := p.Environ()
	if err != nil {
		return nil, classify(err)
	}
	return env, nil
}

func (s System) CreateTime(pid int) (time.Time, error) {
	p, err := s.handle(pid)
	if err != nil {
		return time.Time{}, err
	}
	ms, err := p.CreateTime()
	if err == nil && ms > 0 {
		return time.UnixMilli(ms), nil
	}
	if sec := procStartUnix(pid); sec > 0 {
		return time.Unix(sec, 0), nil
	}
	if err == nil {
		err = fmt.Errorf("create time unavailable for pid %d", pid)
	}
	return time.Time{}, classify(err)
}

func (s System) Usage(pid int) (Usage, error) {
	p, err := s.handle(pid)
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	// Lifetime average; the first sample of a fresh handle has nothing to diff against.
	if cpu, err := p.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return u, classify(err)
	}
	u.MemoryBytes = mem.RSS
	return u, nil
}

func (System) Listening(port int) (bool, error) {
	if port <= 0 || port > 65535 {
		return false, fmt.Errorf("invalid port %d", port)
	}
	conns, err := gopsnet.Connections("tcp")
	if err == nil {
		for _, c := range conns {
			if c.Status == "LISTEN" && c.Laddr.Port == uint32(port) {
				return true, nil
			}
		}
		return false, nil
	}
	// Socket table unreadable: fall back to a trial bind.
	return bindProbe(port)
}

func bindProbe(port int) (bool, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err == nil {
		_ = ln.Close()
		return false, nil
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true, nil
	}
	return false, fmt.Errorf("probe port %d: %w", port, err)
}
