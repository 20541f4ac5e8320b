package runner

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/camofleet/camofleet/internal/config"
)

// vncTools are the external commands required for interactive sessions.
var vncTools = []string{"Xvfb", "x11vnc", "websockify"}

// vncSession is a running virtual-display chain: an X server, a VNC
// server attached to it and a WS↔TCP adapter in front.
type vncSession struct {
	slot      Slot
	display   string // ":N"
	httpURL   string
	wsURL     string
	processes []*childProcess
}

// vncSupervisor starts and stops virtual-display chains, charging their
// numeric resources against the shared pool.
type vncSupervisor struct {
	cfg    *config.Runner
	pool   *ResourcePool
	logger *slog.Logger
}

func newVNCSupervisor(cfg *config.Runner, pool *ResourcePool, logger *slog.Logger) *vncSupervisor {
	return &vncSupervisor{cfg: cfg, pool: pool, logger: logger.With("component", "vnc")}
}

// toolsAvailable reports whether every display helper is on PATH.
func toolsAvailable() bool {
	for _, tool := range vncTools {
		if _, err := exec.LookPath(tool); err != nil {
			return false
		}
	}
	return true
}

// start brings up the full chain, gating each stage on its readiness
// probe. Partial failures tear down what started and release the slot.
func (v *vncSupervisor) start(ctx context.Context) (*vncSession, error) {
	slot, err := v.pool.Acquire()
	if err != nil {
		return nil, err
	}
	display := ":" + strconv.Itoa(slot.Display)
	v.logger.Debug("allocating VNC slot",
		"display", display, "vnc_port", slot.VNCPort, "ws_port", slot.WSPort)

	var procs []*childProcess
	fail := func(err error) (*vncSession, error) {
		v.terminateProcesses(procs)
		v.pool.Release(slot)
		return nil, err
	}

	xvfb, err := spawnProcess(v.logger, "vnc-xvfb:"+strconv.Itoa(slot.Display), []string{
		"Xvfb", display,
		"-screen", "0", v.cfg.VNCResolution,
		"+extension", "RANDR",
		"-nolisten", "tcp",
	}, nil)
	if err != nil {
		return fail(err)
	}
	procs = append(procs, xvfb)
	if err := waitForDisplaySocket(ctx, slot.Display, xvfb, v.cfg.VNCStartupTimeout); err != nil {
		return fail(err)
	}

	x11vnc, err := spawnProcess(v.logger, "vnc-x11vnc:"+strconv.Itoa(slot.Display), []string{
		"x11vnc",
		"-display", display,
		"-shared",
		"-forever",
		"-rfbport", strconv.Itoa(slot.VNCPort),
		"-localhost",
		"-nopw",
		"-quiet",
	}, nil)
	if err != nil {
		return fail(err)
	}
	procs = append(procs, x11vnc)

	websockifyArgs := []string{"websockify"}
	if assets := v.cfg.VNCWebAssetsPath; assets != "" {
		if info, statErr := os.Stat(assets); statErr == nil && info.IsDir() {
			websockifyArgs = append(websockifyArgs, "--web="+assets)
		}
	}
	websockifyArgs = append(websockifyArgs, strconv.Itoa(slot.WSPort), "127.0.0.1:"+strconv.Itoa(slot.VNCPort))
	websockify, err := spawnProcess(v.logger, "vnc-websockify:"+strconv.Itoa(slot.WSPort), websockifyArgs, nil)
	if err != nil {
		return fail(err)
	}
	procs = append(procs, websockify)
	if err := waitForPort(ctx, "127.0.0.1", slot.WSPort, websockify, v.cfg.VNCStartupTimeout); err != nil {
		return fail(err)
	}

	return &vncSession{
		slot:      slot,
		display:   display,
		httpURL:   composePublicURL(v.logger, v.cfg.VNCHTTPBase, slot.WSPort, "/vnc.html", queryParam{"path", "websockify"}),
		wsURL:     composePublicURL(v.logger, v.cfg.VNCWSBase, slot.WSPort, "/websockify"),
		processes: procs,
	}, nil
}

// stop tears the chain down and returns the slot to the pool. Safe to
// call with nil.
func (v *vncSupervisor) stop(s *vncSession) {
	if s == nil {
		return
	}
	v.terminateProcesses(s.processes)
	s.processes = nil
	v.pool.Release(s.slot)
}

// terminateProcesses kills helpers in reverse start order so the
// adapter drops before the servers behind it.
func (v *vncSupervisor) terminateProcesses(procs []*childProcess) {
	for i := len(procs) - 1; i >= 0; i-- {
		procs[i].kill()
	}
}
