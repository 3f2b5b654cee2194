package probe

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"time"
)

var timePattern = regexp.MustCompile(`time=([0-9.]+)\s*ms`)

// ExternalPinger invokes the system ping command for hosts without raw
// socket access.
type ExternalPinger struct {
	command string
}

// NewExternalPinger returns a prober that shells out to ping.
func NewExternalPinger() *ExternalPinger {
	return &ExternalPinger{command: "ping"}
}

// Probe runs the system ping command and parses the RTT from stdout.
func (p *ExternalPinger) Probe(ctx context.Context, target string, timeout time.Duration) Outcome {
	host, err := hostFromTarget(target)
	if err != nil {
		return Outcome{Err: err}
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, p.command, pingArgs(host, timeout)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{TimedOut: true, Err: fmt.Errorf("%w: external ping: %v", ErrTimeout, ctx.Err())}
		}
		return Outcome{Err: fmt.Errorf("external ping failed: %w", err)}
	}

	rtt := parseRTT(out)
	if rtt == 0 {
		rtt = time.Since(start)
	}
	return Outcome{Succeeded: true, RTT: rtt}
}

func pingArgs(addr string, timeout time.Duration) []string {
	switch runtime.GOOS {
	case "darwin":
		timeoutMs := max(100, int(timeout.Milliseconds()))
		return []string{"-n", "-c", "1", "-W", strconv.Itoa(timeoutMs), addr}
	default:
		timeoutSec := max(1, int(timeout.Seconds()+0.5))
		return []string{"-n", "-c", "1", "-W", strconv.Itoa(timeoutSec), addr}
	}
}

func parseRTT(output []byte) time.Duration {
	matches := timePattern.FindSubmatch(output)
	if len(matches) < 2 {
		return 0
	}
	value, err := strconv.ParseFloat(string(matches[1]), 64)
	if err != nil {
		return 0
	}
	return time.Duration(value * float64(time.Millisecond))
}
