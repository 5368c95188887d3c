package healthcheck

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// probeTCP attempts a TCP connect to addr within timeout. The three outcomes
// are success, refusal, and timeout, each with a distinct message.
func probeTCP(addr string, timeout time.Duration) Result {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", addr, timeout)
	elapsed := time.Since(start)
	if err != nil {
		msg := fmt.Sprintf("tcp connect to %s failed: %v", addr, err)
		if isTimeout(err) {
			msg = fmt.Sprintf("tcp connect to %s timed out after %s", addr, timeout)
		}
		return Result{Healthy: false, Message: msg, Elapsed: elapsed}
	}
	_ = conn.Close()
	return Result{Healthy: true, Elapsed: elapsed}
}

// probeHTTP connects, sends a minimal GET and classifies the status line.
// 2xx/3xx is healthy; anything else, including an empty or malformed
// response, is a health verdict, not an error. The whole exchange shares one
// timeout budget.
func probeHTTP(addr, path string, timeout time.Duration) Result {
	if path == "" {
		path = "/"
	}
	start := time.Now()
	deadline := start.Add(timeout)

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		elapsed := time.Since(start)
		msg := fmt.Sprintf("http connect to %s failed: %v", addr, err)
		if isTimeout(err) {
			msg = fmt.Sprintf("http connect to %s timed out after %s", addr, timeout)
		}
		return Result{Healthy: false, Message: msg, Elapsed: elapsed}
	}
	defer conn.Close()

	_ = conn.SetDeadline(deadline)
	request := fmt.Sprintf("GET %s HTTP/1.1\r\nHost: %s\r\nConnection: close\r\n\r\n", path, addr)
	if _, err := conn.Write([]byte(request)); err != nil {
		return Result{
			Healthy: false,
			Message: fmt.Sprintf("http write to %s failed: %v", addr, err),
			Elapsed: time.Since(start),
		}
	}

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	elapsed := time.Since(start)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return Result{Healthy: false, Message: "empty response", Elapsed: elapsed}
		}
		msg := fmt.Sprintf("http read from %s failed: %v", addr, err)
		if isTimeout(err) {
			msg = fmt.Sprintf("http read from %s timed out after %s", addr, timeout)
		}
		return Result{Healthy: false, Message: msg, Elapsed: elapsed}
	}

	code, ok := parseStatusLine(string(buf[:n]))
	if !ok {
		return Result{Healthy: false, Message: "invalid HTTP response", Elapsed: elapsed}
	}
	if code >= 200 && code < 400 {
		return Result{Healthy: true, Elapsed: elapsed}
	}
	return Result{
		Healthy: false,
		Message: fmt.Sprintf("http status %d", code),
		Elapsed: elapsed,
	}
}

// parseStatusLine extracts the status code from "HTTP/1.x NNN ...".
func parseStatusLine(response string) (int, bool) {
	line, _, _ := strings.Cut(response, "\r\n")
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil || code < 100 || code > 599 {
		return 0, false
	}
	return code, true
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
