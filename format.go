package main

import (
	"strconv"
	"time"

	"openenterprise/dualboot/ota"
	"openenterprise/dualboot/version"
)

// formatRemoteIP formats a remote IP address as a string for logging
func formatRemoteIP(addr []byte) string {
	if len(addr) == 4 {
		// IPv4
		var buf [15]byte // max "255.255.255.255"
		pos := 0
		for i := 0; i < 4; i++ {
			if i > 0 {
				buf[pos] = '.'
				pos++
			}
			pos += len(strconv.AppendUint(buf[pos:pos], uint64(addr[i]), 10))
		}
		return string(buf[:pos])
	}
	return "unknown"
}

// bootReport builds the announcement published once per boot:
// key=value pairs separated by spaces.
func bootReport(running ota.Bank, confirmed bool, updateAddr string) []byte {
	b := make([]byte, 0, 128)
	b = append(b, "bank="...)
	b = append(b, running.Label...)
	b = append(b, " offset=0x"...)
	b = strconv.AppendUint(b, uint64(running.Offset), 16)
	b = append(b, " confirmed="...)
	b = strconv.AppendBool(b, confirmed)
	b = append(b, " update="...)
	b = append(b, updateAddr...)
	b = append(b, " version="...)
	b = append(b, version.String()...)
	return b
}

// pollUntil calls try every interval until it reports true or deadline
// passes. feed runs before every attempt. A zero deadline waits forever.
func pollUntil(try func() bool, deadline time.Time, interval time.Duration, feed func()) bool {
	for {
		if feed != nil {
			feed()
		}
		if try() {
			return true
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(interval)
	}
}
