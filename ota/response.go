package ota

import (
	"io"
	"strconv"
)

// writeResponse writes a complete plain-text response. The connection is
// always closed afterwards, which the Connection header announces.
func writeResponse(w io.Writer, code int, body string) error {
	buf := make([]byte, 0, 128+len(body))
	buf = append(buf, "HTTP/1.1 "...)
	buf = strconv.AppendInt(buf, int64(code), 10)
	buf = append(buf, ' ')
	buf = append(buf, StatusText(code)...)
	buf = append(buf, "\r\nConnection: close\r\nContent-Type: text/plain\r\nContent-Length: "...)
	buf = strconv.AppendInt(buf, int64(len(body)), 10)
	buf = append(buf, "\r\n\r\n"...)
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

func writeContinue(w io.Writer) error {
	_, err := io.WriteString(w, "HTTP/1.1 100 Continue\r\n\r\n")
	return err
}

// infoPage is the usage text served on GET /.
func infoPage(port uint16) string {
	p := strconv.Itoa(int(port))
	return "Welcome to the remote reprogramming interface!\n\n" +
		"Commands:\n" +
		"REPROGRAM: curl <IPv4>:" + p + "/sketch --data-binary @<path to bin file> " +
		"-H 'Expect: ' -H 'Authorization: <password>' -H 'Content-Length: <binary file size>'\n\n" +
		"SWITCH APP: curl <IPv4>:" + p + "/switch\n"
}
