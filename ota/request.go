package ota

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"math"
	"strings"
)

// MaxLineLength bounds a single request or header line.
const MaxLineLength = 1024

// Recognized header prefixes. Matching is case-sensitive.
const (
	headerAuthorization = "Authorization: "
	headerContentLength = "Content-Length: "
	headerExpect        = "Expect:"
)

// Request is the part of a client request the update engine cares about.
type Request struct {
	Method        string
	Path          string
	Proto         string
	ContentLength int64
	Authorization string
	HasAuth       bool
	Expect        string
	HasExpect     bool
}

// ExpectsContinue reports whether the client waits for an interim
// 100 Continue before sending the body.
func (r *Request) ExpectsContinue() bool {
	return r.HasExpect && strings.EqualFold(r.Expect, "100-continue")
}

// ReadRequest reads the request line and header block from br, leaving br
// positioned at the first body byte. Only the first occurrence of each
// recognized header is kept; all other headers are discarded.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	line, err := readLine(br)
	if err != nil {
		return nil, err
	}
	req := &Request{}
	req.Method, req.Path, req.Proto = splitRequestLine(line)

	var seenLength bool
	for {
		line, err = readLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return req, nil
		}
		switch {
		case strings.HasPrefix(line, headerAuthorization):
			if !req.HasAuth {
				req.Authorization = line[len(headerAuthorization):]
				req.HasAuth = true
			}
		case strings.HasPrefix(line, headerContentLength):
			if !seenLength {
				req.ContentLength = parseLength(line[len(headerContentLength):])
				seenLength = true
			}
		case strings.HasPrefix(line, headerExpect):
			if !req.HasExpect {
				req.Expect = strings.TrimSpace(line[len(headerExpect):])
				req.HasExpect = true
			}
		}
	}
}

// readLine reads one LF-terminated line and trims surrounding whitespace,
// which drops a trailing CR.
func readLine(br *bufio.Reader) (string, error) {
	var buf []byte
	for {
		frag, err := br.ReadSlice('\n')
		if len(buf)+len(frag) > MaxLineLength {
			return "", ErrHeaderTooLarge
		}
		buf = append(buf, frag...)
		switch {
		case err == nil:
			return string(bytes.TrimSpace(buf)), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return "", ErrConnLost
		default:
			return "", errors.Join(ErrConnLost, err)
		}
	}
}

// splitRequestLine splits "<METHOD> <PATH> <PROTO>". Missing parts are empty.
func splitRequestLine(line string) (method, path, proto string) {
	method, rest, _ := strings.Cut(line, " ")
	path, proto, _ = strings.Cut(rest, " ")
	return method, path, strings.TrimSpace(proto)
}

// parseLength parses a decimal length the way a lenient atol does:
// optional leading blanks and sign, then digits up to the first non-digit.
// No digits yields 0.
func parseLength(s string) int64 {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	neg := false
	if i < len(s) && (s[i] == '-' || s[i] == '+') {
		neg = s[i] == '-'
		i++
	}
	var n int64
	for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		if n >= math.MaxInt64/10 {
			n = math.MaxInt64
			continue
		}
		n = n*10 + int64(s[i]-'0')
	}
	if neg {
		return -n
	}
	return n
}
