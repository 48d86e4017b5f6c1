package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/treykane/chrome-server/internal/fault"
)

const maxHeadBytes = 64 << 10

// requestHead is a request line plus header lines exactly as the client sent
// them. Lines keep their original terminators, casing and order so they can
// be forwarded byte-for-byte.
type requestHead struct {
	Method string
	Target string
	Proto  string
	Lines  [][]byte
}

// Version returns "1.1" for "HTTP/1.1".
func (h *requestHead) Version() string {
	return strings.TrimPrefix(h.Proto, "HTTP/")
}

// Values returns every value of the named header, trimmed.
func (h *requestHead) Values(name string) []string {
	var out []string
	for _, line := range h.Lines {
		k, v, ok := bytes.Cut(line, []byte{':'})
		if !ok || !strings.EqualFold(string(bytes.TrimSpace(k)), name) {
			continue
		}
		out = append(out, string(bytes.TrimSpace(v)))
	}
	return out
}

// Header returns the first value of the named header.
func (h *requestHead) Header(name string) string {
	if v := h.Values(name); len(v) > 0 {
		return v[0]
	}
	return ""
}

// forward renders the head for the upstream: the request line rebuilt from
// its parts followed by the untouched header lines.
func (h *requestHead) forward() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s %s\r\n", h.Method, h.Target, h.Proto)
	for _, line := range h.Lines {
		b.Write(line)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// bodyFraming describes how the request body following a head is delimited.
type bodyFraming struct {
	chunked bool
	length  int64
}

func (h *requestHead) framing() (bodyFraming, error) {
	if te := h.Values("Transfer-Encoding"); len(te) > 0 {
		codings := strings.Split(te[len(te)-1], ",")
		last := strings.TrimSpace(codings[len(codings)-1])
		if strings.EqualFold(last, "chunked") {
			return bodyFraming{chunked: true}, nil
		}
		return bodyFraming{}, fault.New(fault.ProtocolViolation, "read request", "unsupported transfer-encoding "+last, nil)
	}
	cl := h.Values("Content-Length")
	if len(cl) == 0 {
		return bodyFraming{}, nil
	}
	n, err := strconv.ParseInt(cl[0], 10, 64)
	if err != nil || n < 0 {
		return bodyFraming{}, fault.New(fault.ProtocolViolation, "read request", "bad content-length", err)
	}
	for _, v := range cl[1:] {
		if v != cl[0] {
			return bodyFraming{}, fault.New(fault.ProtocolViolation, "read request", "conflicting content-length", nil)
		}
	}
	return bodyFraming{length: n}, nil
}

// readHead reads one request head. io.EOF is returned untouched when the
// client closed the connection between requests.
func readHead(br *bufio.Reader) (*requestHead, error) {
	budget := maxHeadBytes
	var line []byte
	var err error
	for {
		line, err = readLine(br, &budget)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(line) == 0 {
					return nil, io.EOF
				}
				return nil, fault.New(fault.ProtocolViolation, "read request", "request line truncated", io.ErrUnexpectedEOF)
			}
			return nil, err
		}
		if len(trimEOL(line)) > 0 {
			break
		}
	}

	parts := strings.Split(string(trimEOL(line)), " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, fault.New(fault.ProtocolViolation, "read request", fmt.Sprintf("malformed request line %q", trimEOL(line)), nil)
	}
	h := &requestHead{Method: parts[0], Target: parts[1], Proto: parts[2]}

	for {
		line, err = readLine(br, &budget)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fault.New(fault.ProtocolViolation, "read request", "head truncated", io.ErrUnexpectedEOF)
			}
			return nil, err
		}
		if len(trimEOL(line)) == 0 {
			return h, nil
		}
		if line[0] != ' ' && line[0] != '\t' && !bytes.Contains(line, []byte{':'}) {
			return nil, fault.New(fault.ProtocolViolation, "read request", fmt.Sprintf("malformed header line %q", trimEOL(line)), nil)
		}
		h.Lines = append(h.Lines, line)
	}
}

// readLine returns one line including its terminator, charging its length
// against budget.
func readLine(br *bufio.Reader, budget *int) ([]byte, error) {
	var out []byte
	for {
		frag, err := br.ReadSlice('\n')
		*budget -= len(frag)
		if *budget < 0 {
			return nil, fault.New(fault.ProtocolViolation, "read request", "head too large", nil)
		}
		out = append(out, frag...)
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			if errors.Is(err, io.EOF) {
				return out, io.EOF
			}
			return out, fault.Transport("read request", err)
		}
	}
}

func trimEOL(line []byte) []byte {
	return bytes.TrimRight(line, "\r\n")
}

// copyBody forwards exactly one request body from br to dst without
// decoding it.
func copyBody(dst io.Writer, br *bufio.Reader, f bodyFraming) (int64, error) {
	if !f.chunked {
		if f.length == 0 {
			return 0, nil
		}
		n, err := io.CopyN(dst, br, f.length)
		if err != nil && errors.Is(err, io.EOF) {
			err = fault.New(fault.ProtocolViolation, "relay body", "body truncated", io.ErrUnexpectedEOF)
		}
		return n, err
	}

	var total int64
	budget := maxHeadBytes
	for {
		line, err := readLine(br, &budget)
		if err != nil {
			return total, truncated(err)
		}
		if _, err := dst.Write(line); err != nil {
			return total, err
		}
		total += int64(len(line))

		sizeField, _, _ := strings.Cut(string(trimEOL(line)), ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeField), 16, 64)
		if err != nil || size < 0 {
			return total, fault.New(fault.ProtocolViolation, "relay body", "bad chunk size", err)
		}
		if size == 0 {
			// Trailer section runs up to and including the blank line.
			for {
				line, err := readLine(br, &budget)
				if err != nil {
					return total, truncated(err)
				}
				if _, err := dst.Write(line); err != nil {
					return total, err
				}
				total += int64(len(line))
				if len(trimEOL(line)) == 0 {
					return total, nil
				}
			}
		}
		n, err := io.CopyN(dst, br, size+2)
		total += n
		if err != nil {
			return total, truncated(err)
		}
	}
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) {
		return fault.New(fault.ProtocolViolation, "relay body", "body truncated", io.ErrUnexpectedEOF)
	}
	return err
}
