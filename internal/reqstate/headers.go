package reqstate

import (
	"bufio"
	"bytes"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// parsedHeader is the result of successfully parsing a backend's STDOUT
// header block: the status line (CGI "Status:" convention or a bare
// header-only response defaulting to 200) plus the HTTP header set and
// whatever response-body bytes followed the header terminator in the same
// accumulated buffer.
type parsedHeader struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// headerAccumulator buffers STDOUT bytes across frames until a full header
// block (terminated by a blank line) has arrived, per spec 4.A: "if the
// response headers have not yet been parsed, accumulate this payload
// (possibly across frames) into a header buffer and invoke the external
// header parser each time more data arrives".
type headerAccumulator struct {
	buf bytes.Buffer
}

func (h *headerAccumulator) Write(p []byte) {
	h.buf.Write(p)
}

// TryParse attempts to parse the accumulated bytes as an HTTP response
// header block. ok is false while the terminating blank line has not yet
// arrived; the accumulator keeps its contents in that case so the next
// Write can extend it.
func (h *headerAccumulator) TryParse() (parsedHeader, bool, error) {
	raw := h.buf.Bytes()
	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	sep := 4
	if idx < 0 {
		idx = bytes.Index(raw, []byte("\n\n"))
		sep = 2
	}
	if idx < 0 {
		return parsedHeader{}, false, nil
	}

	headerBlock := raw[:idx]
	body := raw[idx+sep:]

	parsed, err := parseHeaderBlock(headerBlock)
	if err != nil {
		return parsedHeader{}, false, err
	}
	parsed.Body = body
	return parsed, true, nil
}

// parseHeaderBlock parses the CGI-style status/header block, following the
// same "Status:" convention and header-only fallback as production FastCGI
// clients in this ecosystem.
func parseHeaderBlock(block []byte) (parsedHeader, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(block)))

	line, err := tp.ReadLine()
	if err != nil {
		return parsedHeader{}, ErrMalformedResponse
	}

	statusCode := http.StatusOK
	var firstHeaderLine string
	if strings.HasPrefix(line, "Status:") {
		statusCode, err = parseStatusValue(strings.TrimSpace(strings.TrimPrefix(line, "Status:")))
		if err != nil {
			return parsedHeader{}, err
		}
	} else {
		// No status line: this line is itself the first header (or the
		// block is header-only with a 200 default), matching the CGI
		// convention of an implicit 200 when Status is absent.
		firstHeaderLine = line
	}

	var headerLines []string
	if firstHeaderLine != "" {
		headerLines = append(headerLines, firstHeaderLine)
	}
	for {
		l, err := tp.ReadLine()
		if err != nil || l == "" {
			break
		}
		headerLines = append(headerLines, l)
	}

	header := http.Header{}
	for _, l := range headerLines {
		name, value, ok := strings.Cut(l, ":")
		if !ok {
			continue
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	return parsedHeader{StatusCode: statusCode, Header: header}, nil
}

func parseStatusValue(v string) (int, error) {
	code := v
	if i := strings.IndexByte(v, ' '); i >= 0 {
		code = v[:i]
	}
	n, err := strconv.Atoi(code)
	if err != nil || n < 100 || n > 599 {
		return 0, ErrMalformedResponse
	}
	return n, nil
}
