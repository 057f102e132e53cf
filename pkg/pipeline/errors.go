package pipeline

import (
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind names a validation or upstream failure the pipeline can hit,
// mapped to the external status the client sees.
type Kind int

const (
	ClientBadRequest Kind = iota
	MethodNotImplemented
	VersionUnsupported
	CapacityExhausted
	ResponseTooLarge
	UpstreamTimeout
	UpstreamUnreachable
	Internal
)

// Status returns the canonical external HTTP status for kind.
func (k Kind) Status() int {
	switch k {
	case ClientBadRequest:
		return http.StatusBadRequest
	case MethodNotImplemented:
		return http.StatusNotImplemented
	case VersionUnsupported:
		return http.StatusHTTPVersionNotSupported
	case CapacityExhausted:
		return http.StatusServiceUnavailable
	case ResponseTooLarge:
		return http.StatusRequestEntityTooLarge
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	case UpstreamUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// htmlBodies holds the canonical HTML error bodies
// (400, 403, 404, 500, 501, 505); every other status falls back to a
// small plain-text body.
var htmlBodies = map[int]string{
	http.StatusBadRequest:              "<html><body><h1>400 Bad Request</h1></body></html>",
	http.StatusForbidden:                "<html><body><h1>403 Forbidden</h1></body></html>",
	http.StatusNotFound:                 "<html><body><h1>404 Not Found</h1></body></html>",
	http.StatusInternalServerError:      "<html><body><h1>500 Internal Server Error</h1></body></html>",
	http.StatusNotImplemented:           "<html><body><h1>501 Not Implemented</h1></body></html>",
	http.StatusHTTPVersionNotSupported:  "<html><body><h1>505 HTTP Version Not Supported</h1></body></html>",
}

// Body returns the response body kind writes: a canonical HTML page for
// the statuses with a custom body, otherwise the bare status text.
func (k Kind) Body() []byte {
	status := k.Status()
	if html, ok := htmlBodies[status]; ok {
		return []byte(html)
	}
	return []byte(http.StatusText(status))
}

// WriteError writes a complete, closed HTTP/1.1 error response for kind
// directly on conn: status line, Date and Server headers, Content-Length,
// Connection: close, then body.
func WriteError(conn net.Conn, kind Kind) error {
	status := kind.Status()
	body := kind.Body()
	_, err := fmt.Fprintf(conn,
		"HTTP/1.1 %d %s\r\nDate: %s\r\nServer: NodeProxy/1.0\r\nContent-Length: %d\r\nContent-Type: text/html\r\nConnection: close\r\n\r\n%s",
		status, http.StatusText(status), time.Now().UTC().Format(http.TimeFormat), len(body), body)
	return err
}
