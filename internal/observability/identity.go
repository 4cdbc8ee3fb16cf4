package observability

import (
	"net"
	"net/http"
	"strings"
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderDeviceID  = "X-Device-Id"
)

// Identity describes the client behind a request, for events and audit.
type Identity struct {
	RequestID string
	DeviceID  string
	IP        string
}

func IdentityFromRequest(r *http.Request) Identity {
	return Identity{
		RequestID: r.Header.Get(HeaderRequestID),
		DeviceID:  r.Header.Get(HeaderDeviceID),
		IP:        IPFromRequest(r),
	}
}

// Map renders the identity the way event payloads embed it.
func (i Identity) Map() map[string]interface{} {
	return map[string]interface{}{
		"device_id": i.DeviceID,
		"ip":        i.IP,
	}
}

func IPFromRequest(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
