package profiles

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
)

// Engine outbound documents. Field order is fixed so the same profile always
// materializes to the same bytes.

type outbound struct {
	Tag            string          `json:"tag"`
	Protocol       string          `json:"protocol"`
	Settings       any             `json:"settings,omitempty"`
	StreamSettings *streamSettings `json:"streamSettings,omitempty"`
}

type vnextSettings struct {
	Vnext []vnextServer `json:"vnext"`
}

type vnextServer struct {
	Address string      `json:"address"`
	Port    int         `json:"port"`
	Users   []vnextUser `json:"users"`
}

type vnextUser struct {
	ID         string `json:"id"`
	AlterID    *int   `json:"alterId,omitempty"`
	Security   string `json:"security,omitempty"`
	Encryption string `json:"encryption,omitempty"`
	Flow       string `json:"flow,omitempty"`
	Level      int    `json:"level"`
}

type serverSettings struct {
	Servers []server `json:"servers"`
}

type server struct {
	Address  string `json:"address"`
	Port     int    `json:"port"`
	Method   string `json:"method,omitempty"`
	Password string `json:"password"`
	Level    int    `json:"level"`
}

type streamSettings struct {
	Network             string               `json:"network"`
	Security            string               `json:"security"`
	TLSSettings         *tlsSettings         `json:"tlsSettings,omitempty"`
	RealitySettings     *realitySettings     `json:"realitySettings,omitempty"`
	TCPSettings         *tcpSettings         `json:"tcpSettings,omitempty"`
	WSSettings          *wsSettings          `json:"wsSettings,omitempty"`
	GRPCSettings        *grpcSettings        `json:"grpcSettings,omitempty"`
	HTTPSettings        *httpSettings        `json:"httpSettings,omitempty"`
	HTTPUpgradeSettings *httpUpgradeSettings `json:"httpupgradeSettings,omitempty"`
}

type tlsSettings struct {
	ServerName    string   `json:"serverName,omitempty"`
	AllowInsecure bool     `json:"allowInsecure"`
	Fingerprint   string   `json:"fingerprint,omitempty"`
	ALPN          []string `json:"alpn,omitempty"`
}

type realitySettings struct {
	ServerName  string `json:"serverName,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	PublicKey   string `json:"publicKey"`
	ShortID     string `json:"shortId,omitempty"`
	SpiderX     string `json:"spiderX,omitempty"`
}

type tcpSettings struct {
	Header tcpHeader `json:"header"`
}

type tcpHeader struct {
	Type    string          `json:"type"`
	Request *tcpHTTPRequest `json:"request,omitempty"`
}

type tcpHTTPRequest struct {
	Path    []string            `json:"path,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
}

type wsSettings struct {
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type grpcSettings struct {
	ServiceName string `json:"serviceName"`
	MultiMode   bool   `json:"multiMode"`
}

type httpSettings struct {
	Path string   `json:"path,omitempty"`
	Host []string `json:"host,omitempty"`
}

type httpUpgradeSettings struct {
	Path string `json:"path,omitempty"`
	Host string `json:"host,omitempty"`
}

// transport collects the stream parameters shared by every scheme, whether
// they arrive as URI query parameters or vmess JSON fields.
type transport struct {
	network       string
	security      string
	sni           string
	fingerprint   string
	alpn          string
	publicKey     string
	shortID       string
	spiderX       string
	path          string
	host          string
	serviceName   string
	mode          string
	headerType    string
	allowInsecure bool
}

func transportFromQuery(q url.Values) transport {
	return transport{
		network:       q.Get("type"),
		security:      q.Get("security"),
		sni:           firstNonEmpty(q.Get("sni"), q.Get("peer")),
		fingerprint:   q.Get("fp"),
		alpn:          q.Get("alpn"),
		publicKey:     q.Get("pbk"),
		shortID:       q.Get("sid"),
		spiderX:       q.Get("spx"),
		path:          q.Get("path"),
		host:          q.Get("host"),
		serviceName:   q.Get("serviceName"),
		mode:          q.Get("mode"),
		headerType:    q.Get("headerType"),
		allowInsecure: q.Get("allowInsecure") == "1" || strings.EqualFold(q.Get("allowInsecure"), "true"),
	}
}

// build validates the transport and renders streamSettings. defaultHost is
// used as the TLS server name when none is given.
func (t transport) build(scheme domain.Scheme, defaultHost string) (*streamSettings, error) {
	network := strings.ToLower(t.network)
	switch network {
	case "", "raw":
		network = "tcp"
	case "h2":
		network = "http"
	}

	ss := &streamSettings{Network: network}
	switch network {
	case "tcp":
		if t.headerType == "http" {
			req := &tcpHTTPRequest{}
			if t.path != "" {
				req.Path = strings.Split(t.path, ",")
			}
			if t.host != "" {
				req.Headers = map[string][]string{"Host": strings.Split(t.host, ",")}
			}
			ss.TCPSettings = &tcpSettings{Header: tcpHeader{Type: "http", Request: req}}
		} else if t.headerType != "" && t.headerType != "none" {
			return nil, domain.DecodeError(scheme, "unsupported tcp header type %q", t.headerType)
		}
	case "ws":
		ws := &wsSettings{Path: t.path}
		if t.host != "" {
			ws.Headers = map[string]string{"Host": t.host}
		}
		ss.WSSettings = ws
	case "grpc":
		ss.GRPCSettings = &grpcSettings{ServiceName: t.serviceName, MultiMode: t.mode == "multi"}
	case "http":
		hs := &httpSettings{Path: t.path}
		if t.host != "" {
			hs.Host = strings.Split(t.host, ",")
		}
		ss.HTTPSettings = hs
	case "httpupgrade":
		ss.HTTPUpgradeSettings = &httpUpgradeSettings{Path: t.path, Host: t.host}
	default:
		return nil, domain.DecodeError(scheme, "unsupported transport %q", t.network)
	}

	security := strings.ToLower(t.security)
	switch security {
	case "", "none":
		ss.Security = "none"
	case "tls":
		ss.Security = "tls"
		tls := &tlsSettings{
			ServerName:    firstNonEmpty(t.sni, defaultHost),
			AllowInsecure: t.allowInsecure,
			Fingerprint:   t.fingerprint,
		}
		if t.alpn != "" {
			tls.ALPN = strings.Split(t.alpn, ",")
		}
		ss.TLSSettings = tls
	case "reality":
		if t.publicKey == "" {
			return nil, domain.DecodeError(scheme, "reality security requires a public key (pbk)")
		}
		ss.Security = "reality"
		ss.RealitySettings = &realitySettings{
			ServerName:  t.sni,
			Fingerprint: firstNonEmpty(t.fingerprint, "chrome"),
			PublicKey:   t.publicKey,
			ShortID:     t.shortID,
			SpiderX:     t.spiderX,
		}
	default:
		return nil, domain.DecodeError(scheme, "unsupported security %q", t.security)
	}
	return ss, nil
}

func parsePort(scheme domain.Scheme, raw string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || port < 1 || port > 65535 {
		return 0, domain.DecodeError(scheme, "invalid port %q", raw)
	}
	return port, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
