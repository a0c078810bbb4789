package profiles

import (
	"net"
	"net/url"
	"strings"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
)

var shadowsocksMethods = map[string]bool{
	"aes-128-gcm":                   true,
	"aes-256-gcm":                   true,
	"chacha20-poly1305":             true,
	"chacha20-ietf-poly1305":        true,
	"xchacha20-poly1305":            true,
	"xchacha20-ietf-poly1305":       true,
	"2022-blake3-aes-128-gcm":       true,
	"2022-blake3-aes-256-gcm":       true,
	"2022-blake3-chacha20-poly1305": true,
	"none":                          true,
	"plain":                         true,
}

// decodeShadowsocks handles SIP002 links (ss://userinfo@host:port#label, with
// userinfo either base64 or percent-encoded method:password) and the legacy
// ss://base64(method:password@host:port)#label form. Plugin links are not
// supported by the engine outbound and are rejected.
func decodeShadowsocks(serialized string) (outbound, string, error) {
	body := strings.TrimPrefix(serialized, "ss://")

	label := ""
	if i := strings.IndexByte(body, '#'); i >= 0 {
		frag, err := url.PathUnescape(body[i+1:])
		if err != nil {
			frag = body[i+1:]
		}
		label = strings.TrimSpace(frag)
		body = body[:i]
	}

	query := ""
	if i := strings.IndexByte(body, '?'); i >= 0 {
		query = body[i+1:]
		body = body[:i]
	}
	body = strings.TrimSuffix(body, "/")
	if query != "" {
		q, err := url.ParseQuery(query)
		if err != nil {
			return outbound{}, "", domain.DecodeError(domain.SchemeShadowsocks, "malformed query: %v", err)
		}
		if q.Get("plugin") != "" {
			return outbound{}, "", domain.DecodeError(domain.SchemeShadowsocks, "plugin links are not supported")
		}
	}

	if !strings.Contains(body, "@") {
		decoded, err := decodeBase64(body)
		if err != nil {
			return outbound{}, "", domain.DecodeError(domain.SchemeShadowsocks, "payload is not base64: %v", err)
		}
		body = string(decoded)
	}

	at := strings.LastIndexByte(body, '@')
	if at < 0 {
		return outbound{}, "", domain.DecodeError(domain.SchemeShadowsocks, "missing server address")
	}
	userinfo, hostport := body[:at], body[at+1:]

	method, password, err := splitShadowsocksUser(userinfo)
	if err != nil {
		return outbound{}, "", err
	}
	if !shadowsocksMethods[method] {
		return outbound{}, "", domain.DecodeError(domain.SchemeShadowsocks, "unsupported cipher %q", method)
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil || host == "" {
		return outbound{}, "", domain.DecodeError(domain.SchemeShadowsocks, "malformed server address %q", hostport)
	}
	port, err := parsePort(domain.SchemeShadowsocks, portStr)
	if err != nil {
		return outbound{}, "", err
	}

	return outbound{
		Tag:      proxyTag,
		Protocol: "shadowsocks",
		Settings: serverSettings{Servers: []server{{
			Address:  host,
			Port:     port,
			Method:   method,
			Password: password,
		}}},
		StreamSettings: &streamSettings{Network: "tcp", Security: "none"},
	}, label, nil
}

func splitShadowsocksUser(userinfo string) (string, string, error) {
	plain := userinfo
	if !strings.Contains(userinfo, ":") {
		decoded, err := decodeBase64(userinfo)
		if err != nil {
			return "", "", domain.DecodeError(domain.SchemeShadowsocks, "credentials are not base64: %v", err)
		}
		plain = string(decoded)
	} else if unescaped, err := url.PathUnescape(userinfo); err == nil {
		plain = unescaped
	}

	method, password, ok := strings.Cut(plain, ":")
	if !ok || method == "" || password == "" {
		return "", "", domain.DecodeError(domain.SchemeShadowsocks, "credentials must be method:password")
	}
	return strings.ToLower(method), password, nil
}
