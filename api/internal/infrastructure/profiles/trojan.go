package profiles

import (
	"strings"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
)

// decodeTrojan handles trojan://password@host:port?security=..#label. Trojan
// defaults to TLS when the link does not say otherwise.
func decodeTrojan(serialized string) (outbound, string, error) {
	u, port, err := parseShareURI(domain.SchemeTrojan, serialized)
	if err != nil {
		return outbound{}, "", err
	}
	q := u.Query()

	t := transportFromQuery(q)
	if t.security == "" {
		t.security = "tls"
	}
	stream, err := t.build(domain.SchemeTrojan, u.Hostname())
	if err != nil {
		return outbound{}, "", err
	}

	return outbound{
		Tag:      proxyTag,
		Protocol: "trojan",
		Settings: serverSettings{Servers: []server{{
			Address:  u.Hostname(),
			Port:     port,
			Password: u.User.Username(),
		}}},
		StreamSettings: stream,
	}, strings.TrimSpace(u.Fragment), nil
}
