package profiles

import (
	"strings"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
)

// decodeVLESS handles vless://uuid@host:port?type=..&security=..#label
func decodeVLESS(serialized string) (outbound, string, error) {
	u, port, err := parseShareURI(domain.SchemeVLESS, serialized)
	if err != nil {
		return outbound{}, "", err
	}
	q := u.Query()

	encryption := q.Get("encryption")
	if encryption == "" {
		encryption = "none"
	}
	if encryption != "none" {
		return outbound{}, "", domain.DecodeError(domain.SchemeVLESS, "unsupported encryption %q", encryption)
	}

	stream, err := transportFromQuery(q).build(domain.SchemeVLESS, u.Hostname())
	if err != nil {
		return outbound{}, "", err
	}

	return outbound{
		Tag:      proxyTag,
		Protocol: "vless",
		Settings: vnextSettings{Vnext: []vnextServer{{
			Address: u.Hostname(),
			Port:    port,
			Users: []vnextUser{{
				ID:         u.User.Username(),
				Encryption: encryption,
				Flow:       q.Get("flow"),
			}},
		}}},
		StreamSettings: stream,
	}, strings.TrimSpace(u.Fragment), nil
}
