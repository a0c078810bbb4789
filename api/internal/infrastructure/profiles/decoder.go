// Package profiles decodes serialized proxy profiles (vless, vmess, trojan,
// shadowsocks share links) into engine outbound documents.
package profiles

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
)

const (
	proxyTag  = "proxy"
	directTag = "direct"
	logLevel  = "warning"
)

// Decoder implements domain.ProfileDecoder. It is stateless and safe for
// concurrent use.
type Decoder struct{}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode dispatches on the profile prefix and returns the engine profile plus
// the label carried by the link (empty when the link has none).
func (d *Decoder) Decode(serialized string) (domain.Profile, string, error) {
	serialized = strings.TrimSpace(serialized)
	scheme, ok := domain.DetectScheme(serialized)
	if !ok {
		return nil, "", domain.DecodeError("", "unrecognized profile prefix")
	}

	var (
		ob    outbound
		label string
		err   error
	)
	switch scheme {
	case domain.SchemeVLESS:
		ob, label, err = decodeVLESS(serialized)
	case domain.SchemeVMess:
		if strings.Contains(serialized, "@") {
			ob, label, err = decodeVMessURI(serialized)
		} else {
			ob, label, err = decodeVMessBase64(serialized)
		}
	case domain.SchemeTrojan:
		ob, label, err = decodeTrojan(serialized)
	case domain.SchemeShadowsocks:
		ob, label, err = decodeShadowsocks(serialized)
	}
	if err != nil {
		return nil, "", err
	}

	profile, err := buildProfile(ob)
	if err != nil {
		return nil, "", domain.DecodeError(scheme, "encode profile: %v", err)
	}
	return profile, label, nil
}

func buildProfile(ob outbound) (domain.Profile, error) {
	logSection, err := json.Marshal(map[string]string{"loglevel": logLevel})
	if err != nil {
		return nil, err
	}
	outbounds, err := json.Marshal([]outbound{ob, {Tag: directTag, Protocol: "freedom"}})
	if err != nil {
		return nil, err
	}
	return domain.Profile{
		"log":       logSection,
		"outbounds": outbounds,
	}, nil
}

// parseShareURI parses a scheme://user@host:port?query#label link and checks
// the parts every URI-style profile needs.
func parseShareURI(scheme domain.Scheme, serialized string) (*url.URL, int, error) {
	u, err := url.Parse(serialized)
	if err != nil {
		return nil, 0, domain.DecodeError(scheme, "malformed link: %v", err)
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, 0, domain.DecodeError(scheme, "missing credentials")
	}
	if u.Hostname() == "" {
		return nil, 0, domain.DecodeError(scheme, "missing server address")
	}
	port, err := parsePort(scheme, u.Port())
	if err != nil {
		return nil, 0, err
	}
	return u, port, nil
}

// decodeBase64 accepts padded and unpadded, standard and URL alphabets.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	encodings := []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		out, err := enc.DecodeString(s)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
