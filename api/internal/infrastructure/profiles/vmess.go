package profiles

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
)

// vmessLink is the base64 JSON payload of a v2rayN-style vmess link. Numeric
// fields arrive as either numbers or strings depending on the exporter.
type vmessLink struct {
	Version     flexString `json:"v"`
	Name        string     `json:"ps"`
	Address     string     `json:"add"`
	Port        flexString `json:"port"`
	ID          string     `json:"id"`
	AlterID     flexString `json:"aid"`
	Security    string     `json:"scy"`
	Network     string     `json:"net"`
	HeaderType  string     `json:"type"`
	Host        string     `json:"host"`
	Path        string     `json:"path"`
	TLS         string     `json:"tls"`
	SNI         string     `json:"sni"`
	ALPN        string     `json:"alpn"`
	Fingerprint string     `json:"fp"`
}

// flexString unmarshals a JSON string or number into its string form.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// decodeVMessBase64 handles vmess://base64(json).
func decodeVMessBase64(serialized string) (outbound, string, error) {
	payload := strings.TrimPrefix(serialized, "vmess://")
	if i := strings.IndexByte(payload, '#'); i >= 0 {
		payload = payload[:i]
	}
	raw, err := decodeBase64(payload)
	if err != nil {
		return outbound{}, "", domain.DecodeError(domain.SchemeVMess, "payload is not base64: %v", err)
	}

	var link vmessLink
	// Some exporters emit comments or trailing commas.
	if err := json.Unmarshal(jsonc.ToJSON(raw), &link); err != nil {
		return outbound{}, "", domain.DecodeError(domain.SchemeVMess, "payload is not JSON: %v", err)
	}
	if link.Address == "" {
		return outbound{}, "", domain.DecodeError(domain.SchemeVMess, "missing server address")
	}
	if link.ID == "" {
		return outbound{}, "", domain.DecodeError(domain.SchemeVMess, "missing user id")
	}
	port, err := parsePort(domain.SchemeVMess, string(link.Port))
	if err != nil {
		return outbound{}, "", err
	}
	alterID := 0
	if link.AlterID != "" {
		if alterID, err = strconv.Atoi(string(link.AlterID)); err != nil || alterID < 0 {
			return outbound{}, "", domain.DecodeError(domain.SchemeVMess, "invalid alterId %q", link.AlterID)
		}
	}

	t := transport{
		network:     link.Network,
		security:    link.TLS,
		sni:         link.SNI,
		alpn:        link.ALPN,
		fingerprint: link.Fingerprint,
		path:        link.Path,
		host:        link.Host,
		headerType:  link.HeaderType,
	}
	if t.network == "grpc" {
		t.serviceName = link.Path
		if link.HeaderType == "multi" {
			t.mode = "multi"
		}
		t.headerType = ""
	}
	stream, err := t.build(domain.SchemeVMess, link.Address)
	if err != nil {
		return outbound{}, "", err
	}

	return vmessOutbound(link.Address, port, link.ID, alterID, link.Security, stream), strings.TrimSpace(link.Name), nil
}

// decodeVMessURI handles the newer vmess://uuid@host:port?query#label form.
func decodeVMessURI(serialized string) (outbound, string, error) {
	u, port, err := parseShareURI(domain.SchemeVMess, serialized)
	if err != nil {
		return outbound{}, "", err
	}
	q := u.Query()

	alterID := 0
	if aid := q.Get("alterId"); aid != "" {
		if alterID, err = strconv.Atoi(aid); err != nil || alterID < 0 {
			return outbound{}, "", domain.DecodeError(domain.SchemeVMess, "invalid alterId %q", aid)
		}
	}
	stream, err := transportFromQuery(q).build(domain.SchemeVMess, u.Hostname())
	if err != nil {
		return outbound{}, "", err
	}
	return vmessOutbound(u.Hostname(), port, u.User.Username(), alterID, q.Get("encryption"), stream), strings.TrimSpace(u.Fragment), nil
}

func vmessOutbound(address string, port int, id string, alterID int, security string, stream *streamSettings) outbound {
	if security == "" {
		security = "auto"
	}
	return outbound{
		Tag:      proxyTag,
		Protocol: "vmess",
		Settings: vnextSettings{Vnext: []vnextServer{{
			Address: address,
			Port:    port,
			Users: []vnextUser{{
				ID:       id,
				AlterID:  &alterID,
				Security: security,
			}},
		}}},
		StreamSettings: stream,
	}
}
