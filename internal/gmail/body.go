package gmail

import (
	"encoding/base64"
	"strings"
)

// ExtractBody returns the decoded text of the first text/plain or text/html
// leaf in the payload tree, walking nested multiparts depth-first in document
// order with no depth cap. Returns "" when no decodable leaf exists.
func ExtractBody(payload *Part) string {
	if payload == nil {
		return ""
	}

	data := ""
	if len(payload.Parts) > 0 {
		data = findBodyData(payload.Parts)
	} else {
		data = payload.Body.Data
	}
	if data == "" {
		return ""
	}

	decoded, err := decodeBase64URL(data)
	if err != nil {
		return ""
	}
	return decoded
}

func findBodyData(parts []*Part) string {
	for _, part := range parts {
		if part == nil {
			continue
		}
		if (part.MimeType == "text/plain" || part.MimeType == "text/html") && part.Body.Data != "" {
			return part.Body.Data
		}
		if len(part.Parts) > 0 {
			if nested := findBodyData(part.Parts); nested != "" {
				return nested
			}
		}
	}
	return ""
}

// decodeBase64URL accepts both raw and padded base64url, which the provider
// mixes freely
func decodeBase64URL(data string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
