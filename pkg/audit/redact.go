package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fields stripped from audited payloads before insert. NIK is the Indonesian
// national identity number; it must never land in the audit table in clear.
var sensitivePayloadKeys = []string{
	"nik", "full_name", "date_of_birth", "address", "phone", "email",
	"document_image", "selfie_image",
}

func redactRecord(rec Record, salt []byte) Record {
	rec.SubjectID = hashString(rec.SubjectID, salt)
	rec.Payload = redactPayload(rec.Payload, salt)
	return rec
}

func redactPayload(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		b, _ := json.Marshal(map[string]interface{}{
			"payload_hash":    hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		})
		return b
	}
	for _, key := range sensitivePayloadKeys {
		v, ok := payload[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			payload[key+"_hash"] = hashString(val, salt)
		default:
			payload[key+"_hash"] = hashJSON(val, salt)
		}
		delete(payload, key)
	}
	b, _ := json.Marshal(payload)
	return b
}

func hashJSON(v interface{}, salt []byte) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return hashBytes(raw, salt)
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
