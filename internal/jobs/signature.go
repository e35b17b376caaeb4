package jobs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
)

var (
	errInvalidSignatureEncoding = errors.New("result signature is not valid hex")
	errSignatureMismatch        = errors.New("result signature does not match payload")
)

// canonicalize recursively sorts object keys so the same logical payload
// always produces the same byte sequence before hashing (§4.3 result
// upload: "recursively sort object keys before hashing").
func canonicalize(v interface{}) []byte {
	buf := make([]byte, 0, 256)
	buf = appendCanonical(buf, v)
	return buf
}

func appendCanonical(buf []byte, v interface{}) []byte {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = appendCanonical(buf, t[k])
		}
		buf = append(buf, '}')
	case []interface{}:
		buf = append(buf, '[')
		for i, e := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendCanonical(buf, e)
		}
		buf = append(buf, ']')
	default:
		b, _ := json.Marshal(t)
		buf = append(buf, b...)
	}
	return buf
}

// SignPayload computes the HMAC-SHA256 signature over the canonicalized
// result, hex-encoded. Used by tests and by the agent CLI to produce a
// signature the server can verify.
func SignPayload(sharedSecret string, payload map[string]interface{}) string {
	mac := hmac.New(sha256.New, []byte(sharedSecret))
	mac.Write(canonicalize(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig is the correct HMAC-SHA256 over the
// canonicalized payload under sharedSecret, using a constant-time compare.
func VerifySignature(sharedSecret string, payload map[string]interface{}, sig string) error {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return errInvalidSignatureEncoding
	}
	mac := hmac.New(sha256.New, []byte(sharedSecret))
	mac.Write(canonicalize(payload))
	got := mac.Sum(nil)
	if !hmac.Equal(want, got) {
		return errSignatureMismatch
	}
	return nil
}
