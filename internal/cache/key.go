package cache

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Key derives the canonical cache key for a request. Params are encoded with
// encoding/json, which sorts map keys at every nesting level, so two
// requests with the same params in a different insertion order share a key.
// The endpoint is kept verbatim so substring invalidation via ClearFor works.
func Key(method, endpoint string, params map[string]any) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "GET"
	}
	if len(params) == 0 {
		return method + " " + endpoint
	}

	raw, err := json.Marshal(params)
	if err != nil {
		// fmt also prints maps in sorted key order.
		raw = []byte(fmt.Sprintf("%v", params))
	}
	return method + " " + endpoint + " " + string(raw)
}
