package feed

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"funding-arb/internal/connector"
)

// parseBalanceMessage accepts either a bare balance entry, a list of entries,
// or an envelope carrying them under "data".
func parseBalanceMessage(raw json.RawMessage, now time.Time) []connector.BalanceUpdate {
	var payload any
	decoder := json.NewDecoder(strings.NewReader(string(raw)))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return nil
	}
	return parseBalancePayload(payload, now)
}

func parseBalancePayload(payload any, now time.Time) []connector.BalanceUpdate {
	switch val := payload.(type) {
	case []any:
		var out []connector.BalanceUpdate
		for _, item := range val {
			out = append(out, parseBalancePayload(item, now)...)
		}
		return out
	case map[string]any:
		if channel := stringFromAny(val["channel"]); channel != "" && !strings.Contains(strings.ToLower(channel), "balance") && !strings.Contains(strings.ToLower(channel), "wallet") {
			return nil
		}
		if nested, ok := val["data"]; ok {
			return parseBalancePayload(nested, now)
		}
		if list, ok := val["balances"].([]any); ok {
			return parseBalancePayload(list, now)
		}
		update, ok := parseBalanceEntry(val, now)
		if !ok {
			return nil
		}
		return []connector.BalanceUpdate{update}
	}
	return nil
}

func parseBalanceEntry(entry map[string]any, now time.Time) (connector.BalanceUpdate, bool) {
	asset := stringFromAny(entry["asset"])
	if asset == "" {
		asset = stringFromAny(entry["coin"])
	}
	if asset == "" {
		asset = stringFromAny(entry["currency"])
	}
	balance, ok := floatFromMap(entry, "balance", "total", "equity", "walletBalance")
	if !ok {
		return connector.BalanceUpdate{}, false
	}
	ts := now
	if ms, ok := floatFromMap(entry, "time", "ts", "timestamp"); ok && ms > 0 {
		ts = time.UnixMilli(int64(ms)).UTC()
	}
	return connector.BalanceUpdate{Asset: strings.ToUpper(asset), Balance: balance, Time: ts}, true
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func floatFromMap(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if f, ok := floatFromAny(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
