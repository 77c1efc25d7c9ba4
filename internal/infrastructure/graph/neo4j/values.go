package neo4j

import (
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

func stringValue(record *neo4j.Record, key string) (string, bool) {
	raw, ok := record.Get(key)
	if !ok || raw == nil {
		return "", false
	}
	if s, ok := raw.(string); ok {
		return s, true
	}
	return fmt.Sprintf("%v", raw), true
}

func intValue(record *neo4j.Record, key string) (int, bool) {
	raw, ok := record.Get(key)
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func floatValue(record *neo4j.Record, key string) (float64, bool) {
	raw, ok := record.Get(key)
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func nodeValue(record *neo4j.Record, key string) (neo4j.Node, bool) {
	raw, ok := record.Get(key)
	if !ok {
		return neo4j.Node{}, false
	}
	node, ok := raw.(neo4j.Node)
	return node, ok
}

func propString(props map[string]any, key string) string {
	switch v := props[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

func propInt(props map[string]any, key string) int64 {
	switch v := props[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// propTime accepts native temporal values as well as ISO strings.
func propTime(props map[string]any, key string) (time.Time, bool) {
	switch v := props[key].(type) {
	case time.Time:
		return v, true
	case dbtype.Date:
		return v.Time(), true
	case dbtype.LocalDateTime:
		return v.Time(), true
	case string:
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			return ts, true
		}
		if ts, err := time.Parse(time.DateOnly, v); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
