package http

import (
	"net/url"
	"strconv"
)

func GetString(q url.Values, key, fallback string) string {
	if v := q.Get(key); v != "" {
		return v
	}
	return fallback
}

func GetInt(q url.Values, key string, fallback int) int {
	if raw := q.Get(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func GetInt64(q url.Values, key string, fallback int64) int64 {
	if raw := q.Get(key); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v
		}
	}
	return fallback
}

func GetStringSlice(q url.Values, key string) []string {
	if vs, ok := q[key]; ok {
		return vs
	}
	return nil
}
