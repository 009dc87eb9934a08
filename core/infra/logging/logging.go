package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
)

var debugEnabled = os.Getenv("LOG_DEBUG") == "true"

// Info logs a message with key/value fields under a component prefix.
func Info(component, msg string, kv ...any) {
	log.Printf("[%s] %s%s", strings.ToUpper(component), msg, fields(kv...))
}

// Error logs an error message with key/value fields under a component prefix.
func Error(component, msg string, kv ...any) {
	log.Printf("[%s] ERROR %s%s", strings.ToUpper(component), msg, fields(kv...))
}

// Debug logs only when LOG_DEBUG=true is set.
func Debug(component, msg string, kv ...any) {
	if !debugEnabled {
		return
	}
	log.Printf("[%s] DEBUG %s%s", strings.ToUpper(component), msg, fields(kv...))
}

func fields(kv ...any) string {
	if len(kv) == 0 {
		return ""
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	parts := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		parts = append(parts, flatten(kv[i])+"="+flatten(kv[i+1]))
	}
	return " " + strings.Join(parts, " ")
}

func flatten(v any) string {
	s, ok := v.(string)
	if !ok {
		s = fmt.Sprintf("%v", v)
	}
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	return strings.TrimSpace(s)
}
