package audit

import (
	"strings"
	"unicode"
)

// ActionResource holds action and resource derived from a gRPC full method name.
type ActionResource struct {
	Action   string
	Resource string
}

// ParseFullMethod returns action and resource for a gRPC full method
// (e.g. /iam.workflow.v1.WorkflowService/EnterPassword -> enter_password on workflow).
// The action is the method name in snake case; the resource is the service name without its
// "Service" suffix.
func ParseFullMethod(fullMethod string) ActionResource {
	slash := strings.LastIndex(fullMethod, "/")
	if slash < 0 {
		return ActionResource{Action: "unknown", Resource: "unknown"}
	}
	method := fullMethod[slash+1:]
	beforeSlash := fullMethod[:slash]
	dot := strings.LastIndex(beforeSlash, ".")
	if dot < 0 {
		return ActionResource{Action: snakeCase(method), Resource: "unknown"}
	}
	return ActionResource{Action: snakeCase(method), Resource: serviceToResource(beforeSlash[dot+1:])}
}

func serviceToResource(serviceName string) string {
	s := strings.TrimSuffix(serviceName, "Service")
	if s == "" {
		return "unknown"
	}
	return snakeCase(s)
}

func snakeCase(s string) string {
	if s == "" {
		return "unknown"
	}
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
