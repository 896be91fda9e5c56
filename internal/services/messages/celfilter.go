package messagesvc

import (
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/izp1012/meloncity/internal/chat"
)

// celFilter wraps a compiled CEL program evaluated against stored messages
// during history reads. When disabled, Eval always returns true.
//
// Expressions see:
//
//	message.id, message.sender_id, message.created_at_ms   int
//	message.content, message.sender_name, message.type,
//	message.status                                          string
//	now_ms                                                  int
//
// e.g. `message.type == "CHAT" && message.content.contains("deploy")`.
type celFilter struct {
	prog    cel.Program
	enabled bool
}

func newCELFilter(expr string) (celFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return celFilter{enabled: false}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("message", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return celFilter{}, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return celFilter{}, iss.Err()
	}
	checked, iss2 := env.Check(ast)
	if iss2 != nil && iss2.Err() != nil {
		return celFilter{}, iss2.Err()
	}
	prog, err := env.Program(checked)
	if err != nil {
		return celFilter{}, err
	}
	return celFilter{prog: prog, enabled: true}, nil
}

// Eval reports whether m matches. Evaluation errors count as no match.
func (f celFilter) Eval(m chat.Message) bool {
	if !f.enabled {
		return true
	}
	out, _, err := f.prog.Eval(map[string]any{
		"message": map[string]any{
			"id":            m.ID,
			"sender_id":     m.SenderID,
			"sender_name":   m.SenderName,
			"content":       m.Content,
			"type":          string(m.Type),
			"status":        string(m.Status),
			"created_at_ms": m.CreatedAt.UnixMilli(),
		},
		"now_ms": time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
