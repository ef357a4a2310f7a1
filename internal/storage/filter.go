package storage

import (
	"fmt"
	"strings"
)

// filter accumulates WHERE conditions with positional arguments. Each
// condition uses "?" for its single argument; repeated "?" refer to the same one.
type filter struct {
	conds []string
	args  []any
}

func newFilter(cond string, arg any) *filter {
	f := &filter{}
	f.add(cond, arg)
	return f
}

func (f *filter) add(cond string, arg any) {
	f.args = append(f.args, arg)
	f.conds = append(f.conds, strings.ReplaceAll(cond, "?", fmt.Sprintf("$%d", len(f.args))))
}

// addIf adds cond only when ok is true.
func (f *filter) addIf(ok bool, cond string, arg any) {
	if ok {
		f.add(cond, arg)
	}
}

// raw adds a condition without an argument.
func (f *filter) raw(cond string) {
	f.conds = append(f.conds, cond)
}

func (f *filter) where() string {
	if len(f.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conds, " AND ")
}

// page appends LIMIT/OFFSET placeholders and returns the clause and full args.
func (f *filter) page(limit, offset int) (string, []any) {
	n := len(f.args)
	args := append(append([]any{}, f.args...), limit, offset)
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", n+1, n+2), args
}
