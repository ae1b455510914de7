package mapping

import (
	"fmt"

	"github.com/roach88/crmsync/internal/syncerr"
)

// BuildPushParams computes the push payload of def for env.Entity.
//
// Field errors are passed to notice and the field is left out. Any other
// error aborts the build.
func BuildPushParams(env *Env, def Definition, notice func(Rule, error)) (map[string]any, error) {
	params := make(map[string]any)
	for _, rule := range def.PushRules() {
		v, err := rule.PushValue(env)
		if err != nil {
			if syncerr.IsField(err) {
				if notice != nil {
					notice(rule, err)
				}
				continue
			}
			if se, ok := err.(*syncerr.Error); ok && se.Mapping == "" {
				se.Mapping = def.ID
			}
			return nil, err
		}
		params[rule.RemoteField] = v
	}
	return params, nil
}

// KeyValue returns the upsert key value of env.Entity for def. An empty
// string means the entity does not carry a key yet.
func KeyValue(env *Env, def Definition) (string, error) {
	rule, ok := def.KeyRule()
	if !ok {
		if def.HasKey() {
			return "", syncerr.Configuration(def.ID, "no push rule feeds key field %s", def.KeyField)
		}
		return "", nil
	}
	v, err := rule.PushValue(env)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	return fmt.Sprint(v), nil
}
