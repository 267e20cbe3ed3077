package supervisor

import (
	"sort"
	"strconv"
	"strings"
)

// DefaultBackendEnv holds the backend settings filled in when neither the
// configuration nor the invocation environment provides them.
var DefaultBackendEnv = map[string]string{
	"PGRST_DB_POOL":     "1",
	"PGRST_DB_SCHEMA":   "public",
	"PGRST_SERVER_HOST": "*4",
}

// buildEnv layers the child environment. Later layers win: built-in
// defaults, configured defaults, the launcher's own environment, and finally
// portEnv set to port.
func buildEnv(environ []string, defaults map[string]string, portEnv string, port int) []string {
	vars := make(map[string]string, len(environ)+len(DefaultBackendEnv)+len(defaults)+1)
	for k, v := range DefaultBackendEnv {
		vars[k] = v
	}
	for k, v := range defaults {
		vars[k] = v
	}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = v
	}
	vars[portEnv] = strconv.Itoa(port)

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}
