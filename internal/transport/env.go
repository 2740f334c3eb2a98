package transport

import (
	"os"
	"strings"
)

// loaderVars influence the dynamic loader. A host may point them at its
// private libraries; children must see the values the host started with.
var loaderVars = []string{
	"LD_LIBRARY_PATH",
	"LD_PRELOAD",
	"DYLD_LIBRARY_PATH",
	"DYLD_INSERT_LIBRARIES",
}

// LoaderEnv maps a loader variable to its original value. A variable absent
// from the map was originally unset.
type LoaderEnv map[string]string

// RecordLoaderEnv snapshots the loader variables of the current process.
// Call it at startup, before the host adjusts them for its own libraries.
func RecordLoaderEnv() LoaderEnv {
	env := LoaderEnv{}
	for _, key := range loaderVars {
		if value, ok := os.LookupEnv(key); ok {
			env[key] = value
		}
	}
	return env
}

func isLoaderVar(key string) bool {
	for _, v := range loaderVars {
		if v == key {
			return true
		}
	}
	return false
}

// childEnv builds the child environment from base with loader variables
// reset to their recorded originals, followed by extra. A nil loader keeps
// base as is.
func childEnv(base []string, loader LoaderEnv, extra []string) []string {
	out := make([]string, 0, len(base)+len(loader)+len(extra))
	if loader == nil {
		out = append(out, base...)
		return append(out, extra...)
	}
	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if ok && isLoaderVar(key) {
			continue
		}
		out = append(out, kv)
	}
	for _, key := range loaderVars {
		if value, ok := loader[key]; ok {
			out = append(out, key+"="+value)
		}
	}
	return append(out, extra...)
}
