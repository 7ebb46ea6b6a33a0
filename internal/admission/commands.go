package admission

import "strings"

// kind classifies a command name for dispatch purposes (spec §4.5 step 1).
type kind int

const (
	kindUnknown kind = iota
	kindRead
	kindWrite
	kindMultiKeyWrite // MSET: all keys must share one slot
	kindCluster
	kindConnModifier // ASKING / READONLY / READWRITE
)

type commandSpec struct {
	kind kind
}

// commandTable is the closed dispatch set the admission layer recognizes;
// anything absent is an unknown command. Kept as a table rather than a
// chain of type switches so the mapping is exhaustively reviewable.
var commandTable = map[string]commandSpec{
	"GET":       {kindRead},
	"SET":       {kindWrite},
	"DEL":       {kindWrite},
	"EXPIRE":    {kindWrite},
	"HSET":      {kindWrite},
	"SADD":      {kindWrite},
	"LPUSH":     {kindWrite},
	"ZADD":      {kindWrite},
	"MSET":      {kindMultiKeyWrite},
	"CLUSTER":   {kindCluster},
	"ASKING":    {kindConnModifier},
	"READONLY":  {kindConnModifier},
	"READWRITE": {kindConnModifier},
}

func classify(name string) commandSpec {
	spec, ok := commandTable[strings.ToUpper(name)]
	if !ok {
		return commandSpec{kindUnknown}
	}
	return spec
}

// keysOf extracts the key(s) a command addresses, given its already
// upper-cased name and args.
func keysOf(name string, args []string) []string {
	switch strings.ToUpper(name) {
	case "MSET":
		var keys []string
		for i := 0; i+1 < len(args); i += 2 {
			keys = append(keys, args[i])
		}
		return keys
	default:
		if len(args) == 0 {
			return nil
		}
		return args[:1]
	}
}
